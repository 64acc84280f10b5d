package filetool

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/s2"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/index"
)

// ExportFormat names the stream written by Export
const ExportFormat = "docstore-export"

// ExportHeader is the first CBOR item of an export stream
type ExportHeader struct {
	Format  string `cbor:"format"`
	Version int    `cbor:"version"`
	Kind    string `cbor:"kind"`
	Count   uint64 `cbor:"count"`
}

// FieldRecord is one B+Tree entry
type FieldRecord struct {
	Key   interface{} `cbor:"k"`
	Value interface{} `cbor:"v"`
}

// GeoRecord is one R-Tree entry
type GeoRecord struct {
	ID  interface{} `cbor:"id"`
	Lat float64     `cbor:"lat"`
	Lng float64     `cbor:"lng"`
}

var exportMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Export streams the live entries of the tree file at path to w as
// s2-compressed CBOR: a header followed by one record per entry.
func Export(path string, w io.Writer) (uint64, error) {
	tf, err := openFile(path, nil)
	if err != nil {
		return 0, err
	}
	defer tf.close()

	zw := s2.NewWriter(w)
	enc := exportMode.NewEncoder(zw)
	header := ExportHeader{Format: ExportFormat, Version: 1, Kind: string(tf.kind), Count: tf.size()}
	if err := enc.Encode(header); err != nil {
		return 0, err
	}

	var n uint64
	if tf.kind == index.KindField {
		it := tf.bp.Iterator()
		for it.Next() {
			e := it.Entry()
			if err := enc.Encode(FieldRecord{Key: Plain(e.Key), Value: Plain(e.Value)}); err != nil {
				return n, err
			}
			n++
		}
		if err := it.Err(); err != nil {
			return n, err
		}
	} else {
		entries, err := tf.rt.ToArray()
		if err != nil {
			return n, err
		}
		for _, e := range entries {
			if err := enc.Encode(GeoRecord{ID: Plain(e.ID), Lat: e.Lat, Lng: e.Lng}); err != nil {
				return n, err
			}
			n++
		}
	}
	if n != header.Count {
		return n, fmt.Errorf("export %s: wrote %d entries, metadata says %d", path, n, header.Count)
	}
	return n, zw.Close()
}

// Plain converts a stored value into CBOR-friendly Go values.
// ObjectIds become {"$oid": hex} maps, mirroring the gRPC payloads.
func Plain(v codec.Value) interface{} {
	switch v.Type {
	case codec.TypeBool:
		return v.Bool
	case codec.TypeInt64:
		return v.I64
	case codec.TypeFloat64:
		return v.F64
	case codec.TypeString:
		return v.Str
	case codec.TypeObjectID:
		return map[string]interface{}{"$oid": v.OID.Hex()}
	case codec.TypeDateTime:
		return time.UnixMilli(v.I64).UTC()
	case codec.TypeFileOffset:
		return v.U64
	case codec.TypeBinary:
		return v.Bin
	case codec.TypeArray:
		out := make([]interface{}, len(v.Arr))
		for i, item := range v.Arr {
			out[i] = Plain(item)
		}
		return out
	case codec.TypeObject:
		out := make(map[string]interface{}, len(v.Obj))
		for _, f := range v.Obj {
			out[f.Key] = Plain(f.Value)
		}
		return out
	}
	return nil
}
