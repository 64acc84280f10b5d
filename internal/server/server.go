// Package server implements the gRPC DocStore service
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/docstore/internal/logger"
	"github.com/nainya/docstore/internal/metrics"
	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/index"
	"github.com/nainya/docstore/pkg/pagedstore"
	"github.com/nainya/docstore/pkg/rtree"
)

// Server implements DocStoreServer over an index catalog
type Server struct {
	catalog *index.Catalog
	log     *logger.Logger
	metrics *metrics.Metrics

	startTime time.Time
}

var _ DocStoreServer = (*Server)(nil)

// NewServer creates a new gRPC server instance
func NewServer(catalog *index.Catalog, log *logger.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		catalog:   catalog,
		log:       log,
		metrics:   m,
		startTime: time.Now(),
	}
	s.refreshStats()
	return s
}

// Close closes the catalog
func (s *Server) Close() error {
	return s.catalog.Close()
}

// ========== Error mapping ==========

// statusError maps domain errors onto gRPC status codes
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, index.ErrBadDefinition),
		errors.Is(err, index.ErrBadDocument),
		errors.Is(err, codec.ErrFormat),
		errors.Is(err, rtree.ErrBadCoordinates):
		code = codes.InvalidArgument
	case errors.Is(err, index.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, index.ErrExists):
		code = codes.AlreadyExists
	case errors.Is(err, bptree.ErrCorrupt), errors.Is(err, rtree.ErrCorrupt):
		code = codes.DataLoss
	case errors.Is(err, index.ErrWrongKind),
		errors.Is(err, bptree.ErrNotOpen),
		errors.Is(err, rtree.ErrNotOpen),
		errors.Is(err, pagedstore.ErrClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// observe records one index operation and passes err through as a status
func (s *Server) observe(name, operation string, start time.Time, results int, err error) error {
	st := "success"
	if err != nil {
		st = "error"
	}
	duration := time.Since(start)
	s.metrics.RecordIndexOperation(name, operation, st, duration)
	if err == nil && results > 0 {
		s.metrics.RecordQueryResults(operation, results)
	}
	s.log.LogIndexOperation(name, operation, duration, results, err)
	return statusError(err)
}

func (s *Server) refreshStats() {
	stats, err := s.catalog.Stats()
	if err != nil {
		s.log.Warn("failed to collect index stats").Err(err).Send()
		return
	}
	for _, st := range stats {
		s.metrics.UpdateIndexStats(st.Name, st.Size, st.FileSize)
	}
}

// ========== Request helpers ==========

func stringArg(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

func numberArg(req *structpb.Struct, key string) (float64, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n, ok := v.Kind.(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", key)
	}
	return n.NumberValue, nil
}

func valueArg(req *structpb.Struct, key string) (codec.Value, error) {
	pv, ok := req.GetFields()[key]
	if !ok {
		return codec.Value{}, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	v, err := FromProto(pv)
	if err != nil {
		return codec.Value{}, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return v, nil
}

func documentArg(req *structpb.Struct) (codec.Value, error) {
	doc, err := valueArg(req, "document")
	if err != nil {
		return codec.Value{}, err
	}
	if doc.Type != codec.TypeObject {
		return codec.Value{}, status.Error(codes.InvalidArgument, "document must be an object")
	}
	return doc, nil
}

func listOf(items []codec.Value) (*structpb.Value, error) {
	pv, err := ToProto(codec.NewArrayValue(items...))
	if err != nil {
		return nil, statusError(err)
	}
	return pv, nil
}

func entryList(entries []rtree.Entry, lat, lng float64, withDistance bool) (*structpb.Value, error) {
	out := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		id, err := ToProto(e.ID)
		if err != nil {
			return nil, statusError(err)
		}
		fields := map[string]*structpb.Value{
			"id":  id,
			"lat": structpb.NewNumberValue(e.Lat),
			"lng": structpb.NewNumberValue(e.Lng),
		}
		if withDistance {
			fields["distanceKm"] = structpb.NewNumberValue(rtree.Haversine(lat, lng, e.Lat, e.Lng))
		}
		out = append(out, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: out}), nil
}

// ========== Index management ==========

func (s *Server) CreateIndex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "name")
	if err != nil {
		return nil, err
	}
	kind, err := stringArg(req, "kind")
	if err != nil {
		return nil, err
	}
	field, err := stringArg(req, "field")
	if err != nil {
		return nil, err
	}
	def := index.Definition{Name: name, Kind: index.Kind(kind), Field: field}
	if v, ok := req.GetFields()["order"]; ok {
		def.Order = int(v.GetNumberValue())
	}
	if v, ok := req.GetFields()["maxEntries"]; ok {
		def.MaxEntries = int(v.GetNumberValue())
	}

	start := time.Now()
	_, err = s.catalog.Create(def)
	if err := s.observe(name, "create", start, 0, err); err != nil {
		return nil, err
	}
	s.refreshStats()
	return structpb.NewStruct(map[string]interface{}{
		"name":  name,
		"kind":  kind,
		"field": field,
	})
}

func (s *Server) DropIndex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "name")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := s.observe(name, "drop", start, 0, s.catalog.Drop(name)); err != nil {
		return nil, err
	}
	s.metrics.ForgetIndex(name)
	return structpb.NewStruct(map[string]interface{}{"dropped": true})
}

func (s *Server) ListIndexes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.catalog.Stats()
	if err != nil {
		return nil, statusError(err)
	}
	items := make([]interface{}, 0, len(stats))
	for _, st := range stats {
		items = append(items, map[string]interface{}{
			"name":     st.Name,
			"kind":     string(st.Kind),
			"field":    st.Field,
			"size":     float64(st.Size),
			"fileSize": float64(st.FileSize),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"indexes": items})
}

// ========== Document operations ==========

func (s *Server) Insert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	doc, err := documentArg(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	stored, err := s.catalog.Insert(doc)
	if err := s.observe("*", "insert", start, 0, err); err != nil {
		return nil, err
	}
	s.refreshStats()

	out, err := ToStruct(stored)
	if err != nil {
		return nil, statusError(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"document": structpb.NewStructValue(out),
		"id":       out.Fields[index.IDField],
	}}, nil
}

func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	doc, err := documentArg(req)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Get(index.IDField); !ok {
		return nil, status.Errorf(codes.InvalidArgument, "document must carry %s", index.IDField)
	}
	start := time.Now()
	if err := s.observe("*", "delete", start, 0, s.catalog.Delete(doc)); err != nil {
		return nil, err
	}
	s.refreshStats()
	return structpb.NewStruct(map[string]interface{}{"deleted": true})
}

// ========== Queries ==========

func (s *Server) Lookup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "index")
	if err != nil {
		return nil, err
	}
	v, err := valueArg(req, "value")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ids, err := s.catalog.Lookup(name, v)
	if err := s.observe(name, "lookup", start, len(ids), err); err != nil {
		return nil, err
	}
	list, err := listOf(ids)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"ids": list}}, nil
}

func (s *Server) Range(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "index")
	if err != nil {
		return nil, err
	}
	lo, err := valueArg(req, "min")
	if err != nil {
		return nil, err
	}
	hi, err := valueArg(req, "max")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ids, err := s.catalog.Range(name, lo, hi)
	if err := s.observe(name, "range", start, len(ids), err); err != nil {
		return nil, err
	}
	list, err := listOf(ids)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"ids": list}}, nil
}

func (s *Server) Near(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "index")
	if err != nil {
		return nil, err
	}
	var args [3]float64
	for i, key := range []string{"lat", "lng", "km"} {
		if args[i], err = numberArg(req, key); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	entries, err := s.catalog.Near(name, args[0], args[1], args[2])
	if err := s.observe(name, "near", start, len(entries), err); err != nil {
		return nil, err
	}
	list, err := entryList(entries, args[0], args[1], true)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"results": list}}, nil
}

func (s *Server) Within(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringArg(req, "index")
	if err != nil {
		return nil, err
	}
	var args [4]float64
	for i, key := range []string{"minLat", "maxLat", "minLng", "maxLng"} {
		if args[i], err = numberArg(req, key); err != nil {
			return nil, err
		}
	}
	box := rtree.BBox{MinLat: args[0], MaxLat: args[1], MinLng: args[2], MaxLng: args[3]}
	start := time.Now()
	entries, err := s.catalog.Within(name, box)
	if err := s.observe(name, "within", start, len(entries), err); err != nil {
		return nil, err
	}
	list, err := entryList(entries, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"results": list}}, nil
}

// ========== Maintenance ==========

func (s *Server) Compact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	stats, err := s.catalog.CompactAll(ctx)
	duration := time.Since(start)

	out := make(map[string]interface{}, len(stats))
	for name, st := range stats {
		s.metrics.RecordCompaction("success", st.BytesSaved)
		s.log.LogCompaction(name, st.OldSize, st.NewSize, duration)
		out[name] = map[string]interface{}{
			"oldSize":    float64(st.OldSize),
			"newSize":    float64(st.NewSize),
			"bytesSaved": float64(st.BytesSaved),
		}
	}
	s.refreshStats()
	if err != nil {
		s.metrics.RecordCompaction("error", 0)
		return nil, statusError(fmt.Errorf("compaction: %w", err))
	}
	return structpb.NewStruct(map[string]interface{}{"indexes": out})
}

func (s *Server) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.catalog.Stats()
	if err != nil {
		return nil, statusError(err)
	}
	var entries, fileBytes uint64
	for _, st := range stats {
		entries += st.Size
		fileBytes += st.FileSize
	}
	return structpb.NewStruct(map[string]interface{}{
		"uptimeSeconds":  float64(int64(time.Since(s.startTime).Seconds())),
		"indexCount":     float64(len(stats)),
		"totalEntries":   float64(entries),
		"totalFileBytes": float64(fileBytes),
	})
}
