// ABOUTME: Catalog of named indexes sharing one data directory
// ABOUTME: Persists definitions in a manifest, fans document writes out and compacts index files

package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otiai10/copy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
	"github.com/nainya/docstore/pkg/rtree"
)

const (
	manifestFile    = "catalog.manifest"
	manifestVersion = 1
	indexExt        = ".idx"
)

// CatalogOptions configures a Catalog
type CatalogOptions struct {
	Logger *zerolog.Logger
	// RecoverCorrupt resets corrupt index files after copying them aside
	RecoverCorrupt bool
	// Order and MaxEntries apply to definitions that leave them zero
	Order      int
	MaxEntries int
}

// IndexStats summarizes one index
type IndexStats struct {
	Name     string
	Kind     Kind
	Field    string
	Size     uint64
	FileSize uint64
}

// Catalog owns every index under a directory.
// Its lock guards the index map; index mutations are serialized by the write lock.
type Catalog struct {
	dir  string
	opts CatalogOptions
	log  zerolog.Logger

	mu       sync.RWMutex
	indexes  map[string]Index
	manifest *pagedstore.Store
}

// OpenCatalog opens dir, creating it and an empty manifest when missing
func OpenCatalog(dir string, opts CatalogOptions) (*Catalog, error) {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "catalog").Logger()
	}
	sink, err := pagedstore.OpenFileSink(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		dir:      dir,
		opts:     opts,
		log:      log,
		indexes:  make(map[string]Index),
		manifest: pagedstore.New(sink),
	}

	defs, err := c.readManifest()
	if err != nil {
		c.manifest.Close()
		return nil, err
	}
	for _, def := range defs {
		idx, err := c.openIndex(def)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open index %s: %w", def.Name, err)
		}
		c.indexes[def.Name] = idx
	}
	c.log.Info().Str("dir", dir).Int("indexes", len(c.indexes)).Msg("catalog opened")
	return c, nil
}

func (c *Catalog) readManifest() ([]Definition, error) {
	size, err := c.manifest.Size()
	if err != nil || size == 0 {
		return nil, err
	}
	v, err := c.manifest.Read(0)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	version, _ := v.Get("version")
	if version.Type != codec.TypeInt64 || version.I64 != manifestVersion {
		return nil, fmt.Errorf("%w: manifest version %s", ErrBadDefinition, version)
	}
	list, _ := v.Get("indexes")
	if list.Type != codec.TypeArray {
		return nil, fmt.Errorf("%w: manifest has no index list", ErrBadDefinition)
	}
	defs := make([]Definition, 0, len(list.Arr))
	for _, item := range list.Arr {
		def, err := decodeDefinition(item)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// writeManifest must be called with the write lock held
func (c *Catalog) writeManifest() error {
	items := make([]codec.Value, 0, len(c.indexes))
	for _, name := range c.sortedNames() {
		items = append(items, c.indexes[name].Definition().encode())
	}
	err := c.manifest.Write(codec.NewObjectValue(
		codec.F("version", codec.NewInt64Value(manifestVersion)),
		codec.F("indexes", codec.NewArrayValue(items...)),
	))
	if err != nil {
		return err
	}
	return c.manifest.Flush()
}

func (c *Catalog) path(name string) string {
	return filepath.Join(c.dir, name+indexExt)
}

// newIndex builds a closed index over its file
func (c *Catalog) newIndex(def Definition) (Index, *pagedstore.FileSink, error) {
	path := c.path(def.Name)
	sink, err := pagedstore.OpenFileSink(path)
	if err != nil {
		return nil, nil, err
	}
	onCorrupt := func(cause error) error {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		c.log.Warn().Err(cause).Str("index", def.Name).Str("backup", backup).Msg("backing up corrupt index")
		return copy.Copy(path, backup)
	}

	var idx Index
	switch def.Kind {
	case KindField:
		idx, err = NewFieldIndex(def, sink, bptree.Options{
			Order:          c.opts.Order,
			Logger:         &c.log,
			RecoverCorrupt: c.opts.RecoverCorrupt,
			OnCorrupt:      onCorrupt,
		})
	case KindGeo:
		idx, err = NewGeoIndex(def, sink, rtree.Options{
			MaxEntries:     c.opts.MaxEntries,
			Logger:         &c.log,
			RecoverCorrupt: c.opts.RecoverCorrupt,
			OnCorrupt:      onCorrupt,
		})
	default:
		err = fmt.Errorf("%w: kind %q", ErrBadDefinition, def.Kind)
	}
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	return idx, sink, nil
}

func (c *Catalog) openIndex(def Definition) (Index, error) {
	idx, sink, err := c.newIndex(def)
	if err != nil {
		return nil, err
	}
	if err := idx.Open(); err != nil {
		sink.Close()
		return nil, err
	}
	return idx, nil
}

// Create adds a new empty index and records it in the manifest
func (c *Catalog) Create(def Definition) (Index, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.indexes[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, def.Name)
	}
	// A stale file left by an earlier drop must not be adopted
	if err := os.Remove(c.path(def.Name)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	idx, err := c.openIndex(def)
	if err != nil {
		return nil, err
	}
	c.indexes[def.Name] = idx
	if err := c.writeManifest(); err != nil {
		delete(c.indexes, def.Name)
		idx.Close()
		return nil, err
	}
	c.log.Info().Str("index", def.Name).Str("kind", string(def.Kind)).Str("field", def.Field).Msg("index created")
	return idx, nil
}

// Get returns the named index
func (c *Catalog) Get(name string) (Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return idx, nil
}

// Field returns the named field index.
// Queries on the result are not serialized against catalog writes.
func (c *Catalog) Field(name string) (*FieldIndex, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.field(name)
}

func (c *Catalog) field(name string) (*FieldIndex, error) {
	idx, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	f, ok := idx.(*FieldIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s index", ErrWrongKind, name, idx.Kind())
	}
	return f, nil
}

// Geo returns the named geo index.
// Queries on the result are not serialized against catalog writes.
func (c *Catalog) Geo(name string) (*GeoIndex, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geo(name)
}

func (c *Catalog) geo(name string) (*GeoIndex, error) {
	idx, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	g, ok := idx.(*GeoIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s index", ErrWrongKind, name, idx.Kind())
	}
	return g, nil
}

// Lookup returns ids whose field equals v in the named field index
func (c *Catalog) Lookup(name string, v codec.Value) ([]codec.Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.field(name)
	if err != nil {
		return nil, err
	}
	return f.Lookup(v)
}

// Range returns ids with lo <= field <= hi in the named field index
func (c *Catalog) Range(name string, lo, hi codec.Value) ([]codec.Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := c.field(name)
	if err != nil {
		return nil, err
	}
	return f.Range(lo, hi)
}

// Near returns entries within km of (lat, lng) in the named geo index
func (c *Catalog) Near(name string, lat, lng, km float64) ([]rtree.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, err := c.geo(name)
	if err != nil {
		return nil, err
	}
	return g.Near(lat, lng, km)
}

// Within returns entries inside box in the named geo index
func (c *Catalog) Within(name string, box rtree.BBox) ([]rtree.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, err := c.geo(name)
	if err != nil {
		return nil, err
	}
	return g.Within(box)
}

// Drop closes the named index and removes its file
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(c.indexes, name)
	if err := c.writeManifest(); err != nil {
		c.indexes[name] = idx
		return err
	}
	if err := idx.Close(); err != nil {
		c.log.Warn().Err(err).Str("index", name).Msg("close dropped index")
	}
	if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.log.Info().Str("index", name).Msg("index dropped")
	return nil
}

// Names lists the indexes in name order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedNames()
}

func (c *Catalog) sortedNames() []string {
	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Insert assigns an _id when missing and adds doc to every index.
// It returns the stored document.
func (c *Catalog) Insert(doc codec.Value) (codec.Value, error) {
	doc, _, err := EnsureID(doc)
	if err != nil {
		return codec.Value{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.sortedNames() {
		if err := c.indexes[name].Add(doc); err != nil {
			return codec.Value{}, fmt.Errorf("index %s: %w", name, err)
		}
	}
	return doc, nil
}

// Delete removes doc from every index; doc must carry its _id
func (c *Catalog) Delete(doc codec.Value) error {
	if doc.Type != codec.TypeObject {
		return fmt.Errorf("%w: document is %s, not an object", ErrBadDocument, doc.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.sortedNames() {
		if err := c.indexes[name].Remove(doc); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}

// Flush makes every index durable
func (c *Catalog) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, idx := range c.indexes {
		errs = append(errs, idx.Flush())
	}
	return errors.Join(errs...)
}

// CompactAll rewrites every index file concurrently and swaps the results in.
// Writers are blocked for the duration.
func (c *Catalog) CompactAll(ctx context.Context) (map[string]CompactStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := c.sortedNames()
	snapshot := make([]Index, len(names))
	for i, name := range names {
		snapshot[i] = c.indexes[name]
	}

	// each goroutine owns its slot; the map is only touched after Wait
	replaced := make([]Index, len(snapshot))
	results := make([]CompactStats, len(snapshot))
	errs := make([]error, len(snapshot))
	g, ctx := errgroup.WithContext(ctx)
	for i, idx := range snapshot {
		i, idx := i, idx
		replaced[i] = idx
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, current, err := c.compactOne(idx)
			replaced[i] = current
			if err != nil {
				errs[i] = fmt.Errorf("compact %s: %w", idx.Name(), err)
				return errs[i]
			}
			results[i] = s
			return nil
		})
	}
	err := g.Wait()

	stats := make(map[string]CompactStats, len(snapshot))
	for i, name := range names {
		c.indexes[name] = replaced[i]
		if errs[i] == nil && replaced[i] != snapshot[i] {
			stats[name] = results[i]
		}
	}
	return stats, err
}

// compactOne writes idx into a temp file, renames it over the original and reopens it
func (c *Catalog) compactOne(idx Index) (CompactStats, Index, error) {
	path := c.path(idx.Name())
	tmp := filepath.Join(c.dir, fmt.Sprintf(".%s.compact-%s", idx.Name(), uuid.NewString()))
	dst, err := pagedstore.OpenFileSink(tmp)
	if err != nil {
		return CompactStats{}, idx, err
	}
	s, err := idx.Compact(dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return CompactStats{}, idx, err
	}

	if err := idx.Close(); err != nil {
		os.Remove(tmp)
		return CompactStats{}, idx, err
	}
	renameErr := os.Rename(tmp, path)
	if renameErr != nil {
		os.Remove(tmp)
	}
	fresh, err := c.openIndex(idx.Definition())
	if err != nil {
		return CompactStats{}, idx, errors.Join(renameErr, err)
	}
	if renameErr != nil {
		return CompactStats{}, fresh, renameErr
	}
	c.log.Info().
		Str("index", idx.Name()).
		Uint64("old_size", s.OldSize).
		Uint64("new_size", s.NewSize).
		Int64("bytes_saved", s.BytesSaved).
		Msg("index compacted")
	return s, fresh, nil
}

// Stats describes every index in name order
func (c *Catalog) Stats() ([]IndexStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]IndexStats, 0, len(c.indexes))
	for _, name := range c.sortedNames() {
		idx := c.indexes[name]
		fileSize, err := idx.FileSize()
		if err != nil {
			return nil, err
		}
		def := idx.Definition()
		out = append(out, IndexStats{
			Name:     name,
			Kind:     def.Kind,
			Field:    def.Field,
			Size:     idx.Size(),
			FileSize: fileSize,
		})
	}
	return out, nil
}

// Close flushes and closes every index and the manifest
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, idx := range c.indexes {
		errs = append(errs, idx.Close())
		delete(c.indexes, name)
	}
	errs = append(errs, c.manifest.Close())
	return errors.Join(errs...)
}
