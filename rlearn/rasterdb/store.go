package rasterdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	regionObject = "region.json"
	rasterPrefix = "rasters"
	groupPrefix  = "groups"

	headerObject = "header.json"
	dataObject   = "data.bin"
)

// DefaultMapset is the namespace layers are created in when the store is
// configured without one.
const DefaultMapset = "PERMANENT"

const defaultChunkRows = 128

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is a raster store over an ObjectStore, implementing
// rlearn.RasterStore.
//
// Every layer lives under rasters/<mapset>/<name>/ as one immutable data
// object of compressed row chunks plus a JSON header. The processing
// region is a single shared object; layers are validated against it on
// write.
type Store struct {
	objects   ObjectStore
	comp      Compressor
	chunkRows int
	mapset    string
}

var _ rlearn.RasterStore = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCompressor sets the chunk compressor used for newly written layers.
// The default is zstd. Reading always follows the compressor recorded in
// each layer's header.
func WithCompressor(c Compressor) StoreOption {
	return func(s *Store) { s.comp = c }
}

// WithChunkRows sets how many rows each compressed chunk spans. Smaller
// chunks lower the read amplification of single-row access; larger chunks
// compress better.
func WithChunkRows(rows int) StoreOption {
	return func(s *Store) { s.chunkRows = rows }
}

// WithMapset sets the namespace new layers are created in and the one
// searched first when resolving unqualified names.
func WithMapset(mapset string) StoreOption {
	return func(s *Store) { s.mapset = mapset }
}

// New creates a Store over the given object store.
func New(objects ObjectStore, opts ...StoreOption) *Store {
	s := &Store{
		objects:   objects,
		comp:      NewZstdCompressor(),
		chunkRows: defaultChunkRows,
		mapset:    DefaultMapset,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mapset returns the store's working namespace.
func (s *Store) Mapset() string { return s.mapset }

// -----------------------------------------------------------------------------
// Region
// -----------------------------------------------------------------------------

type regionManifest struct {
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// SetRegion writes the shared processing region, replacing any previous
// one. Layers written before a region change keep their original shape.
func (s *Store) SetRegion(ctx context.Context, reg rlearn.Region) error {
	if reg.Rows <= 0 || reg.Cols <= 0 {
		return fmt.Errorf("rasterdb: region %dx%d is empty", reg.Rows, reg.Cols)
	}
	m := regionManifest{
		Rows: reg.Rows, Cols: reg.Cols,
		North: reg.North, South: reg.South,
		East: reg.East, West: reg.West,
	}
	data, err := jsonCodec.Marshal(m)
	if err != nil {
		return fmt.Errorf("rasterdb: encode region: %w", err)
	}
	if err := s.objects.Delete(ctx, regionObject); err != nil {
		return fmt.Errorf("rasterdb: replace region: %w", err)
	}
	if err := s.objects.Put(ctx, regionObject, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("rasterdb: write region: %w", err)
	}
	return nil
}

// Region returns the shared processing region.
func (s *Store) Region(ctx context.Context) (rlearn.Region, error) {
	rc, err := s.objects.Get(ctx, regionObject)
	if err != nil {
		return rlearn.Region{}, fmt.Errorf("rasterdb: read region: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return rlearn.Region{}, fmt.Errorf("rasterdb: read region: %w", err)
	}
	var m regionManifest
	if err := jsonCodec.Unmarshal(data, &m); err != nil {
		return rlearn.Region{}, fmt.Errorf("rasterdb: decode region: %w", err)
	}
	return rlearn.Region{
		Rows: m.Rows, Cols: m.Cols,
		North: m.North, South: m.South,
		East: m.East, West: m.West,
	}, nil
}

// -----------------------------------------------------------------------------
// Layer header
// -----------------------------------------------------------------------------

type chunkInfo struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
	Rows   int   `json:"rows"`
}

type layerHeader struct {
	Name       string      `json:"name"`
	Mapset     string      `json:"mapset"`
	Type       string      `json:"type"`
	Rows       int         `json:"rows"`
	Cols       int         `json:"cols"`
	Compressor string      `json:"compressor"`
	ChunkRows  int         `json:"chunk_rows"`
	Chunks     []chunkInfo `json:"chunks"`
}

func layerPath(mapset, name, object string) string {
	return path.Join(rasterPrefix, mapset, name, object)
}

func (s *Store) loadHeader(ctx context.Context, name, mapset string) (*layerHeader, error) {
	rc, err := s.objects.Get(ctx, layerPath(mapset, name, headerObject))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var hdr layerHeader
	if err := jsonCodec.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// -----------------------------------------------------------------------------
// RasterStore implementation
// -----------------------------------------------------------------------------

// Resolve locates a raster by identifier. An unqualified name is searched
// in the store's working mapset first, then across all mapsets.
func (s *Store) Resolve(ctx context.Context, raster string) (rlearn.Layer, error) {
	name, mapset := rlearn.SplitName(raster)

	candidates := []string{mapset}
	if mapset == "" {
		candidates = []string{s.mapset}
		others, err := s.mapsetsHolding(ctx, name)
		if err != nil {
			return rlearn.Layer{}, fmt.Errorf("rasterdb: resolve %q: %w", raster, err)
		}
		candidates = append(candidates, others...)
	}

	for _, m := range candidates {
		hdr, err := s.loadHeader(ctx, name, m)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return rlearn.Layer{}, fmt.Errorf("rasterdb: resolve %q: %w", raster, err)
		}
		ctype, err := rlearn.ParseCellType(hdr.Type)
		if err != nil {
			return rlearn.Layer{}, fmt.Errorf("rasterdb: resolve %q: %w", raster, err)
		}
		return rlearn.Layer{Name: hdr.Name, Mapset: hdr.Mapset, Type: ctype}, nil
	}
	return rlearn.Layer{}, fmt.Errorf("rasterdb: raster %q: %w", raster, rlearn.ErrLayerNotFound)
}

// mapsetsHolding lists the mapsets containing a layer of the given name,
// in lexical order.
func (s *Store) mapsetsHolding(ctx context.Context, name string) ([]string, error) {
	paths, err := s.objects.List(ctx, rasterPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	suffix := "/" + name + "/" + headerObject
	for _, p := range paths {
		rest, ok := strings.CutPrefix(p, rasterPrefix+"/")
		if !ok || !strings.HasSuffix(rest, suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(rest, suffix))
	}
	return out, nil
}

// Open opens a layer for chunked row reads.
func (s *Store) Open(ctx context.Context, name, mapset string) (rlearn.RowReader, error) {
	if mapset == "" {
		mapset = s.mapset
	}
	hdr, err := s.loadHeader(ctx, name, mapset)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("rasterdb: open %s@%s: %w", name, mapset, rlearn.ErrLayerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rasterdb: open %s@%s: %w", name, mapset, err)
	}
	comp, err := compressorByName(hdr.Compressor)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: open %s@%s: %w", name, mapset, err)
	}
	return &rowReader{
		ctx:      ctx,
		objects:  s.objects,
		comp:     comp,
		hdr:      hdr,
		dataPath: layerPath(mapset, name, dataObject),
		cached:   -1,
	}, nil
}

// Create opens a new layer for sequential row writes in the store's
// working mapset. The layer becomes visible atomically at Close, once
// every region row has been written.
func (s *Store) Create(ctx context.Context, name string, ctype rlearn.CellType, overwrite bool) (rlearn.RowWriter, error) {
	reg, err := s.Region(ctx)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: create %s: %w", name, err)
	}

	exists, err := s.objects.Exists(ctx, layerPath(s.mapset, name, headerObject))
	if err != nil {
		return nil, fmt.Errorf("rasterdb: create %s: %w", name, err)
	}
	if exists && !overwrite {
		return nil, fmt.Errorf("rasterdb: create %s: %w", name, ErrExists)
	}

	return &rowWriter{
		ctx:       ctx,
		store:     s,
		name:      name,
		ctype:     ctype,
		rows:      reg.Rows,
		cols:      reg.Cols,
		overwrite: overwrite,
	}, nil
}

// ListGroup returns the ordered member identifiers of a raster group.
func (s *Store) ListGroup(ctx context.Context, group string) ([]string, error) {
	rc, err := s.objects.Get(ctx, path.Join(groupPrefix, group+".json"))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("rasterdb: group %q: %w", group, rlearn.ErrLayerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rasterdb: group %q: %w", group, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: group %q: %w", group, err)
	}
	var m struct {
		Members []string `json:"members"`
	}
	if err := jsonCodec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rasterdb: group %q: %w", group, err)
	}
	return m.Members, nil
}

// CreateGroup registers a named raster group. Every member must resolve.
func (s *Store) CreateGroup(ctx context.Context, group string, members []string, overwrite bool) error {
	for _, member := range members {
		if _, err := s.Resolve(ctx, member); err != nil {
			return fmt.Errorf("rasterdb: group %q: %w", group, err)
		}
	}

	m := struct {
		Members []string `json:"members"`
	}{Members: members}
	data, err := jsonCodec.Marshal(m)
	if err != nil {
		return fmt.Errorf("rasterdb: group %q: %w", group, err)
	}

	obj := path.Join(groupPrefix, group+".json")
	if overwrite {
		if err := s.objects.Delete(ctx, obj); err != nil {
			return fmt.Errorf("rasterdb: group %q: %w", group, err)
		}
	}
	if err := s.objects.Put(ctx, obj, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("rasterdb: group %q: %w", group, err)
	}
	return nil
}

// Remove deletes a layer from the store's working mapset.
func (s *Store) Remove(ctx context.Context, name string) error {
	exists, err := s.objects.Exists(ctx, layerPath(s.mapset, name, headerObject))
	if err != nil {
		return fmt.Errorf("rasterdb: remove %s: %w", name, err)
	}
	if !exists {
		return fmt.Errorf("rasterdb: remove %s: %w", name, rlearn.ErrLayerNotFound)
	}
	// Header first so readers cannot find a layer with missing data.
	if err := s.objects.Delete(ctx, layerPath(s.mapset, name, headerObject)); err != nil {
		return fmt.Errorf("rasterdb: remove %s: %w", name, err)
	}
	if err := s.objects.Delete(ctx, layerPath(s.mapset, name, dataObject)); err != nil {
		return fmt.Errorf("rasterdb: remove %s: %w", name, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Row reader
// -----------------------------------------------------------------------------

// rowReader reads one layer chunk by chunk, caching the most recently
// decoded chunk. Sequential row scans touch each chunk exactly once.
type rowReader struct {
	ctx      context.Context
	objects  ObjectStore
	comp     Compressor
	hdr      *layerHeader
	dataPath string

	cached    int
	cachedRow [][]float64
}

var _ rlearn.RowReader = (*rowReader)(nil)

func (r *rowReader) ReadRow(i int) ([]float64, error) {
	if i < 0 || i >= r.hdr.Rows {
		return nil, fmt.Errorf("rasterdb: row %d of %d out of range", i, r.hdr.Rows)
	}

	chunk := i / r.hdr.ChunkRows
	if chunk != r.cached {
		rows, err := r.loadChunk(chunk)
		if err != nil {
			return nil, err
		}
		r.cached = chunk
		r.cachedRow = rows
	}
	return r.cachedRow[i-chunk*r.hdr.ChunkRows], nil
}

func (r *rowReader) ReadAll() ([][]float64, error) {
	out := make([][]float64, 0, r.hdr.Rows)
	for chunk := range r.hdr.Chunks {
		rows, err := r.loadChunk(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *rowReader) loadChunk(chunk int) ([][]float64, error) {
	if chunk < 0 || chunk >= len(r.hdr.Chunks) {
		return nil, fmt.Errorf("rasterdb: chunk %d of %d out of range", chunk, len(r.hdr.Chunks))
	}
	info := r.hdr.Chunks[chunk]

	rc, err := r.objects.GetRange(r.ctx, r.dataPath, info.Offset, info.Length)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: read chunk %d: %w", chunk, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: read chunk %d: %w", chunk, err)
	}
	if int64(len(data)) != info.Length {
		return nil, fmt.Errorf("rasterdb: chunk %d: got %d bytes, want %d", chunk, len(data), info.Length)
	}
	return decodeChunk(r.comp, data, info.Rows, r.hdr.Cols)
}

func (r *rowReader) Close() error {
	r.cachedRow = nil
	return nil
}

// -----------------------------------------------------------------------------
// Row writer
// -----------------------------------------------------------------------------

// rowWriter spools compressed chunks in memory and commits the layer at
// Close. A writer abandoned before every region row arrives commits
// nothing.
type rowWriter struct {
	ctx       context.Context
	store     *Store
	name      string
	ctype     rlearn.CellType
	rows      int
	cols      int
	overwrite bool

	pending [][]float64
	data    bytes.Buffer
	chunks  []chunkInfo
	written int
	failed  bool
}

var _ rlearn.RowWriter = (*rowWriter)(nil)

func (w *rowWriter) WriteRow(row []float64) error {
	if w.failed {
		return fmt.Errorf("rasterdb: write %s: writer already failed", w.name)
	}
	if w.written >= w.rows {
		return fmt.Errorf("rasterdb: write %s: region has %d rows", w.name, w.rows)
	}
	if len(row) != w.cols {
		return fmt.Errorf("rasterdb: write %s: row has %d cols, region has %d", w.name, len(row), w.cols)
	}

	cp := make([]float64, len(row))
	copy(cp, row)
	w.pending = append(w.pending, cp)
	w.written++

	if len(w.pending) >= w.store.chunkRows {
		if err := w.flush(); err != nil {
			w.failed = true
			return err
		}
	}
	return nil
}

func (w *rowWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	encoded, err := encodeChunk(w.store.comp, w.pending, w.cols)
	if err != nil {
		return fmt.Errorf("rasterdb: write %s: %w", w.name, err)
	}
	w.chunks = append(w.chunks, chunkInfo{
		Offset: int64(w.data.Len()),
		Length: int64(len(encoded)),
		Rows:   len(w.pending),
	})
	w.data.Write(encoded)
	w.pending = w.pending[:0]
	return nil
}

// Close commits the layer: data object first, header last, so a header is
// never visible without its data.
func (w *rowWriter) Close() error {
	if w.failed {
		return fmt.Errorf("rasterdb: close %s: writer already failed", w.name)
	}
	if w.written != w.rows {
		return fmt.Errorf("rasterdb: close %s: wrote %d of %d rows, layer not committed", w.name, w.written, w.rows)
	}
	if err := w.flush(); err != nil {
		return err
	}

	hdr := layerHeader{
		Name:       w.name,
		Mapset:     w.store.mapset,
		Type:       w.ctype.String(),
		Rows:       w.rows,
		Cols:       w.cols,
		Compressor: w.store.comp.Name(),
		ChunkRows:  w.store.chunkRows,
		Chunks:     w.chunks,
	}
	hdrData, err := jsonCodec.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("rasterdb: close %s: %w", w.name, err)
	}

	headerPath := layerPath(w.store.mapset, w.name, headerObject)
	dataPath := layerPath(w.store.mapset, w.name, dataObject)

	if w.overwrite {
		if err := w.store.objects.Delete(w.ctx, headerPath); err != nil {
			return fmt.Errorf("rasterdb: close %s: %w", w.name, err)
		}
		if err := w.store.objects.Delete(w.ctx, dataPath); err != nil {
			return fmt.Errorf("rasterdb: close %s: %w", w.name, err)
		}
	}

	if err := w.store.objects.Put(w.ctx, dataPath, bytes.NewReader(w.data.Bytes())); err != nil {
		return fmt.Errorf("rasterdb: close %s: %w", w.name, err)
	}
	if err := w.store.objects.Put(w.ctx, headerPath, bytes.NewReader(hdrData)); err != nil {
		return fmt.Errorf("rasterdb: close %s: %w", w.name, err)
	}
	return nil
}
