package rasterdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

func testRegion() rlearn.Region {
	return rlearn.Region{Rows: 5, Cols: 3, North: 50, South: 0, East: 30, West: 0}
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s := New(NewMemory(), opts...)
	if err := s.SetRegion(context.Background(), testRegion()); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	return s
}

func writeLayer(t *testing.T, s *Store, name string, ctype rlearn.CellType, rows [][]float64) {
	t.Helper()
	if err := rlearn.WriteFull(context.Background(), s, name, rows, ctype, false); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func rampRows(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for r := range out {
		row := make([]float64, cols)
		for c := range row {
			row[c] = float64(r*cols + c)
		}
		out[r] = row
	}
	return out
}

func TestStoreRegionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	reg, err := s.Region(ctx)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if reg != testRegion() {
		t.Errorf("Region = %+v, want %+v", reg, testRegion())
	}

	// SetRegion replaces an existing region.
	next := testRegion()
	next.Rows = 7
	if err := s.SetRegion(ctx, next); err != nil {
		t.Fatalf("SetRegion replace: %v", err)
	}
	reg, err = s.Region(ctx)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if reg.Rows != 7 {
		t.Errorf("Rows = %d after replace, want 7", reg.Rows)
	}
}

func TestStoreCreateRequiresRegion(t *testing.T) {
	s := New(NewMemory())
	if _, err := s.Create(context.Background(), "out", rlearn.FCell, false); err == nil {
		t.Fatal("Create without region succeeded")
	}
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	// Two rows per chunk over five rows forces a clipped final chunk.
	s := newTestStore(t, WithChunkRows(2))

	want := rampRows(5, 3)
	writeLayer(t, s, "elevation", rlearn.FCell, want)

	r, err := s.Open(ctx, "elevation", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	// Random access across chunk boundaries.
	for _, i := range []int{4, 0, 2, 3, 1} {
		row, err := r.ReadRow(i)
		if err != nil {
			t.Fatalf("ReadRow(%d): %v", i, err)
		}
		for c := range row {
			if row[c] != want[i][c] {
				t.Errorf("row %d col %d = %v, want %v", i, c, row[c], want[i][c])
			}
		}
	}

	all, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ReadAll returned %d rows, want 5", len(all))
	}
	if all[4][2] != want[4][2] {
		t.Errorf("ReadAll (4,2) = %v, want %v", all[4][2], want[4][2])
	}

	if _, err := r.ReadRow(5); err == nil {
		t.Error("ReadRow out of range succeeded")
	}
}

func TestStoreCompressors(t *testing.T) {
	ctx := context.Background()
	for name, comp := range map[string]Compressor{
		"gzip": NewGzipCompressor(),
		"zstd": NewZstdCompressor(),
		"none": NewNoOpCompressor(),
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, WithCompressor(comp), WithChunkRows(2))
			want := rampRows(5, 3)
			writeLayer(t, s, "layer", rlearn.DCell, want)

			// Reading follows the header, not the store configuration.
			reader := New(s.objects, WithCompressor(NewNoOpCompressor()))
			r, err := reader.Open(ctx, "layer", "")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer func() { _ = r.Close() }()

			row, err := r.ReadRow(3)
			if err != nil {
				t.Fatalf("ReadRow: %v", err)
			}
			if row[1] != want[3][1] {
				t.Errorf("row 3 col 1 = %v, want %v", row[1], want[3][1])
			}
		})
	}
}

func TestStoreResolve(t *testing.T) {
	ctx := context.Background()
	objects := NewMemory()

	s := New(objects, WithMapset("landsat"))
	if err := s.SetRegion(ctx, testRegion()); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	writeLayer(t, s, "b1", rlearn.Cell, rampRows(5, 3))

	l, err := s.Resolve(ctx, "b1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if l.Name != "b1" || l.Mapset != "landsat" || l.Type != rlearn.Cell {
		t.Errorf("Resolve = %+v", l)
	}

	if _, err := s.Resolve(ctx, "b1@landsat"); err != nil {
		t.Errorf("qualified Resolve: %v", err)
	}
	if _, err := s.Resolve(ctx, "b1@absent"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("wrong mapset err = %v, want ErrLayerNotFound", err)
	}
	if _, err := s.Resolve(ctx, "absent"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("missing raster err = %v, want ErrLayerNotFound", err)
	}

	// A store with another working mapset still finds the layer by
	// searching across mapsets.
	other := New(objects, WithMapset("user1"))
	l, err = other.Resolve(ctx, "b1")
	if err != nil {
		t.Fatalf("cross-mapset Resolve: %v", err)
	}
	if l.Mapset != "landsat" {
		t.Errorf("cross-mapset Resolve mapset = %q, want landsat", l.Mapset)
	}
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	writeLayer(t, s, "out", rlearn.FCell, rampRows(5, 3))

	if _, err := s.Create(ctx, "out", rlearn.FCell, false); !errors.Is(err, ErrExists) {
		t.Fatalf("Create over existing err = %v, want ErrExists", err)
	}

	replacement := rampRows(5, 3)
	replacement[0][0] = 42
	if err := rlearn.WriteFull(ctx, s, "out", replacement, rlearn.FCell, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	r, err := s.Open(ctx, "out", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()
	row, err := r.ReadRow(0)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if row[0] != 42 {
		t.Errorf("row 0 col 0 = %v after overwrite, want 42", row[0])
	}
}

func TestStoreIncompleteWriterCommitsNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.Create(ctx, "partial", rlearn.FCell, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteRow([]float64{1, 2, 3}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("Close after one of five rows succeeded")
	}

	if _, err := s.Resolve(ctx, "partial"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("partial layer resolved, err = %v", err)
	}
}

func TestStoreWriterRejectsBadRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.Create(ctx, "bad", rlearn.FCell, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteRow([]float64{1, 2}); err == nil {
		t.Fatal("short row accepted")
	}

	w, err = s.Create(ctx, "extra", rlearn.FCell, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := w.WriteRow([]float64{1, 2, 3}); err != nil {
			t.Fatalf("WriteRow %d: %v", i, err)
		}
	}
	if err := w.WriteRow([]float64{1, 2, 3}); err == nil {
		t.Fatal("sixth row of a five-row region accepted")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStoreGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	writeLayer(t, s, "elevation", rlearn.FCell, rampRows(5, 3))
	writeLayer(t, s, "slope", rlearn.FCell, rampRows(5, 3))

	if err := s.CreateGroup(ctx, "terrain", []string{"elevation", "slope"}, false); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	members, err := s.ListGroup(ctx, "terrain")
	if err != nil {
		t.Fatalf("ListGroup: %v", err)
	}
	if len(members) != 2 || members[0] != "elevation" || members[1] != "slope" {
		t.Errorf("members = %v", members)
	}

	if err := s.CreateGroup(ctx, "broken", []string{"absent"}, false); err == nil {
		t.Error("group with a missing member accepted")
	}
	if _, err := s.ListGroup(ctx, "absent"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("missing group err = %v, want ErrLayerNotFound", err)
	}
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	writeLayer(t, s, "tmp", rlearn.FCell, rampRows(5, 3))

	if err := s.Remove(ctx, "tmp"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Resolve(ctx, "tmp"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("removed layer resolved, err = %v", err)
	}
	if err := s.Remove(ctx, "tmp"); !errors.Is(err, rlearn.ErrLayerNotFound) {
		t.Errorf("repeat Remove err = %v, want ErrLayerNotFound", err)
	}
}

func TestStoreEndToEndWithStack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithChunkRows(2))
	writeLayer(t, s, "elevation", rlearn.FCell, rampRows(5, 3))
	writeLayer(t, s, "slope", rlearn.FCell, rampRows(5, 3))

	stack, err := rlearn.New(ctx, s, []string{"elevation", "slope"})
	if err != nil {
		t.Fatalf("New stack: %v", err)
	}
	b, err := stack.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.Bands() != 2 || b.Rows() != 5 || b.Cols() != 3 {
		t.Fatalf("block shape = (%d,%d,%d)", b.Bands(), b.Rows(), b.Cols())
	}
	if got := b.At(1, 4, 2); got != 14 {
		t.Errorf("slope (4,2) = %v, want 14", got)
	}
}
