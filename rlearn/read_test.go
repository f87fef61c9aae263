package rlearn

import (
	"context"
	"errors"
	"math"
	"testing"
)

// nodataStore builds a two-layer store where the second layer carries the
// no-data sentinel across its first row.
func nodataStore() *mockStore {
	m := newMockStore(testRegion())

	elev := grid(0, 4, 4)
	for r := range elev {
		for c := range elev[r] {
			elev[r][c] = float64(r*4 + c)
		}
	}
	m.add("elevation", FCell, elev)

	slope := grid(2, 4, 4)
	for c := range slope[0] {
		slope[0][c] = DefaultNoData
	}
	m.add("slope", FCell, slope)
	return m
}

func TestReadMasksNoData(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, nodataStore(), []string{"elevation", "slope"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.Bands() != 2 || b.Rows() != 4 || b.Cols() != 4 {
		t.Fatalf("block shape = (%d,%d,%d), want (2,4,4)", b.Bands(), b.Rows(), b.Cols())
	}

	// Sentinel row of band 1 is masked; band 0 is fully valid.
	for c := 0; c < 4; c++ {
		if !b.Masked(1, 0, c) {
			t.Errorf("slope (0,%d) not masked", c)
		}
		if b.Masked(0, 0, c) {
			t.Errorf("elevation (0,%d) masked", c)
		}
	}
	if b.Masked(1, 1, 0) {
		t.Error("valid slope cell masked")
	}
	if got := b.At(0, 2, 3); got != 11 {
		t.Errorf("elevation (2,3) = %v, want 11", got)
	}

	// The pixel mask mirrors the any-band rule.
	pm := b.PixelMask()
	for p := 0; p < 4; p++ {
		if !pm[p] {
			t.Errorf("pixel %d not masked", p)
		}
	}
	for p := 4; p < 16; p++ {
		if pm[p] {
			t.Errorf("pixel %d masked", p)
		}
	}
}

func TestReadWindowMatchesFullRead(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, nodataStore(), []string{"elevation", "slope"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	full, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	wins, err := s.RowWindows(ctx, 3)
	if err != nil {
		t.Fatalf("RowWindows: %v", err)
	}

	for _, win := range wins {
		b, err := s.ReadWindow(ctx, win)
		if err != nil {
			t.Fatalf("ReadWindow %+v: %v", win, err)
		}
		if b.Rows() != win.Height() {
			t.Fatalf("window %+v block has %d rows", win, b.Rows())
		}
		for band := 0; band < 2; band++ {
			for r := 0; r < b.Rows(); r++ {
				for c := 0; c < 4; c++ {
					if b.At(band, r, c) != full.At(band, win.Start+r, c) {
						t.Errorf("window %+v (%d,%d,%d) = %v, full = %v",
							win, band, r, c, b.At(band, r, c), full.At(band, win.Start+r, c))
					}
					if b.Masked(band, r, c) != full.Masked(band, win.Start+r, c) {
						t.Errorf("window %+v mask (%d,%d,%d) diverges", win, band, r, c)
					}
				}
			}
		}
	}
}

func TestReadRowBounds(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, nodataStore(), []string{"elevation"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b, err := s.ReadRow(ctx, 2)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if b.Rows() != 1 || b.At(0, 0, 0) != 8 {
		t.Fatalf("row 2 block = %v rows, first cell %v", b.Rows(), b.At(0, 0, 0))
	}

	if _, err := s.ReadRow(ctx, 4); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("row 4: err = %v, want ErrInvalidWindow", err)
	}
	if _, err := s.ReadRow(ctx, -1); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("row -1: err = %v, want ErrInvalidWindow", err)
	}
	if _, err := s.ReadWindow(ctx, Window{2, 2}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("empty window: err = %v, want ErrInvalidWindow", err)
	}
}

func TestCustomNoData(t *testing.T) {
	ctx := context.Background()
	m := newMockStore(testRegion())
	rows := grid(1, 4, 4)
	rows[3][3] = -9
	m.add("a", FCell, rows)

	s, err := New(ctx, m, []string{"a"}, WithNoData(-9))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !b.Masked(0, 3, 3) {
		t.Error("custom sentinel not masked")
	}
	if b.Masked(0, 0, 0) {
		t.Error("valid cell masked under custom sentinel")
	}
}

func TestToFrame(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, nodataStore(), []string{"elevation", "slope"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f, err := s.ToFrame(ctx)
	if err != nil {
		t.Fatalf("ToFrame: %v", err)
	}
	if got := f.Len(); got != 16 {
		t.Fatalf("Len = %d, want 16", got)
	}
	cols := f.Columns()
	want := []string{"x", "y", "elevation", "slope"}
	for i, w := range want {
		if cols[i] != w {
			t.Errorf("column %d = %q, want %q", i, cols[i], w)
		}
	}

	// First record is the top-left cell center; its slope cell is no-data.
	rec := f.Record(0)
	if rec[0] != 5 || rec[1] != 35 {
		t.Errorf("cell center = (%v,%v), want (5,35)", rec[0], rec[1])
	}
	if rec[2] != 0 {
		t.Errorf("elevation = %v, want 0", rec[2])
	}
	if !math.IsNaN(rec[3]) {
		t.Errorf("masked slope = %v, want NaN", rec[3])
	}
}
