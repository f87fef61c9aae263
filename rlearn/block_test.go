package rlearn

import (
	"math"
	"testing"
)

func TestBlockApplyNoData(t *testing.T) {
	b := NewBlock(1, 2, 2)
	b.Set(0, 0, 0, DefaultNoData)
	b.Set(0, 0, 1, math.NaN())
	b.Set(0, 1, 0, math.Inf(1))
	b.Set(0, 1, 1, 7)

	b.ApplyNoData(DefaultNoData)

	for _, tc := range []struct {
		row, col int
		want     bool
	}{
		{0, 0, true},
		{0, 1, true},
		{1, 0, true},
		{1, 1, false},
	} {
		if got := b.Masked(0, tc.row, tc.col); got != tc.want {
			t.Errorf("Masked(0,%d,%d) = %v, want %v", tc.row, tc.col, got, tc.want)
		}
	}
}

func TestBlockFreshMaskIsConcrete(t *testing.T) {
	b := NewBlock(2, 3, 3)
	if b.AnyMasked() {
		t.Fatal("fresh block reports masked cells")
	}
	// The mask must exist as a full array even when nothing is masked.
	if got := len(b.PixelMask()); got != 9 {
		t.Fatalf("PixelMask length = %d, want 9", got)
	}
}

func TestBlockPixelMaskAnyBand(t *testing.T) {
	b := NewBlock(3, 2, 2)
	b.SetMasked(1, 0, 1, true)
	b.SetMasked(2, 1, 0, true)

	pm := b.PixelMask()
	want := []bool{false, true, true, false}
	for i, w := range want {
		if pm[i] != w {
			t.Errorf("PixelMask[%d] = %v, want %v", i, pm[i], w)
		}
	}
}

func TestBlockPixelsTransposesAndFills(t *testing.T) {
	b := NewBlock(2, 2, 2)
	// Band 0 holds 1..4, band 1 holds 10..40, row-major.
	vals := [][]float64{{1, 2, 3, 4}, {10, 20, 30, 40}}
	for band := 0; band < 2; band++ {
		for p, v := range vals[band] {
			b.Set(band, p/2, p%2, v)
		}
	}
	b.SetMasked(1, 1, 1, true)

	x := b.Pixels(-99999)
	if r, c := x.Dims(); r != 4 || c != 2 {
		t.Fatalf("Pixels dims = (%d,%d), want (4,2)", r, c)
	}
	if got := x.At(2, 0); got != 3 {
		t.Errorf("pixel 2 band 0 = %v, want 3", got)
	}
	if got := x.At(2, 1); got != 30 {
		t.Errorf("pixel 2 band 1 = %v, want 30", got)
	}
	if got := x.At(3, 1); got != -99999 {
		t.Errorf("masked pixel = %v, want fill", got)
	}
}

func TestBlockFillMasked(t *testing.T) {
	b := NewBlock(1, 1, 3)
	b.Set(0, 0, 0, 5)
	b.SetMasked(0, 0, 1, true)

	b.FillMasked(math.NaN())

	if got := b.At(0, 0, 0); got != 5 {
		t.Errorf("unmasked cell changed to %v", got)
	}
	if !math.IsNaN(b.At(0, 0, 1)) {
		t.Errorf("masked cell = %v, want NaN", b.At(0, 0, 1))
	}
	if !b.Masked(0, 0, 1) {
		t.Error("FillMasked cleared the mask")
	}
}
