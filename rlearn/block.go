package rlearn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// -----------------------------------------------------------------------------
// Masked 3D block
// -----------------------------------------------------------------------------

// Block is a 3D masked array of raster data shaped (bands, rows, cols).
// The mask is always a concrete boolean array of the full shape; a fully
// valid block carries an all-false mask rather than no mask, so consumers
// can branch on mask state without special cases.
//
// Data is laid out band-major: the value at (band, row, col) lives at
// index (band*rows+row)*cols + col.
type Block struct {
	bands int
	rows  int
	cols  int

	data []float64
	mask []bool
}

// NewBlock allocates a zeroed block with an all-false mask.
func NewBlock(bands, rows, cols int) *Block {
	n := bands * rows * cols
	return &Block{
		bands: bands,
		rows:  rows,
		cols:  cols,
		data:  make([]float64, n),
		mask:  make([]bool, n),
	}
}

// Bands returns the number of bands.
func (b *Block) Bands() int { return b.bands }

// Rows returns the number of rows.
func (b *Block) Rows() int { return b.rows }

// Cols returns the number of columns.
func (b *Block) Cols() int { return b.cols }

func (b *Block) index(band, row, col int) int {
	return (band*b.rows+row)*b.cols + col
}

// At returns the value at (band, row, col).
func (b *Block) At(band, row, col int) float64 {
	return b.data[b.index(band, row, col)]
}

// Set stores a value at (band, row, col).
func (b *Block) Set(band, row, col int, v float64) {
	b.data[b.index(band, row, col)] = v
}

// Masked reports whether the cell at (band, row, col) is masked.
func (b *Block) Masked(band, row, col int) bool {
	return b.mask[b.index(band, row, col)]
}

// SetMasked marks or clears the mask at (band, row, col).
func (b *Block) SetMasked(band, row, col int, m bool) {
	b.mask[b.index(band, row, col)] = m
}

// Row returns the backing slice of one band row. Mutating the slice
// mutates the block.
func (b *Block) Row(band, row int) []float64 {
	i := b.index(band, row, 0)
	return b.data[i : i+b.cols]
}

// MaskRow returns the backing mask slice of one band row.
func (b *Block) MaskRow(band, row int) []bool {
	i := b.index(band, row, 0)
	return b.mask[i : i+b.cols]
}

// ApplyNoData masks every cell equal to the no-data sentinel or holding a
// non-finite value. The two rules are independent and OR'd into the
// existing mask.
func (b *Block) ApplyNoData(sentinel float64) {
	for i, v := range b.data {
		if v == sentinel || math.IsNaN(v) || math.IsInf(v, 0) {
			b.mask[i] = true
		}
	}
}

// PixelMask flattens the per-cell mask to one boolean per pixel: a pixel
// is masked when any band is masked at that position. The slice has
// rows*cols entries in row-major order.
func (b *Block) PixelMask() []bool {
	pm := make([]bool, b.rows*b.cols)
	for band := 0; band < b.bands; band++ {
		off := band * b.rows * b.cols
		for p := range pm {
			if b.mask[off+p] {
				pm[p] = true
			}
		}
	}
	return pm
}

// Pixels reshapes the block into a (rows*cols x bands) feature matrix,
// transposing band-major storage into one sample per pixel. Masked cells
// are replaced by fill so the matrix carries no sentinel or non-finite
// values into an estimator.
func (b *Block) Pixels(fill float64) *mat.Dense {
	n := b.rows * b.cols
	out := mat.NewDense(n, b.bands, nil)
	for band := 0; band < b.bands; band++ {
		off := band * n
		for p := 0; p < n; p++ {
			v := b.data[off+p]
			if b.mask[off+p] {
				v = fill
			}
			out.Set(p, band, v)
		}
	}
	return out
}

// FillMasked replaces every masked cell's value with v. The mask itself
// is left untouched.
func (b *Block) FillMasked(v float64) {
	for i, m := range b.mask {
		if m {
			b.data[i] = v
		}
	}
}

// AnyMasked reports whether at least one cell is masked.
func (b *Block) AnyMasked() bool {
	for _, m := range b.mask {
		if m {
			return true
		}
	}
	return false
}
