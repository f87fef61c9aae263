// Package rlearn provides a memory-bounded abstraction over a collection of
// same-extent raster layers (a raster stack), read as aligned multi-band
// masked arrays, sampled at labelled pixels or point locations, and consumed
// by a statistical estimator to produce per-pixel prediction rasters.
//
// Rlearn focuses on the read/predict pipeline: windowed streaming reads,
// uniform no-data masking, and prediction dispatch. Raster storage, point
// feature storage, and the estimator itself are external collaborators
// accessed through the interfaces in this file.
package rlearn

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// CellType identifies the numeric storage category of a raster layer.
type CellType int

// Cell type constants mirroring integer, single- and double-precision
// floating storage.
const (
	CellTypeUnknown CellType = iota
	Cell                     // 32-bit integer cells
	FCell                    // 32-bit floating-point cells
	DCell                    // 64-bit floating-point cells
)

// String returns the conventional name of the cell type.
func (t CellType) String() string {
	switch t {
	case Cell:
		return "CELL"
	case FCell:
		return "FCELL"
	case DCell:
		return "DCELL"
	default:
		return "UNKNOWN"
	}
}

// IsFloat reports whether the cell type stores real-valued cells.
func (t CellType) IsFloat() bool {
	return t == FCell || t == DCell
}

// ParseCellType converts a conventional cell type name to a CellType.
func ParseCellType(s string) (CellType, error) {
	switch s {
	case "CELL":
		return Cell, nil
	case "FCELL":
		return FCell, nil
	case "DCELL":
		return DCell, nil
	default:
		return CellTypeUnknown, fmt.Errorf("rlearn: unknown cell type %q", s)
	}
}

// DefaultNoData is the integer no-data sentinel applied to integer-typed
// layers when a stack is created without an explicit sentinel.
const DefaultNoData = -2147483648

// Region describes the shared processing extent of a raster stack.
// It is queried from the raster store once per operation.
type Region struct {
	Rows int
	Cols int

	North float64
	South float64
	East  float64
	West  float64
}

// EWRes returns the east-west cell resolution.
func (r Region) EWRes() float64 {
	if r.Cols == 0 {
		return 0
	}
	return (r.East - r.West) / float64(r.Cols)
}

// NSRes returns the north-south cell resolution.
func (r Region) NSRes() float64 {
	if r.Rows == 0 {
		return 0
	}
	return (r.North - r.South) / float64(r.Rows)
}

// Layer is a handle to one externally-owned raster layer. The stack holds
// handles only; the raster data stays with the store.
type Layer struct {
	// Name is the raster name without its mapset qualifier.
	Name string

	// Mapset is the namespace the raster resides in.
	Mapset string

	// Type is the raster's numeric storage category.
	Type CellType
}

// FullName returns the qualified "name@mapset" identifier, or the bare name
// when the layer carries no mapset.
func (l Layer) FullName() string {
	if l.Mapset == "" {
		return l.Name
	}
	return l.Name + "@" + l.Mapset
}

// SplitName separates an optionally qualified raster identifier into name
// and mapset parts.
func SplitName(raster string) (name, mapset string) {
	name, mapset, _ = strings.Cut(raster, "@")
	return name, mapset
}

// -----------------------------------------------------------------------------
// Raster store contract
// -----------------------------------------------------------------------------

// RowReader reads one raster layer row by row.
type RowReader interface {
	// ReadRow returns the values of row i as a slice of region width.
	ReadRow(i int) ([]float64, error)

	// ReadAll returns every row of the layer.
	ReadAll() ([][]float64, error)

	// Close releases the underlying handle.
	Close() error
}

// RowWriter writes one raster layer sequentially, row by row.
type RowWriter interface {
	// WriteRow appends the next row. Rows must arrive in increasing order
	// and match the region width.
	WriteRow(row []float64) error

	// Close flushes and commits the layer. Close must be called on every
	// exit path, including after a write failure.
	Close() error
}

// RasterStore abstracts the underlying raster storage engine.
//
// Implementations may target a filesystem layout, object storage, or an
// in-memory store for tests. The interface is intentionally minimal.
type RasterStore interface {
	// Region returns the processing extent shared by all layers.
	Region(ctx context.Context) (Region, error)

	// Resolve locates a raster by identifier, resolving its mapset when
	// the identifier carries no qualifier, and returns a concrete handle.
	// Returns ErrLayerNotFound if no such raster exists.
	Resolve(ctx context.Context, raster string) (Layer, error)

	// Open opens an existing raster layer for row reads.
	Open(ctx context.Context, name, mapset string) (RowReader, error)

	// Create opens a new raster layer for sequential row writes.
	// When overwrite is false, creating over an existing layer fails.
	Create(ctx context.Context, name string, ctype CellType, overwrite bool) (RowWriter, error)

	// ListGroup returns the ordered raster identifiers of a named group.
	ListGroup(ctx context.Context, group string) ([]string, error)
}

// WriteFull writes a complete 2D grid as a new raster layer in one call.
func WriteFull(ctx context.Context, store RasterStore, name string, data [][]float64, ctype CellType, overwrite bool) error {
	w, err := store.Create(ctx, name, ctype, overwrite)
	if err != nil {
		return err
	}
	for _, row := range data {
		if err := w.WriteRow(row); err != nil {
			_ = w.Close()
			return fmt.Errorf("rlearn: write raster %s: %w", name, err)
		}
	}
	return w.Close()
}

// -----------------------------------------------------------------------------
// Sampling collaborators
// -----------------------------------------------------------------------------

// ZonalTabber cross-tabulates a label raster against value rasters.
type ZonalTabber interface {
	// CrossTab returns a pipe-delimited record stream with one record per
	// distinct cell grouping: the first two fields are coordinate
	// placeholders, the third is the label value, and the remaining fields
	// hold one value per requested raster, in order. Cells carrying
	// no-data in any participating raster are omitted.
	CrossTab(ctx context.Context, label string, rasters []string) (io.ReadCloser, error)
}

// MissingToken is the reserved token a PointProvider emits for a point
// without an observable raster value. It is distinct from the numeric
// no-data sentinel.
const MissingToken = "*"

// TableColumn is one (name, type) pair of a point attribute table.
type TableColumn struct {
	Name string
	Type string
}

// AttributeTable exposes the attribute data of a point feature set.
type AttributeTable interface {
	// Key returns the primary-key column name.
	Key() string

	// Columns returns the ordered table columns.
	Columns() []TableColumn

	// Rows returns the attribute values of every point keyed by the
	// primary key. Missing values are NaN.
	Rows(ctx context.Context) (map[int]map[string]float64, error)
}

// PointProvider supplies point feature sets and samples rasters at their
// locations.
type PointProvider interface {
	// OpenTable opens the attribute table of the named point set.
	OpenTable(ctx context.Context, points string) (AttributeTable, error)

	// SampleAtPoints samples one raster at every point of the named point
	// set, returning records of the form "id|value", with MissingToken in
	// place of the value for points without an observation.
	SampleAtPoints(ctx context.Context, points, raster string) (io.ReadCloser, error)
}

// -----------------------------------------------------------------------------
// Estimator contract
// -----------------------------------------------------------------------------

// Estimator is any fitted model that predicts from a feature matrix.
//
// X is (samples x features). The result is (samples x 1) for a
// single-target estimator or (samples x targets) for a multi-target one.
type Estimator interface {
	Predict(x *mat.Dense) (*mat.Dense, error)
}

// ProbabilityEstimator is a classifier that additionally yields per-class
// probabilities, (samples x classes).
type ProbabilityEstimator interface {
	Estimator
	PredictProba(x *mat.Dense) (*mat.Dense, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrLayerNotFound indicates a requested raster layer does not exist.
	ErrLayerNotFound = errLayerNotFound{}

	// ErrDuplicateLayer indicates two layers would share a short name.
	ErrDuplicateLayer = errDuplicateLayer{}

	// ErrEmptyStack indicates an operation on a stack with no layers.
	ErrEmptyStack = errEmptyStack{}

	// ErrUnknownLabel indicates a label that names no layer in the stack.
	ErrUnknownLabel = errUnknownLabel{}

	// ErrInvalidWindow indicates a window or window height outside the
	// raster's row extent.
	ErrInvalidWindow = errInvalidWindow{}
)

type errLayerNotFound struct{}

func (errLayerNotFound) Error() string { return "raster layer not found" }

type errDuplicateLayer struct{}

func (errDuplicateLayer) Error() string { return "duplicate layer name" }

type errEmptyStack struct{}

func (errEmptyStack) Error() string { return "stack contains no layers" }

type errUnknownLabel struct{}

func (errUnknownLabel) Error() string { return "unknown layer label" }

type errInvalidWindow struct{}

func (errInvalidWindow) Error() string { return "invalid row window" }
