package rlearn

import (
	"context"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Stack
// -----------------------------------------------------------------------------

// Stack is an ordered, uniquely-named collection of raster layer handles
// treated as one multi-band dataset.
//
// A stack maintains three views over the same collection: the ordered
// short-name list (which defines band order in every produced array), the
// short-name-to-handle map, and the qualified-name-to-cell-type map. Every
// mutating operation rebuilds all three from the new canonical name list so
// the views can never diverge.
//
// A Stack is not safe for concurrent mutation; the read and predict paths
// never mutate it.
type Stack struct {
	store  RasterStore
	nodata float64

	names  []string
	layers map[string]Layer
	types  map[string]CellType

	categorical []int
}

// StackOption configures stack construction.
type StackOption func(*Stack)

// WithNoData sets the stack's no-data sentinel. The default is
// DefaultNoData.
func WithNoData(v float64) StackOption {
	return func(s *Stack) { s.nodata = v }
}

// New creates a Stack from a list of raster identifiers. Each identifier
// is resolved against the store and verified to exist; short names are
// derived by stripping the mapset qualifier and replacing characters that
// are not valid identifiers. A duplicate short name or a missing raster
// fails the whole call.
func New(ctx context.Context, store RasterStore, rasters []string, opts ...StackOption) (*Stack, error) {
	s := &Stack{store: store, nodata: DefaultNoData}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.setLayers(ctx, rasters); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromGroup creates a Stack from the members of a named raster group.
func NewFromGroup(ctx context.Context, store RasterStore, group string, opts ...StackOption) (*Stack, error) {
	members, err := store.ListGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("rlearn: group %q: %w", group, err)
	}
	return New(ctx, store, members, opts...)
}

// setLayers rebuilds the registry from a canonical list of raster
// identifiers. The three views are assembled fully before any of them is
// committed, so a failed rebuild leaves the stack unchanged.
func (s *Stack) setLayers(ctx context.Context, rasters []string) error {
	if len(rasters) == 0 {
		return fmt.Errorf("rlearn: %w", ErrEmptyStack)
	}

	names := make([]string, 0, len(rasters))
	layers := make(map[string]Layer, len(rasters))
	types := make(map[string]CellType, len(rasters))

	for _, raster := range rasters {
		layer, err := s.store.Resolve(ctx, raster)
		if err != nil {
			return fmt.Errorf("rlearn: raster %q: %w", raster, err)
		}

		short := shortName(layer.Name)
		if _, dup := layers[short]; dup {
			return fmt.Errorf("rlearn: cannot add raster %q: %w", layer.Name, ErrDuplicateLayer)
		}

		names = append(names, short)
		layers[short] = layer
		types[layer.FullName()] = layer.Type
	}

	s.names = names
	s.layers = layers
	s.types = types
	s.categorical = nil
	return nil
}

// shortName derives the stack-local label of a raster: the name without
// its mapset qualifier, with dots mapped to underscores.
func shortName(name string) string {
	name, _ = SplitName(name)
	return strings.ReplaceAll(name, ".", "_")
}

// Count returns the number of layers.
func (s *Stack) Count() int { return len(s.names) }

// NoData returns the stack's no-data sentinel.
func (s *Stack) NoData() float64 { return s.nodata }

// Names returns the ordered short names. The slice is a copy.
func (s *Stack) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// FullNames returns the ordered qualified names.
func (s *Stack) FullNames() []string {
	out := make([]string, len(s.names))
	for i, n := range s.names {
		out[i] = s.layers[n].FullName()
	}
	return out
}

// Layer returns the handle registered under a short name.
func (s *Stack) Layer(name string) (Layer, error) {
	l, ok := s.layers[name]
	if !ok {
		return Layer{}, fmt.Errorf("rlearn: layer %q: %w", name, ErrUnknownLabel)
	}
	return l, nil
}

// LayerAt returns the handle at band position i.
func (s *Stack) LayerAt(i int) (Layer, error) {
	if i < 0 || i >= len(s.names) {
		return Layer{}, fmt.Errorf("rlearn: band %d of %d: %w", i, len(s.names), ErrUnknownLabel)
	}
	return s.layers[s.names[i]], nil
}

// CellTypeOf returns the stored cell type of a qualified layer name.
func (s *Stack) CellTypeOf(fullName string) (CellType, bool) {
	t, ok := s.types[fullName]
	return t, ok
}

// Subset returns a new Stack containing only the named layers, in the
// requested order, with position i of the result labelled by labels[i].
func (s *Stack) Subset(ctx context.Context, labels ...string) (*Stack, error) {
	rasters := make([]string, len(labels))
	for i, label := range labels {
		l, ok := s.layers[label]
		if !ok {
			return nil, fmt.Errorf("rlearn: subset label %q: %w", label, ErrUnknownLabel)
		}
		rasters[i] = l.FullName()
	}

	sub, err := New(ctx, s.store, rasters, WithNoData(s.nodata))
	if err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(labels))
	for i, derived := range sub.names {
		if derived != labels[i] {
			mapping[derived] = labels[i]
		}
	}
	if len(mapping) > 0 {
		if err := sub.Rename(mapping); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Rename relabels layers according to an old-name to new-name mapping.
// Band order and handles are unchanged. All views are rebuilt together;
// a collision or unknown name leaves the stack unmodified.
func (s *Stack) Rename(mapping map[string]string) error {
	for old := range mapping {
		if _, ok := s.layers[old]; !ok {
			return fmt.Errorf("rlearn: rename %q: %w", old, ErrUnknownLabel)
		}
	}

	names := make([]string, len(s.names))
	layers := make(map[string]Layer, len(s.layers))
	for i, n := range s.names {
		nn := n
		if repl, ok := mapping[n]; ok {
			nn = repl
		}
		if _, dup := layers[nn]; dup {
			return fmt.Errorf("rlearn: rename to %q: %w", nn, ErrDuplicateLayer)
		}
		names[i] = nn
		layers[nn] = s.layers[n]
	}

	s.names = names
	s.layers = layers
	return nil
}

// Replace swaps the layer registered under a short name for another
// raster, resolved and existence-checked against the store. Count and the
// order of other entries are unchanged.
func (s *Stack) Replace(ctx context.Context, name, raster string) error {
	old, ok := s.layers[name]
	if !ok {
		return fmt.Errorf("rlearn: replace %q: %w", name, ErrUnknownLabel)
	}

	layer, err := s.store.Resolve(ctx, raster)
	if err != nil {
		return fmt.Errorf("rlearn: raster %q: %w", raster, err)
	}

	types := make(map[string]CellType, len(s.types))
	for k, v := range s.types {
		types[k] = v
	}
	delete(types, old.FullName())
	types[layer.FullName()] = layer.Type

	s.layers[name] = layer
	s.types = types
	return nil
}

// Append extends the stack with additional rasters, rebuilding the whole
// registry from the union of names. With inPlace false the receiver is
// left untouched and a new Stack is returned; with inPlace true the
// receiver itself is rebuilt and returned.
func (s *Stack) Append(ctx context.Context, rasters []string, inPlace bool) (*Stack, error) {
	union := append(s.FullNames(), rasters...)
	if inPlace {
		if err := s.setLayers(ctx, union); err != nil {
			return nil, err
		}
		return s, nil
	}
	return New(ctx, s.store, union, WithNoData(s.nodata))
}

// Drop removes layers by short name, rebuilding the registry from the
// remaining names. Unknown labels are errors. The in-place contract
// matches Append.
func (s *Stack) Drop(ctx context.Context, labels []string, inPlace bool) (*Stack, error) {
	dropped := make(map[string]bool, len(labels))
	for _, label := range labels {
		if _, ok := s.layers[label]; !ok {
			return nil, fmt.Errorf("rlearn: drop %q: %w", label, ErrUnknownLabel)
		}
		dropped[label] = true
	}

	var remaining []string
	for _, n := range s.names {
		if !dropped[n] {
			remaining = append(remaining, s.layers[n].FullName())
		}
	}

	if inPlace {
		if err := s.setLayers(ctx, remaining); err != nil {
			return nil, err
		}
		return s, nil
	}
	return New(ctx, s.store, remaining, WithNoData(s.nodata))
}

// Categorical returns the band indexes flagged as categorical.
func (s *Stack) Categorical() []int {
	out := make([]int, len(s.categorical))
	copy(out, s.categorical)
	return out
}

// SetCategorical flags the named layers as categorical. A name that is
// not in the stack fails the whole call without partial effect.
func (s *Stack) SetCategorical(names ...string) error {
	indexes := make([]int, 0, len(names))
	for _, n := range names {
		idx := -1
		for i, existing := range s.names {
			if existing == n {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("rlearn: categorical layer %q: %w", n, ErrUnknownLabel)
		}
		indexes = append(indexes, idx)
	}
	s.categorical = indexes
	return nil
}
