// Package knn implements brute-force k-nearest-neighbour estimators over
// dense feature matrices, satisfying the estimator contracts of the
// rlearn package. It exists so pipelines can be exercised end to end
// without an external model runtime.
package knn

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/stevenpawley/r.learn.ml/rlearn"
)

// -----------------------------------------------------------------------------
// Neighbour search
// -----------------------------------------------------------------------------

type neighbors struct {
	x *mat.Dense
	k int
}

func (nb *neighbors) fitCheck(n int) error {
	if nb.k <= 0 {
		return fmt.Errorf("knn: k must be positive, got %d", nb.k)
	}
	if n < nb.k {
		return fmt.Errorf("knn: %d training samples for k=%d", n, nb.k)
	}
	return nil
}

// nearest returns the row indexes of the k training samples closest to
// the query point, by Euclidean distance.
func (nb *neighbors) nearest(query []float64) []int {
	n, cols := nb.x.Dims()

	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < cols; j++ {
			d := nb.x.At(i, j) - query[j]
			sum += d * d
		}
		cands[i] = cand{idx: i, dist: sum}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		return cands[a].idx < cands[b].idx
	})

	out := make([]int, nb.k)
	for i := range out {
		out[i] = cands[i].idx
	}
	return out
}

// -----------------------------------------------------------------------------
// Classifier
// -----------------------------------------------------------------------------

// Classifier is a k-nearest-neighbour majority-vote classifier.
type Classifier struct {
	nb      neighbors
	y       []int
	classes []int
}

var (
	_ rlearn.Estimator            = (*Classifier)(nil)
	_ rlearn.ProbabilityEstimator = (*Classifier)(nil)
)

// NewClassifier creates an unfitted classifier with k neighbours.
func NewClassifier(k int) *Classifier {
	return &Classifier{nb: neighbors{k: k}}
}

// Fit stores the training data. X is (samples x features), y holds one
// class label per sample.
func (c *Classifier) Fit(x *mat.Dense, y []int) error {
	n, _ := x.Dims()
	if err := c.nb.fitCheck(n); err != nil {
		return err
	}
	if len(y) != n {
		return fmt.Errorf("knn: %d labels for %d samples", len(y), n)
	}

	c.nb.x = mat.DenseCopyOf(x)
	c.y = make([]int, len(y))
	copy(c.y, y)

	seen := make(map[int]bool)
	c.classes = c.classes[:0]
	for _, label := range y {
		if !seen[label] {
			seen[label] = true
			c.classes = append(c.classes, label)
		}
	}
	sort.Ints(c.classes)
	return nil
}

// Classes returns the distinct training labels in ascending order.
func (c *Classifier) Classes() []int {
	out := make([]int, len(c.classes))
	copy(out, c.classes)
	return out
}

// Predict returns the majority label among the k nearest neighbours of
// each query sample, (samples x 1). Ties break toward the smaller label.
func (c *Classifier) Predict(x *mat.Dense) (*mat.Dense, error) {
	proba, err := c.PredictProba(x)
	if err != nil {
		return nil, err
	}

	n, _ := proba.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		best := 0
		for j := 1; j < len(c.classes); j++ {
			if proba.At(i, j) > proba.At(i, best) {
				best = j
			}
		}
		out.Set(i, 0, float64(c.classes[best]))
	}
	return out, nil
}

// PredictProba returns the per-class neighbour fraction of each query
// sample, (samples x classes), with columns in ascending class order.
func (c *Classifier) PredictProba(x *mat.Dense) (*mat.Dense, error) {
	if c.nb.x == nil {
		return nil, fmt.Errorf("knn: classifier is not fitted")
	}
	n, cols := x.Dims()
	if _, trained := c.nb.x.Dims(); cols != trained {
		return nil, fmt.Errorf("knn: query has %d features, trained on %d", cols, trained)
	}

	classIdx := make(map[int]int, len(c.classes))
	for i, label := range c.classes {
		classIdx[label] = i
	}

	out := mat.NewDense(n, len(c.classes), nil)
	query := make([]float64, cols)
	for i := 0; i < n; i++ {
		mat.Row(query, i, x)
		for _, idx := range c.nb.nearest(query) {
			j := classIdx[c.y[idx]]
			out.Set(i, j, out.At(i, j)+1)
		}
		for j := 0; j < len(c.classes); j++ {
			out.Set(i, j, out.At(i, j)/float64(c.nb.k))
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Regressor
// -----------------------------------------------------------------------------

// Regressor is a k-nearest-neighbour mean regressor.
type Regressor struct {
	nb neighbors
	y  []float64
}

var _ rlearn.Estimator = (*Regressor)(nil)

// NewRegressor creates an unfitted regressor with k neighbours.
func NewRegressor(k int) *Regressor {
	return &Regressor{nb: neighbors{k: k}}
}

// Fit stores the training data. X is (samples x features), y holds one
// response per sample.
func (r *Regressor) Fit(x *mat.Dense, y []float64) error {
	n, _ := x.Dims()
	if err := r.nb.fitCheck(n); err != nil {
		return err
	}
	if len(y) != n {
		return fmt.Errorf("knn: %d responses for %d samples", len(y), n)
	}
	for i, v := range y {
		if math.IsNaN(v) {
			return fmt.Errorf("knn: response %d is NaN", i)
		}
	}

	r.nb.x = mat.DenseCopyOf(x)
	r.y = make([]float64, len(y))
	copy(r.y, y)
	return nil
}

// Predict returns the mean response of the k nearest neighbours of each
// query sample, (samples x 1).
func (r *Regressor) Predict(x *mat.Dense) (*mat.Dense, error) {
	if r.nb.x == nil {
		return nil, fmt.Errorf("knn: regressor is not fitted")
	}
	n, cols := x.Dims()
	if _, trained := r.nb.x.Dims(); cols != trained {
		return nil, fmt.Errorf("knn: query has %d features, trained on %d", cols, trained)
	}

	out := mat.NewDense(n, 1, nil)
	query := make([]float64, cols)
	for i := 0; i < n; i++ {
		mat.Row(query, i, x)
		var sum float64
		for _, idx := range r.nb.nearest(query) {
			sum += r.y[idx]
		}
		out.Set(i, 0, sum/float64(r.nb.k))
	}
	return out, nil
}
