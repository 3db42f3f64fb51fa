// Package forest implements an isolation forest for unsupervised
// outlier detection over bill feature vectors.
//
// Anomalies are points isolated faster (shorter average path) under
// random recursive partitioning than typical points. Scores near 1
// indicate anomalies; scores near 0.5 indicate typical points.
package forest

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Vector is a bill feature vector: total amount and tax amount.
type Vector [2]float64

// eulerMascheroni is used in the harmonic-number approximation for the
// expected path length of an unsuccessful BST search.
const eulerMascheroni = 0.5772156649

// Options controls forest training.
type Options struct {
	// Contamination is the assumed fraction of anomalous points in the
	// training data, used to set the decision threshold.
	Contamination float64

	// Estimators is the number of isolation trees.
	Estimators int

	// SampleCap bounds the per-tree subsample for large corpora.
	SampleCap int

	// Seed drives all randomness: sample draw, feature choice, split
	// value. Training is reproducible for a fixed seed.
	Seed int64
}

// DefaultOptions returns the standard training parameters.
func DefaultOptions(seed int64) Options {
	return Options{
		Contamination: 0.10,
		Estimators:    100,
		SampleCap:     256,
		Seed:          seed,
	}
}

// Node is one split or leaf in an isolation tree. Leaves have Left < 0.
type Node struct {
	Feature int     `json:"feature"`
	Split   float64 `json:"split"`
	Left    int     `json:"left"`
	Right   int     `json:"right"`
	Size    int     `json:"size"`
}

// Tree is a single isolation tree stored as a flat node array rooted
// at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a trained isolation forest plus its decision threshold.
type Forest struct {
	trees      []Tree
	threshold  float64
	sampleSize int
	opts       Options
	fittedAt   time.Time
}

// Fit trains an isolation forest on the given vectors.
func Fit(vectors []Vector, opts Options) (*Forest, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no training vectors")
	}
	if opts.Contamination <= 0 || opts.Contamination >= 1 {
		opts.Contamination = 0.10
	}
	if opts.Estimators <= 0 {
		opts.Estimators = 100
	}
	if opts.SampleCap <= 0 {
		opts.SampleCap = 256
	}

	sampleSize := len(vectors)
	if sampleSize > opts.SampleCap {
		sampleSize = opts.SampleCap
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	f := &Forest{
		trees:      make([]Tree, opts.Estimators),
		sampleSize: sampleSize,
		opts:       opts,
		fittedAt:   time.Now().UTC(),
	}

	for i := range f.trees {
		sample := subsample(vectors, sampleSize, rng)
		tree := Tree{}
		buildNode(&tree, sample, 0, maxDepth, rng)
		f.trees[i] = tree
	}

	// Threshold is the (1-contamination) quantile of the training
	// scores, so roughly a contamination fraction of the training set
	// scores at or above it.
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = f.Score(v)
	}
	f.threshold = quantile(scores, 1-opts.Contamination)

	return f, nil
}

// Score computes the anomaly score s(x) = 2^(-E[h(x)]/c(n)) for a vector.
func (f *Forest) Score(v Vector) float64 {
	if len(f.trees) == 0 {
		return 0
	}

	var sum float64
	for i := range f.trees {
		sum += pathLength(&f.trees[i], v)
	}
	avg := sum / float64(len(f.trees))

	norm := avgPathLength(f.sampleSize)
	if norm <= 0 {
		return 0
	}
	return math.Pow(2, -avg/norm)
}

// Anomalous reports whether the vector scores at or above the fitted
// decision threshold.
func (f *Forest) Anomalous(v Vector) bool {
	return f.Score(v) >= f.threshold
}

// Threshold returns the fitted decision threshold.
func (f *Forest) Threshold() float64 {
	return f.threshold
}

// SampleSize returns the per-tree training subsample size.
func (f *Forest) SampleSize() int {
	return f.sampleSize
}

// FittedAt returns when the forest was trained.
func (f *Forest) FittedAt() time.Time {
	return f.fittedAt
}

// Estimators returns the number of trees in the ensemble.
func (f *Forest) Estimators() int {
	return len(f.trees)
}

// subsample draws n vectors without replacement.
func subsample(vectors []Vector, n int, rng *rand.Rand) []Vector {
	if n >= len(vectors) {
		return vectors
	}
	sample := make([]Vector, n)
	for i, idx := range rng.Perm(len(vectors))[:n] {
		sample[i] = vectors[idx]
	}
	return sample
}

// buildNode appends the subtree for sample to the tree's node array and
// returns its index.
func buildNode(t *Tree, sample []Vector, depth, maxDepth int, rng *rand.Rand) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, Size: len(sample)})

	if len(sample) <= 1 || depth >= maxDepth {
		return idx
	}

	// Pick a split dimension at random; fall back to the other one when
	// the chosen dimension is constant across the sample.
	feature := rng.Intn(2)
	lo, hi := minMax(sample, feature)
	if lo == hi {
		feature = 1 - feature
		lo, hi = minMax(sample, feature)
		if lo == hi {
			return idx // all points identical, nothing to split
		}
	}

	split := lo + rng.Float64()*(hi-lo)

	var left, right []Vector
	for _, v := range sample {
		if v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return idx
	}

	t.Nodes[idx].Feature = feature
	t.Nodes[idx].Split = split
	t.Nodes[idx].Left = buildNode(t, left, depth+1, maxDepth, rng)
	t.Nodes[idx].Right = buildNode(t, right, depth+1, maxDepth, rng)
	return idx
}

func minMax(sample []Vector, feature int) (float64, float64) {
	lo, hi := sample[0][feature], sample[0][feature]
	for _, v := range sample[1:] {
		if v[feature] < lo {
			lo = v[feature]
		}
		if v[feature] > hi {
			hi = v[feature]
		}
	}
	return lo, hi
}

// pathLength walks a vector down one tree. The length is the depth of
// the terminal node plus c(size) when the node still held multiple
// points (stopped by the depth limit rather than isolation).
func pathLength(t *Tree, v Vector) float64 {
	idx, depth := 0, 0
	for {
		n := t.Nodes[idx]
		if n.Left < 0 {
			return float64(depth) + avgPathLength(n.Size)
		}
		if v[n.Feature] < n.Split {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// avgPathLength is c(n), the expected path length for a sample of size
// n under random recursive partitioning.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

// quantile returns the linearly interpolated q-quantile of values.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
