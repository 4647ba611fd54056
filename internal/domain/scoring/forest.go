package scoring

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ForestModelKind identifies isolation forest artifacts.
const ForestModelKind = "isolation-forest"

// eulerGamma is the Euler-Mascheroni constant used by the average path
// length of an unsuccessful binary search tree lookup.
const eulerGamma = 0.5772156649015329

// Node is one node of an isolation tree. A node without children is a leaf
// holding Size training rows.
type Node struct {
	Feature   string  `yaml:"feature,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	Left      *Node   `yaml:"left,omitempty"`
	Right     *Node   `yaml:"right,omitempty"`
	Size      int     `yaml:"size,omitempty"`
}

func (n *Node) leaf() bool { return n.Left == nil && n.Right == nil }

// Forest is an isolation forest loaded from an artifact. It is immutable and
// safe for concurrent use.
type Forest struct {
	name       string
	artifact   Artifact
	normalizer float64
}

// NewForest wraps a validated artifact.
func NewForest(name string, a Artifact) (*Forest, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	sorted := append([]float64(nil), a.TrainingScores...)
	sort.Float64s(sorted)
	a.TrainingScores = sorted
	return &Forest{name: name, artifact: a, normalizer: averagePathLength(a.SampleSize)}, nil
}

// Name implements Model.
func (f *Forest) Name() string { return f.name }

// Artifact returns the underlying artifact.
func (f *Forest) Artifact() Artifact { return f.artifact }

// Score implements Model. The anomaly is 2^(-E[h]/c(n)) in (0,1]; higher is
// more anomalous.
func (f *Forest) Score(ctx context.Context, v Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("forest score: %w", err)
	}
	var total float64
	for _, t := range f.artifact.Trees {
		total += pathLength(t, v, 0)
	}
	mean := total / float64(len(f.artifact.Trees))
	return math.Pow(2, -mean/f.normalizer), nil
}

// Rescale implements Model as the percentile rank of anomaly among the
// training scores.
func (f *Forest) Rescale(anomaly float64) float64 {
	ts := f.artifact.TrainingScores
	n := sort.Search(len(ts), func(i int) bool { return ts[i] > anomaly })
	return 100 * float64(n) / float64(len(ts))
}

// pathLength follows v down the tree. A slot missing from v follows both
// branches and averages their lengths.
func pathLength(n *Node, v Vector, depth float64) float64 {
	if n.leaf() {
		return depth + averagePathLength(n.Size)
	}
	x, ok := v[n.Feature]
	switch {
	case !ok:
		return (pathLength(n.Left, v, depth+1) + pathLength(n.Right, v, depth+1)) / 2
	case x < n.Threshold:
		return pathLength(n.Left, v, depth+1)
	default:
		return pathLength(n.Right, v, depth+1)
	}
}

// averagePathLength is c(n) from the isolation forest paper.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}

// TrainOptions configures Train.
type TrainOptions struct {
	Trees      int
	SampleSize int
	Seed       int64
	Features   []string // restricts split candidates; all slots when empty
}

// Default training parameters.
const (
	DefaultTrees      = 100
	DefaultSampleSize = 256
)

// Train grows an isolation forest over vectors. The same input and seed
// always produce the same artifact.
func Train(vectors []Vector, opts TrainOptions) (Artifact, error) {
	if len(vectors) == 0 {
		return Artifact{}, ErrNoTrainingData
	}
	if opts.Trees <= 0 {
		opts.Trees = DefaultTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	sampleSize := opts.SampleSize
	if sampleSize > len(vectors) {
		sampleSize = len(vectors)
	}
	if sampleSize < 2 {
		return Artifact{}, fmt.Errorf("need at least 2 vectors, got %d: %w", len(vectors), ErrNoTrainingData)
	}
	features := opts.Features
	if len(features) == 0 {
		features = unionSlots(vectors)
	}
	rng := rand.New(rand.NewSource(opts.Seed)) //nolint:gosec // reproducible training
	limit := int(math.Ceil(math.Log2(float64(sampleSize))))

	a := Artifact{
		Version:    ArtifactVersion,
		Model:      ForestModelKind,
		Features:   features,
		SampleSize: sampleSize,
		Seed:       opts.Seed,
		Trees:      make([]*Node, 0, opts.Trees),
	}
	for t := 0; t < opts.Trees; t++ {
		perm := rng.Perm(len(vectors))[:sampleSize]
		rows := make([]Vector, sampleSize)
		for i, p := range perm {
			rows[i] = vectors[p]
		}
		a.Trees = append(a.Trees, grow(rows, features, 0, limit, rng))
	}

	f, err := NewForest(ForestModelKind, withScores(a, []float64{0}))
	if err != nil {
		return Artifact{}, err
	}
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i], _ = f.Score(context.Background(), v)
	}
	sort.Float64s(scores)
	a.TrainingScores = scores
	return a, nil
}

func withScores(a Artifact, s []float64) Artifact {
	a.TrainingScores = s
	return a
}

func grow(rows []Vector, features []string, depth, limit int, rng *rand.Rand) *Node {
	if depth >= limit || len(rows) <= 1 {
		return &Node{Size: len(rows)}
	}
	type span struct {
		name     string
		min, max float64
	}
	var candidates []span
	for _, name := range features {
		lo, hi, seen := math.Inf(1), math.Inf(-1), false
		for _, r := range rows {
			if x, ok := r[name]; ok {
				lo, hi, seen = math.Min(lo, x), math.Max(hi, x), true
			}
		}
		if seen && hi > lo {
			candidates = append(candidates, span{name, lo, hi})
		}
	}
	if len(candidates) == 0 {
		return &Node{Size: len(rows)}
	}
	c := candidates[rng.Intn(len(candidates))]
	threshold := c.min + rng.Float64()*(c.max-c.min)
	var left, right []Vector
	for _, r := range rows {
		x, ok := r[c.name]
		switch {
		case !ok:
			left, right = append(left, r), append(right, r)
		case x < threshold:
			left = append(left, r)
		default:
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &Node{Size: len(rows)}
	}
	return &Node{
		Feature:   c.name,
		Threshold: threshold,
		Left:      grow(left, features, depth+1, limit, rng),
		Right:     grow(right, features, depth+1, limit, rng),
	}
}

func unionSlots(vectors []Vector) []string {
	set := make(map[string]struct{})
	for _, v := range vectors {
		for k := range v {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
