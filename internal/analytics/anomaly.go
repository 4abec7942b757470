package analytics

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/airsight/airsight-service/internal/models"
)

const (
	// MinAnomalyPoints is the history length below which no anomaly is reported.
	MinAnomalyPoints = 24
	// AnomalyMessage is returned when the latest reading is an outlier.
	AnomalyMessage = "Unusual spike detected in the latest hour."

	forestTrees         = 100
	forestMaxSamples    = 256
	forestContamination = 0.1
	forestSeed          = 42
)

// DetectAnomaly fits an isolation forest over the AQI series and classifies the
// most recent point. It returns AnomalyMessage for an outlier and "" otherwise.
func DetectAnomaly(history []models.HistoryPoint) string {
	if len(history) < MinAnomalyPoints {
		return ""
	}
	series := sortedCopy(history)
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.AQI
	}
	forest := newIsolationForest(values, forestTrees, forestMaxSamples, rand.New(rand.NewPCG(forestSeed, forestSeed)))
	scores := make([]float64, len(values))
	for i, v := range values {
		scores[i] = forest.score(v)
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(1-forestContamination, stat.LinInterp, sorted, nil)
	if scores[len(scores)-1] > threshold {
		return AnomalyMessage
	}
	return ""
}

// isolationForest is a univariate isolation forest. Points that isolate in
// fewer random splits score closer to 1.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
}

type isoNode struct {
	split       float64
	left, right *isoNode
	size        int
}

func newIsolationForest(values []float64, trees, maxSamples int, rng *rand.Rand) *isolationForest {
	n := min(maxSamples, len(values))
	depthLimit := int(math.Ceil(math.Log2(float64(max(n, 2)))))
	f := &isolationForest{trees: make([]*isoNode, trees), sampleSize: n}
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	for t := range f.trees {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		sample := make([]float64, n)
		for i := 0; i < n; i++ {
			sample[i] = values[idx[i]]
		}
		f.trees[t] = buildIsoTree(sample, 0, depthLimit, rng)
	}
	return f
}

func buildIsoTree(sample []float64, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(sample) <= 1 {
		return &isoNode{size: len(sample)}
	}
	lo, hi := sample[0], sample[0]
	for _, v := range sample[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return &isoNode{size: len(sample)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range sample {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &isoNode{
		split: split,
		left:  buildIsoTree(left, depth+1, limit, rng),
		right: buildIsoTree(right, depth+1, limit, rng),
	}
}

func (n *isoNode) pathLength(v float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + averagePathLength(n.size)
	}
	if v < n.split {
		return n.left.pathLength(v, depth+1)
	}
	return n.right.pathLength(v, depth+1)
}

// score returns 2^(-E[h(v)]/c(psi)) in (0, 1].
func (f *isolationForest) score(v float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += t.pathLength(v, 0)
	}
	mean := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree with n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
