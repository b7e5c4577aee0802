package matcher

import (
	"fmt"
	"math"
)

// Metric is the distance function applied between embeddings. The same
// metric must be used to store templates and to query them.
type Metric string

const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Euclidean, Cosine:
		return Metric(s), nil
	}
	return "", fmt.Errorf("matcher: unknown distance metric %q", s)
}

// Distance returns the distance between a and b. Vectors of different
// length are infinitely far apart.
func (m Metric) Distance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	switch m {
	case Cosine:
		var dot, na, nb float64
		for i := range a {
			x, y := float64(a[i]), float64(b[i])
			dot += x * y
			na += x * x
			nb += y * y
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	default:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
}
