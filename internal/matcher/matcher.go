package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ErrDimensionMismatch means the query or the stored templates do not have
// the configured embedding dimension. It is a configuration fault, not a
// per-request condition.
var ErrDimensionMismatch = errors.New("matcher: embedding dimension mismatch")

// Candidate is a template within the threshold of a query.
type Candidate struct {
	StudentID string
	Distance  float64
}

// EmbeddingStore performs nearest-neighbour lookups over active templates.
// Implementations return only candidates with distance < threshold, ordered
// by (distance, student id), at most limit entries.
type EmbeddingStore interface {
	Nearest(ctx context.Context, query []float32, metric Metric, threshold float64, limit int) ([]Candidate, error)
}

// DimensionReporter lists the distinct dimensions of stored active templates.
type DimensionReporter interface {
	TemplateDimensions(ctx context.Context) ([]int, error)
}

// Result is the outcome of a match. Matched=false is the explicit
// "not recognized" variant.
//
// Confidence is 1 - distance clamped to [0,1]. It is a presentation
// heuristic, not a calibrated probability.
type Result struct {
	Matched    bool
	StudentID  string
	Distance   float64
	Confidence float64
	// Ambiguous is set when another template tied at the minimum distance.
	Ambiguous bool
}

// Options configures a Matcher.
type Options struct {
	Metric    Metric
	Threshold float64
	Dimension int
}

// Matcher turns a query embedding into a match decision.
type Matcher struct {
	store EmbeddingStore
	opts  Options
	log   *zap.Logger
}

// New creates a matcher over store.
func New(store EmbeddingStore, opts Options, log *zap.Logger) *Matcher {
	if opts.Metric == "" {
		opts.Metric = Euclidean
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{store: store, opts: opts, log: log}
}

// Metric returns the configured distance metric.
func (m *Matcher) Metric() Metric { return m.opts.Metric }

// Threshold returns the configured match threshold.
func (m *Matcher) Threshold() float64 { return m.opts.Threshold }

// Match runs Search with the configured threshold and returns the best
// candidate as a Result.
func (m *Matcher) Match(ctx context.Context, query []float32) (Result, error) {
	// Two candidates are requested so a tie at the minimum can be seen.
	cands, err := m.Search(ctx, query, m.opts.Threshold, 2)
	if err != nil {
		return Result{}, err
	}
	if len(cands) == 0 {
		return Result{Matched: false}, nil
	}

	best := cands[0]
	res := Result{
		Matched:    true,
		StudentID:  best.StudentID,
		Distance:   best.Distance,
		Confidence: Confidence(best.Distance),
	}
	if len(cands) > 1 && cands[1].Distance == best.Distance {
		res.Ambiguous = true
		m.log.Warn("ambiguous face match, lowest student id selected",
			zap.String("selected", best.StudentID),
			zap.String("tied_with", cands[1].StudentID),
			zap.Float64("distance", best.Distance))
	}
	return res, nil
}

// Search returns up to topK candidates strictly closer than threshold.
func (m *Matcher) Search(ctx context.Context, query []float32, threshold float64, topK int) ([]Candidate, error) {
	if m.opts.Dimension > 0 && len(query) != m.opts.Dimension {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), m.opts.Dimension)
	}
	if topK <= 0 {
		topK = 1
	}
	cands, err := m.store.Nearest(ctx, query, m.opts.Metric, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("nearest templates: %w", err)
	}
	// Stores are expected to filter and order already; enforce it so the
	// decision never depends on a store's ordering quirks.
	out := cands[:0:0]
	for _, c := range cands {
		if c.Distance < threshold {
			out = append(out, c)
		}
	}
	SortCandidates(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// CheckDimensions verifies that every active template has dim entries.
func CheckDimensions(ctx context.Context, r DimensionReporter, dim int) error {
	dims, err := r.TemplateDimensions(ctx)
	if err != nil {
		return fmt.Errorf("template dimensions: %w", err)
	}
	for _, d := range dims {
		if d != dim {
			return fmt.Errorf("%w: stored template has %d, expected %d", ErrDimensionMismatch, d, dim)
		}
	}
	return nil
}

// Confidence maps a distance to [0,1] as 1 - distance.
func Confidence(distance float64) float64 {
	c := 1 - distance
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// SortCandidates orders by distance, then by student id.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return c[i].StudentID < c[j].StudentID
	})
}

// Template is an enrolled embedding used by Rank.
type Template struct {
	StudentID string
	Embedding []float32
}

// Rank is a brute-force nearest-neighbour scan for stores without a vector
// index.
func Rank(query []float32, templates []Template, metric Metric, threshold float64, limit int) []Candidate {
	var out []Candidate
	for _, t := range templates {
		d := metric.Distance(query, t.Embedding)
		if d < threshold {
			out = append(out, Candidate{StudentID: t.StudentID, Distance: d})
		}
	}
	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
