package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/memstore"
	"smartclassroom/internal/model"
)

type stubAnalyzer struct {
	res *faceclient.EmotionResult
	err error
}

func (s stubAnalyzer) AnalyzeEmotion(context.Context, []byte) (*faceclient.EmotionResult, error) {
	return s.res, s.err
}

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newService(an Analyzer) (*Service, *memstore.Store) {
	st := memstore.New()
	return NewService(st, an, &clock.Fixed{T: t0}, nil), st
}

func TestRecordValidates(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	_, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C1", DominantEmotion: "ecstatic"})
	assert.ErrorIs(t, err, ErrUnknownEmotion)

	_, err = svc.Record(ctx, model.EmotionEvent{ClassID: "C1", DominantEmotion: "happy"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	ev, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C1", DominantEmotion: " Happy ", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "happy", ev.DominantEmotion)
	assert.True(t, ev.DetectedAt.Equal(t0))
	assert.NotZero(t, ev.ID)
}

func TestSummarize(t *testing.T) {
	events := []model.EmotionEvent{
		{DominantEmotion: "happy", Confidence: 0.9},
		{DominantEmotion: "bored", Confidence: 0.6},
		{DominantEmotion: "bored", Confidence: 0.7},
		{DominantEmotion: "attentive", Confidence: 0.8},
		{DominantEmotion: "sleepy", Confidence: 0.5},
		{DominantEmotion: "sleepy", Confidence: 0.4},
	}
	sum := Summarize("C1", events)

	assert.Equal(t, 6, sum.TotalEvents)
	assert.Equal(t, 2, sum.Distribution["bored"])
	assert.Equal(t, "bored", sum.DominantEmotion, "ties resolve alphabetically")
	assert.InDelta(t, 33.33, sum.EngagementScore, 1e-9)
	assert.InDelta(t, 0.65, sum.AverageConfidence, 1e-9)
	assert.InDelta(t, 100.0/3, sum.Percentages["sleepy"], 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	sum := Summarize("C1", nil)
	assert.Zero(t, sum.TotalEvents)
	assert.Zero(t, sum.EngagementScore)
	assert.Empty(t, sum.DominantEmotion)
	assert.NotNil(t, sum.Distribution)
}

func TestClassSummaryRange(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	for i, e := range []string{"happy", "sad", "neutral"} {
		_, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C1", DominantEmotion: e, Confidence: 1, DetectedAt: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C2", DominantEmotion: "angry", Confidence: 1})
	require.NoError(t, err)

	sum, err := svc.ClassSummary(ctx, "C1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalEvents)
	assert.InDelta(t, 66.67, sum.EngagementScore, 1e-9)

	from := t0.Add(time.Minute)
	sum, err = svc.ClassSummary(ctx, "C1", &from, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalEvents)

	to := t0.Add(-time.Hour)
	sum, err = svc.ClassSummary(ctx, "C1", nil, &to)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalEvents)
}

func TestTimeline(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	for i := 3; i > 0; i-- {
		_, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C1", DominantEmotion: "neutral", DetectedAt: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	events, err := svc.Timeline(ctx, "S1", "C1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].DetectedAt.Before(events[1].DetectedAt))
	assert.True(t, events[0].DetectedAt.Equal(t0.Add(time.Minute)))

	events, err = svc.Timeline(ctx, "S2", "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAnalyzeStoresWhenIdentified(t *testing.T) {
	an := stubAnalyzer{res: &faceclient.EmotionResult{Dominant: "attentive", Confidence: 0.7, Scores: map[string]float64{"attentive": 0.7}}}
	svc, st := newService(an)
	ctx := context.Background()

	res, err := svc.Analyze(ctx, []byte("img"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "attentive", res.Dominant)

	_, err = svc.Analyze(ctx, []byte("img"), "S1", "C1")
	require.NoError(t, err)

	stored, err := st.ClassEmotions(ctx, "C1", nil, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "S1", stored[0].StudentID)
}

func TestAnalyzeErrors(t *testing.T) {
	svc, _ := newService(stubAnalyzer{err: faceclient.ErrNoFace})
	_, err := svc.Analyze(context.Background(), []byte("img"), "S1", "C1")
	assert.ErrorIs(t, err, ErrNoFace)

	boom := errors.New("boom")
	svc, _ = newService(stubAnalyzer{err: boom})
	_, err = svc.Analyze(context.Background(), []byte("img"), "S1", "C1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, model.ErrUnavailable)

	svc, _ = newService(stubAnalyzer{err: faceclient.ErrInvalidImage})
	_, err = svc.Analyze(context.Background(), []byte("img"), "S1", "C1")
	assert.ErrorIs(t, err, faceclient.ErrInvalidImage)
	assert.NotErrorIs(t, err, model.ErrUnavailable)
}

type downStore struct{ err error }

func (d downStore) InsertEmotion(context.Context, model.EmotionEvent) (model.EmotionEvent, error) {
	return model.EmotionEvent{}, d.err
}

func (d downStore) ClassEmotions(context.Context, string, *time.Time, *time.Time) ([]model.EmotionEvent, error) {
	return nil, d.err
}

func (d downStore) StudentEmotions(context.Context, string, string, int) ([]model.EmotionEvent, error) {
	return nil, d.err
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	refused := errors.New("connection refused")
	svc := NewService(downStore{err: refused}, nil, &clock.Fixed{T: t0}, nil)
	ctx := context.Background()

	_, err := svc.Record(ctx, model.EmotionEvent{StudentID: "S1", ClassID: "C1", DominantEmotion: "happy"})
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.ErrorIs(t, err, refused)

	_, err = svc.ClassSummary(ctx, "C1", nil, nil)
	assert.ErrorIs(t, err, model.ErrUnavailable)

	_, err = svc.Timeline(ctx, "S1", "", 0)
	assert.ErrorIs(t, err, model.ErrUnavailable)
}
