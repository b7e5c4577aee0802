// Package engagement stores per-student emotion observations and derives a
// class engagement summary from them.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/model"
)

// DefaultTimelineLimit caps a student timeline when no limit is given.
const DefaultTimelineLimit = 100

var (
	ErrUnknownEmotion = errors.New("engagement: unknown emotion")
	ErrInvalidEvent   = errors.New("engagement: student_id and class_id are required")
	ErrNoFace         = errors.New("engagement: no face detected")
)

// Emotions lists the accepted dominant emotions.
var Emotions = []string{"happy", "sad", "angry", "fear", "surprise", "neutral", "disgust", "bored", "sleepy", "attentive"}

// positive emotions count toward the engagement score.
var positive = map[string]bool{"happy": true, "surprise": true, "attentive": true, "neutral": true}

// Store persists emotion events.
type Store interface {
	InsertEmotion(ctx context.Context, ev model.EmotionEvent) (model.EmotionEvent, error)
	ClassEmotions(ctx context.Context, classID string, from, to *time.Time) ([]model.EmotionEvent, error)
	StudentEmotions(ctx context.Context, studentID, classID string, limit int) ([]model.EmotionEvent, error)
}

// Analyzer classifies the expression in an image.
type Analyzer interface {
	AnalyzeEmotion(ctx context.Context, image []byte) (*faceclient.EmotionResult, error)
}

// Summary is the engagement view of a class.
type Summary struct {
	ClassID           string             `json:"class_id"`
	TotalEvents       int                `json:"total_events"`
	Distribution      map[string]int     `json:"emotion_distribution"`
	Percentages       map[string]float64 `json:"emotion_percentages"`
	EngagementScore   float64            `json:"engagement_score"`
	AverageConfidence float64            `json:"average_confidence"`
	DominantEmotion   string             `json:"dominant_emotion,omitempty"`
}

// Service records and summarises emotion events.
type Service struct {
	store    Store
	analyzer Analyzer
	clock    clock.Clock
	log      *zap.Logger
}

// NewService creates a service.
func NewService(store Store, analyzer Analyzer, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem(time.UTC)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, analyzer: analyzer, clock: clk, log: log}
}

// Known reports whether emotion is an accepted label.
func Known(emotion string) bool {
	for _, e := range Emotions {
		if e == emotion {
			return true
		}
	}
	return false
}

// Record stores an observation. A zero DetectedAt means now.
func (s *Service) Record(ctx context.Context, ev model.EmotionEvent) (model.EmotionEvent, error) {
	ev.DominantEmotion = strings.ToLower(strings.TrimSpace(ev.DominantEmotion))
	if ev.StudentID == "" || ev.ClassID == "" {
		return model.EmotionEvent{}, ErrInvalidEvent
	}
	if !Known(ev.DominantEmotion) {
		return model.EmotionEvent{}, fmt.Errorf("%w: %q", ErrUnknownEmotion, ev.DominantEmotion)
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = s.clock.Now()
	}
	out, err := s.store.InsertEmotion(ctx, ev)
	if err != nil {
		return model.EmotionEvent{}, unavailable("insert emotion", err)
	}
	s.log.Debug("emotion recorded",
		zap.String(logger.FieldClassID, ev.ClassID),
		zap.String(logger.FieldStudentID, ev.StudentID),
		zap.String("emotion", ev.DominantEmotion))
	return out, nil
}

// Analyze classifies image and, when both ids are set, records the result.
func (s *Service) Analyze(ctx context.Context, image []byte, studentID, classID string) (*faceclient.EmotionResult, error) {
	res, err := s.analyzer.AnalyzeEmotion(ctx, image)
	switch {
	case errors.Is(err, faceclient.ErrNoFace):
		return nil, ErrNoFace
	case errors.Is(err, faceclient.ErrInvalidImage):
		return nil, err
	case err != nil:
		return nil, unavailable("analyze emotion", err)
	}
	if studentID != "" && classID != "" && Known(res.Dominant) {
		if _, err := s.Record(ctx, model.EmotionEvent{
			StudentID:       studentID,
			ClassID:         classID,
			DominantEmotion: res.Dominant,
			Confidence:      res.Confidence,
			Scores:          res.Scores,
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ClassSummary summarises the events of a class within the optional range.
func (s *Service) ClassSummary(ctx context.Context, classID string, from, to *time.Time) (Summary, error) {
	events, err := s.store.ClassEmotions(ctx, classID, from, to)
	if err != nil {
		return Summary{}, unavailable("class emotions", err)
	}
	return Summarize(classID, events), nil
}

// Timeline returns a student's events in time order.
func (s *Service) Timeline(ctx context.Context, studentID, classID string, limit int) ([]model.EmotionEvent, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	events, err := s.store.StudentEmotions(ctx, studentID, classID, limit)
	if err != nil {
		return nil, unavailable("student emotions", err)
	}
	loc := s.clock.Location()
	for i := range events {
		events[i].DetectedAt = clock.In(events[i].DetectedAt, loc)
	}
	return events, nil
}

// Summarize computes a Summary. The dominant emotion is the most frequent
// one, ties broken alphabetically.
func Summarize(classID string, events []model.EmotionEvent) Summary {
	sum := Summary{
		ClassID:      classID,
		TotalEvents:  len(events),
		Distribution: map[string]int{},
		Percentages:  map[string]float64{},
	}
	if len(events) == 0 {
		return sum
	}

	var conf float64
	pos := 0
	for _, ev := range events {
		sum.Distribution[ev.DominantEmotion]++
		conf += ev.Confidence
		if positive[ev.DominantEmotion] {
			pos++
		}
	}
	total := float64(len(events))

	labels := make([]string, 0, len(sum.Distribution))
	for e, n := range sum.Distribution {
		sum.Percentages[e] = float64(n) / total * 100
		labels = append(labels, e)
	}
	sort.Strings(labels)
	for _, e := range labels {
		if sum.DominantEmotion == "" || sum.Distribution[e] > sum.Distribution[sum.DominantEmotion] {
			sum.DominantEmotion = e
		}
	}

	sum.EngagementScore = round2(float64(pos) / total * 100)
	sum.AverageConfidence = round2(conf / total)
	return sum
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrUnavailable, op, err)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
