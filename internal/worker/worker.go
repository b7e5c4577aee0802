// Package worker consumes attendance events and keeps the denormalised
// class statistics current.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartclassroom/internal/logger"
	"smartclassroom/internal/metrics"
	"smartclassroom/internal/model"
	"smartclassroom/internal/queue"
)

// StatsRefresher recomputes a class's counters.
type StatsRefresher interface {
	RefreshSessionStats(ctx context.Context, classID string) (model.ClassSession, error)
}

// Worker drains a queue.
type Worker struct {
	queue   queue.Queue
	stats   StatsRefresher
	metrics *metrics.Metrics
	log     *zap.Logger
	timeout time.Duration
}

// New creates a worker. m may be nil.
func New(q queue.Queue, stats StatsRefresher, m *metrics.Metrics, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: q, stats: stats, metrics: m, log: log, timeout: 10 * time.Second}
}

// Run consumes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	w.log.Info("worker started, waiting for messages")
	for msg := range msgs {
		_ = w.Handle(ctx, msg)
	}
	w.log.Info("worker stopped")
	return nil
}

// Handle processes one message. Unknown types are skipped.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeAttendanceMarked {
		w.log.Debug("skipping message", zap.String("type", msg.Type), zap.String("id", msg.ID))
		return nil
	}
	var ev queue.AttendanceMarked
	if err := msg.Decode(&ev); err != nil {
		w.metrics.QueueEvent("consume", err)
		w.log.Warn("undecodable attendance event", zap.String("id", msg.ID), zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	sess, err := w.stats.RefreshSessionStats(ctx, ev.ClassID)
	w.metrics.QueueEvent("consume", err)
	if err != nil {
		w.log.Error("refresh class stats failed",
			zap.String(logger.FieldClassID, ev.ClassID),
			zap.String(logger.FieldStudentID, ev.StudentID),
			zap.Error(err))
		return err
	}
	w.log.Debug("class stats refreshed",
		zap.String(logger.FieldClassID, sess.ClassID),
		zap.Int("present_count", sess.PresentCount),
		zap.Int("total_students", sess.TotalStudents),
		zap.Float64("attendance_rate", sess.AttendanceRate))
	return nil
}
