package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/model"
)

var (
	ErrInvalidSchedule = errors.New("attendance: class must end after it starts")
	ErrClassExists     = errors.New("attendance: class already exists")
	ErrNoChanges       = errors.New("attendance: no fields to update")
	// ErrClassNotStarted is returned when ending a class before its start.
	ErrClassNotStarted = errors.New("attendance: class has not started")
)

// NewSession describes a class to schedule. Start and End must be aware
// instants; use clock.Combine for local date and time inputs.
type NewSession struct {
	ClassID    string
	ClassName  string
	Instructor *string
	Room       *string
	Start      time.Time
	End        time.Time
}

// CreateSession schedules a class.
func (e *Engine) CreateSession(ctx context.Context, in NewSession) (model.ClassSession, error) {
	in.ClassID = strings.TrimSpace(in.ClassID)
	if in.ClassID == "" {
		return model.ClassSession{}, fmt.Errorf("%w: class_id is required", ErrInvalidSchedule)
	}
	if !in.End.After(in.Start) {
		return model.ClassSession{}, ErrInvalidSchedule
	}
	if in.ClassName == "" {
		in.ClassName = in.ClassID
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()

	loc := e.clock.Location()
	sess, err := e.store.CreateSession(ctx, model.ClassSession{
		ClassID:    in.ClassID,
		ClassName:  in.ClassName,
		Instructor: in.Instructor,
		Room:       in.Room,
		StartTime:  in.Start.In(loc),
		EndTime:    in.End.In(loc),
	})
	if errors.Is(err, model.ErrConflict) {
		return model.ClassSession{}, fmt.Errorf("%w: %s", ErrClassExists, in.ClassID)
	}
	if err != nil {
		return model.ClassSession{}, unavailable("create session", err)
	}
	e.log.Info("class session created",
		zap.String(logger.FieldClassID, sess.ClassID),
		zap.Time("start", sess.StartTime),
		zap.Time("end", sess.EndTime))
	return e.localizeSession(sess), nil
}

// GetSession returns a class session.
func (e *Engine) GetSession(ctx context.Context, classID string) (model.ClassSession, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	sess, err := e.session(ctx, classID)
	if err != nil {
		return model.ClassSession{}, err
	}
	return e.localizeSession(sess), nil
}

// ActiveSessions returns the classes in session now.
func (e *Engine) ActiveSessions(ctx context.Context) ([]model.ClassSession, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	out, err := e.store.ActiveSessions(ctx, e.clock.Now())
	if err != nil {
		return nil, unavailable("active sessions", err)
	}
	for i := range out {
		out[i] = e.localizeSession(out[i])
	}
	return out, nil
}

// SessionUpdate lists the fields to change. Nil fields are kept.
type SessionUpdate struct {
	ClassName  *string
	Instructor *string
	Room       *string
	Start      *time.Time
	End        *time.Time
}

// UpdateSession changes a class. Moving the window changes its period
// tiling for every later verification.
func (e *Engine) UpdateSession(ctx context.Context, classID string, upd SessionUpdate) (model.ClassSession, error) {
	if upd == (SessionUpdate{}) {
		return model.ClassSession{}, ErrNoChanges
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()
	sess, err := e.session(ctx, classID)
	if err != nil {
		return model.ClassSession{}, err
	}
	if upd.ClassName != nil && *upd.ClassName != "" {
		sess.ClassName = *upd.ClassName
	}
	if upd.Instructor != nil {
		sess.Instructor = upd.Instructor
	}
	if upd.Room != nil {
		sess.Room = upd.Room
	}
	if upd.Start != nil {
		sess.StartTime = *upd.Start
	}
	if upd.End != nil {
		sess.EndTime = *upd.End
	}
	if !sess.EndTime.After(sess.StartTime) {
		return model.ClassSession{}, ErrInvalidSchedule
	}
	return e.saveSession(ctx, sess, "class session updated")
}

// EndSession moves the end of a running class to now. A class already over
// is returned unchanged with ended=false.
func (e *Engine) EndSession(ctx context.Context, classID string) (sess model.ClassSession, ended bool, err error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	sess, err = e.session(ctx, classID)
	if err != nil {
		return model.ClassSession{}, false, err
	}
	now := e.clock.Now()
	if !now.Before(sess.EndTime) {
		return e.localizeSession(sess), false, nil
	}
	if !now.After(sess.StartTime) {
		return model.ClassSession{}, false, fmt.Errorf("%w: %s starts at %s", ErrClassNotStarted, classID, sess.StartTime.In(e.clock.Location()).Format(time.RFC3339))
	}
	sess.EndTime = now
	sess, err = e.saveSession(ctx, sess, "class session ended")
	if err != nil {
		return model.ClassSession{}, false, err
	}
	return sess, true, nil
}

// DeleteSession removes a class with its records, tokens and emotion events.
func (e *Engine) DeleteSession(ctx context.Context, classID string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	err := e.store.DeleteSession(ctx, classID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if err != nil {
		return unavailable("delete session", err)
	}
	e.log.Info("class session deleted", zap.String(logger.FieldClassID, classID))
	return nil
}

// SessionStats is the attendance view of one class.
type SessionStats struct {
	Session    model.ClassSession `json:"class_info"`
	Attendance Report             `json:"attendance"`
}

// SessionStats returns a class with its attendance report.
func (e *Engine) SessionStats(ctx context.Context, classID string) (SessionStats, error) {
	sess, err := e.GetSession(ctx, classID)
	if err != nil {
		return SessionStats{}, err
	}
	rep, err := e.Report(ctx, classID)
	if err != nil {
		return SessionStats{}, err
	}
	return SessionStats{Session: sess, Attendance: rep}, nil
}

func (e *Engine) saveSession(ctx context.Context, sess model.ClassSession, msg string) (model.ClassSession, error) {
	loc := e.clock.Location()
	sess.StartTime = sess.StartTime.In(loc)
	sess.EndTime = sess.EndTime.In(loc)
	out, err := e.store.UpdateSession(ctx, sess)
	if errors.Is(err, model.ErrNotFound) {
		return model.ClassSession{}, fmt.Errorf("%w: %s", ErrClassNotFound, sess.ClassID)
	}
	if err != nil {
		return model.ClassSession{}, unavailable("update session", err)
	}
	e.log.Info(msg,
		zap.String(logger.FieldClassID, out.ClassID),
		zap.Time("start", out.StartTime),
		zap.Time("end", out.EndTime))
	return e.localizeSession(out), nil
}

// RefreshSessionStats recomputes the denormalised counters of a class:
// total_students counts active students, present_count counts present and
// late records.
func (e *Engine) RefreshSessionStats(ctx context.Context, classID string) (model.ClassSession, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	sess, err := e.session(ctx, classID)
	if err != nil {
		return model.ClassSession{}, err
	}
	total, err := e.store.CountActiveStudents(ctx)
	if err != nil {
		return model.ClassSession{}, unavailable("count students", err)
	}
	recs, err := e.store.ListRecords(ctx, classID)
	if err != nil {
		return model.ClassSession{}, unavailable("list records", err)
	}
	present := 0
	for _, r := range recs {
		if r.Status == model.StatusPresent || r.Status == model.StatusLate {
			present++
		}
	}
	var rate float64
	if total > 0 {
		rate = round2(float64(present) / float64(total) * 100)
	}
	if err := e.store.UpdateSessionStats(ctx, classID, total, present, rate); err != nil {
		return model.ClassSession{}, unavailable("update session stats", err)
	}
	sess.TotalStudents, sess.PresentCount, sess.AttendanceRate = total, present, rate
	return e.localizeSession(sess), nil
}

func (e *Engine) localizeSession(s model.ClassSession) model.ClassSession {
	loc := e.clock.Location()
	s.StartTime = clock.In(s.StartTime, loc)
	s.EndTime = clock.In(s.EndTime, loc)
	s.CreatedAt = clock.In(s.CreatedAt, loc)
	return s
}
