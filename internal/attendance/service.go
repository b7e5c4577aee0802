// Package attendance turns face matches and rotating codes into attendance
// records. At most one record exists per student and class; repeated
// verifications resolve to the stored record.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/matcher"
	"smartclassroom/internal/metrics"
	"smartclassroom/internal/model"
	"smartclassroom/internal/period"
	"smartclassroom/internal/qrtoken"
	"smartclassroom/internal/queue"
	"smartclassroom/internal/rotcode"
)

// DefaultMaxBatch is the largest batch accepted when none is configured.
const DefaultMaxBatch = 50

var (
	ErrEmptyBatch        = errors.New("attendance: empty batch")
	ErrBatchTooLarge     = errors.New("attendance: batch exceeds maximum size")
	ErrInvalidCodeFormat = errors.New("attendance: code must be 6 digits")
	ErrClassNotFound     = errors.New("attendance: class not found")
	ErrStudentNotFound   = errors.New("attendance: student not found")
	ErrRecordNotFound    = errors.New("attendance: record not found")
	ErrInvalidImage      = errors.New("attendance: invalid image")
	ErrInvalidStatus     = errors.New("attendance: invalid status")
	// ErrUnavailable wraps datastore and embedding failures. Callers may retry.
	ErrUnavailable = model.ErrUnavailable
)

// Outcome reasons.
const (
	ReasonRegistered        = "registered"
	ReasonAlreadyRegistered = "already_registered"
	ReasonNotRecognized     = "not_recognized"
	ReasonNoFace            = "no_face"
	ReasonInvalidImage      = "invalid_image"
	ReasonInvalidToken      = "invalid_token"
	ReasonExpiredToken      = "expired_token"
	ReasonInvalidCode       = "invalid_code"
)

// Outcome is the result of one verification. Negative recognition results
// are outcomes, not errors.
type Outcome struct {
	Success           bool                    `json:"success"`
	AlreadyRegistered bool                    `json:"already_registered"`
	Reason            string                  `json:"reason"`
	Message           string                  `json:"message"`
	StudentID         string                  `json:"student_id,omitempty"`
	StudentName       string                  `json:"student_name,omitempty"`
	Confidence        float64                 `json:"confidence"`
	Distance          float64                 `json:"match_distance"`
	Ambiguous         bool                    `json:"ambiguous,omitempty"`
	Record            *model.AttendanceRecord `json:"record,omitempty"`
}

// Config bundles the collaborators of an Engine.
type Config struct {
	Store     Store
	Matcher   *matcher.Matcher
	Periods   *period.Calculator
	Codes     *rotcode.Generator
	Tokens    *qrtoken.Service
	Embedder  Embedder
	Publisher Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *zap.Logger

	MaxBatch     int
	BatchWorkers int
	// Timeout bounds each public operation, including its datastore and
	// embedding calls.
	Timeout time.Duration
	// Dimension is the configured embedding length, checked on enrollment.
	Dimension int
}

// Engine is the attendance decision engine.
type Engine struct {
	store     Store
	matcher   *matcher.Matcher
	periods   *period.Calculator
	codes     *rotcode.Generator
	tokens    *qrtoken.Service
	embedder  Embedder
	publisher Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *zap.Logger

	maxBatch  int
	workers   int
	timeout   time.Duration
	dimension int
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem(time.UTC)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 4
	}
	return &Engine{
		store:     cfg.Store,
		matcher:   cfg.Matcher,
		periods:   cfg.Periods,
		codes:     cfg.Codes,
		tokens:    cfg.Tokens,
		embedder:  cfg.Embedder,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		maxBatch:  cfg.MaxBatch,
		workers:   cfg.BatchWorkers,
		timeout:   cfg.Timeout,
		dimension: cfg.Dimension,
	}
}

// MaxBatch returns the largest accepted batch.
func (e *Engine) MaxBatch() int { return e.maxBatch }

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// session loads a class session or maps a miss to ErrClassNotFound.
func (e *Engine) session(ctx context.Context, classID string) (model.ClassSession, error) {
	sess, err := e.store.GetSession(ctx, classID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ClassSession{}, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if err != nil {
		return model.ClassSession{}, unavailable("get session", err)
	}
	return sess, nil
}

// VerifyByFace matches an embedding and records attendance for classID.
func (e *Engine) VerifyByFace(ctx context.Context, embedding []float32, classID string) (Outcome, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	sess, err := e.session(ctx, classID)
	if err != nil {
		return Outcome{}, err
	}
	return e.decideFace(ctx, sess, embedding)
}

// VerifyImage embeds image and runs VerifyByFace. An image without a face
// is a negative outcome; an undecodable image is ErrInvalidImage.
func (e *Engine) VerifyImage(ctx context.Context, image []byte, classID string) (Outcome, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	sess, err := e.session(ctx, classID)
	if err != nil {
		return Outcome{}, err
	}
	emb, out, err := e.embed(ctx, image)
	if err != nil {
		return Outcome{}, err
	}
	if emb == nil {
		e.metrics.Verification(string(model.MethodFace), out.Reason)
		return out, nil
	}
	return e.decideFace(ctx, sess, emb)
}

// embed returns either an embedding, a negative outcome, or an error.
func (e *Engine) embed(ctx context.Context, image []byte) ([]float32, Outcome, error) {
	emb, err := e.embedder.Embed(ctx, image)
	switch {
	case err == nil:
		return emb, Outcome{}, nil
	case errors.Is(err, faceclient.ErrNoFace):
		return nil, Outcome{Reason: ReasonNoFace, Message: "No face detected in the image"}, nil
	case errors.Is(err, faceclient.ErrInvalidImage):
		return nil, Outcome{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	default:
		e.log.Error("embedding failed", zap.Error(err))
		return nil, Outcome{}, unavailable("embed image", err)
	}
}

func (e *Engine) decideFace(ctx context.Context, sess model.ClassSession, embedding []float32) (Outcome, error) {
	res, err := e.matcher.Match(ctx, embedding)
	if err != nil {
		if errors.Is(err, matcher.ErrDimensionMismatch) {
			return Outcome{}, err
		}
		e.log.Error("face match failed", zap.String(logger.FieldClassID, sess.ClassID), zap.Error(err))
		return Outcome{}, unavailable("match", err)
	}
	if !res.Matched {
		e.metrics.Verification(string(model.MethodFace), ReasonNotRecognized)
		e.log.Info("face not recognized", zap.String(logger.FieldClassID, sess.ClassID))
		return Outcome{Reason: ReasonNotRecognized, Message: "Face not recognized"}, nil
	}
	e.metrics.MatchDistance(res.Distance)

	out, err := e.record(ctx, sess, res.StudentID, model.MethodFace, res.Confidence, res.Distance)
	if err != nil {
		return Outcome{}, err
	}
	out.Ambiguous = res.Ambiguous
	return out, nil
}

// VerifyByCode validates the QR token and the rotating code, then records
// attendance for studentID with confidence 1 and distance 0.
func (e *Engine) VerifyByCode(ctx context.Context, token, studentID, code string) (Outcome, error) {
	if !rotcode.WellFormed(code) {
		return Outcome{}, ErrInvalidCodeFormat
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()

	v, err := e.tokens.Validate(ctx, token)
	if err != nil {
		return Outcome{}, unavailable("validate token", err)
	}
	if !v.Valid {
		reason := ReasonInvalidToken
		msg := "QR token is invalid"
		if v.Reason == qrtoken.ReasonExpired {
			reason, msg = ReasonExpiredToken, "QR token has expired"
		}
		e.metrics.Verification(string(model.MethodCode), reason)
		return Outcome{Reason: reason, Message: msg}, nil
	}
	classID := v.Token.ClassID

	cv := e.codes.Validate(classID, code)
	switch {
	case !cv.Valid:
		e.metrics.CodeValidation("invalid")
		e.metrics.Verification(string(model.MethodCode), ReasonInvalidCode)
		e.log.Info("rotating code rejected", zap.String(logger.FieldClassID, classID))
		return Outcome{Reason: ReasonInvalidCode, Message: "Code is incorrect or has expired"}, nil
	case cv.Grace:
		e.metrics.CodeValidation("grace")
	default:
		e.metrics.CodeValidation("valid")
	}

	student, err := e.store.GetStudent(ctx, studentID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !student.Active) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}
	if err != nil {
		return Outcome{}, unavailable("get student", err)
	}

	sess, err := e.session(ctx, classID)
	if err != nil {
		return Outcome{}, err
	}
	out, err := e.record(ctx, sess, student.StudentID, model.MethodCode, 1, 0)
	if err != nil {
		return Outcome{}, err
	}
	out.StudentName = student.Name
	return out, nil
}

// record derives the period status at now and inserts the record unless one
// already exists for the student and class.
func (e *Engine) record(ctx context.Context, sess model.ClassSession, studentID string, method model.Method, confidence, distance float64) (Outcome, error) {
	now := e.clock.Now()
	a := e.periods.Status(sess.StartTime, sess.EndTime, now)

	rec := model.AttendanceRecord{
		StudentID:     studentID,
		ClassID:       sess.ClassID,
		PeriodNumber:  a.PeriodNumber,
		Status:        a.Status,
		Confidence:    confidence,
		MatchDistance: distance,
		Method:        method,
		Timestamp:     now,
	}
	stored, inserted, err := e.store.InsertRecord(ctx, rec)
	if err != nil {
		e.log.Error("insert attendance failed",
			zap.String(logger.FieldClassID, sess.ClassID),
			zap.String(logger.FieldStudentID, studentID),
			zap.Error(err))
		return Outcome{}, unavailable("insert record", err)
	}
	stored.Timestamp = clock.In(stored.Timestamp, e.clock.Location())

	out := Outcome{
		Success:    true,
		StudentID:  studentID,
		Confidence: confidence,
		Distance:   distance,
		Record:     &stored,
	}
	if !inserted {
		out.Confidence = stored.Confidence
		out.Distance = stored.MatchDistance
		out.AlreadyRegistered = true
		out.Reason = ReasonAlreadyRegistered
		out.Message = "Attendance already registered for this class"
		e.metrics.Verification(string(method), ReasonAlreadyRegistered)
		e.log.Debug("attendance already registered",
			zap.String(logger.FieldClassID, sess.ClassID),
			zap.String(logger.FieldStudentID, studentID))
		return out, nil
	}

	out.Reason = ReasonRegistered
	out.Message = fmt.Sprintf("Attendance registered: %s", stored.Status)
	e.metrics.Verification(string(method), ReasonRegistered)
	e.log.Info("attendance registered",
		zap.String(logger.FieldClassID, sess.ClassID),
		zap.String(logger.FieldStudentID, studentID),
		zap.String(logger.FieldStatus, string(stored.Status)),
		zap.String("method", string(method)))
	e.publish(ctx, stored)
	return out, nil
}

// publish emits an attendance event. Failures are logged only.
func (e *Engine) publish(ctx context.Context, rec model.AttendanceRecord) {
	if e.publisher == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceMarked, queue.AttendanceMarked{
		ClassID:   rec.ClassID,
		StudentID: rec.StudentID,
		Status:    string(rec.Status),
	})
	if err == nil {
		err = e.publisher.Publish(ctx, msg)
	}
	e.metrics.QueueEvent("publish", err)
	if err != nil {
		e.log.Warn("attendance event not published",
			zap.String(logger.FieldClassID, rec.ClassID),
			zap.String(logger.FieldStudentID, rec.StudentID),
			zap.Error(err))
	}
}
