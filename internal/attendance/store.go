package attendance

import (
	"context"
	"time"

	"smartclassroom/internal/matcher"
	"smartclassroom/internal/model"
	"smartclassroom/internal/queue"
)

// RecordStore persists attendance records. InsertRecord must be atomic with
// respect to the (student_id, class_id) uniqueness rule: when a record
// already exists it returns that record and inserted=false.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec model.AttendanceRecord) (stored model.AttendanceRecord, inserted bool, err error)
	GetRecord(ctx context.Context, studentID, classID string) (model.AttendanceRecord, error)
	ListRecords(ctx context.Context, classID string) ([]model.AttendanceRecord, error)
	StudentHistory(ctx context.Context, studentID string, limit int) ([]model.AttendanceRecord, error)
	UpdateRecordStatus(ctx context.Context, id int64, status model.Status) (model.AttendanceRecord, error)
	DeleteRecord(ctx context.Context, id int64) error
}

// SessionStore persists class sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s model.ClassSession) (model.ClassSession, error)
	GetSession(ctx context.Context, classID string) (model.ClassSession, error)
	ActiveSessions(ctx context.Context, at time.Time) ([]model.ClassSession, error)
	UpdateSessionStats(ctx context.Context, classID string, total, present int, rate float64) error
	UpdateSession(ctx context.Context, s model.ClassSession) (model.ClassSession, error)
	// DeleteSession also removes the records, tokens and emotion events of the class.
	DeleteSession(ctx context.Context, classID string) error
}

// StudentStore persists students and their face templates.
type StudentStore interface {
	CreateStudent(ctx context.Context, s model.Student) (model.Student, error)
	GetStudent(ctx context.Context, studentID string) (model.Student, error)
	ListStudents(ctx context.Context, activeOnly bool) ([]model.Student, error)
	UpdateEmbedding(ctx context.Context, studentID string, embedding []float32) error
	SetActive(ctx context.Context, studentID string, active bool) error
	CountActiveStudents(ctx context.Context) (int, error)
}

// Store is everything the engine needs from a datastore.
type Store interface {
	RecordStore
	SessionStore
	StudentStore
	matcher.EmbeddingStore
	matcher.DimensionReporter
	Ping(ctx context.Context) error
}

// Embedder turns an image into a face embedding. It returns
// faceclient.ErrNoFace and faceclient.ErrInvalidImage for the two input
// conditions; any other error is an infrastructure failure.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// Publisher receives attendance events.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}
