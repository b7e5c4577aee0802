package model

import (
	"errors"
	"time"
)

// Status is the attendance status of a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Method records how attendance was proven.
type Method string

const (
	MethodFace Method = "face"
	MethodCode Method = "code"
)

// Student is an enrolled student together with the face template.
type Student struct {
	ID         int64     `json:"id"`
	StudentID  string    `json:"student_id"`
	Name       string    `json:"name"`
	Email      *string   `json:"email,omitempty"`
	Embedding  []float32 `json:"-"`
	Active     bool      `json:"is_active"`
	EnrolledAt time.Time `json:"enrolled_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ClassSession is a scheduled class. The core only reads StartTime/EndTime.
type ClassSession struct {
	ID             int64     `json:"id"`
	ClassID        string    `json:"class_id"`
	ClassName      string    `json:"class_name"`
	Instructor     *string   `json:"instructor,omitempty"`
	Room           *string   `json:"room,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	TotalStudents  int       `json:"total_students"`
	PresentCount   int       `json:"present_count"`
	AttendanceRate float64   `json:"attendance_rate"`
	CreatedAt      time.Time `json:"created_at"`
}

// AttendanceRecord is the single attendance entry of a student in a class.
type AttendanceRecord struct {
	ID            int64     `json:"id"`
	StudentID     string    `json:"student_id"`
	ClassID       string    `json:"class_id"`
	PeriodNumber  *int      `json:"period_number"`
	Status        Status    `json:"status"`
	Confidence    float64   `json:"confidence"`
	MatchDistance float64   `json:"match_distance"`
	Method        Method    `json:"method"`
	Timestamp     time.Time `json:"timestamp"`
}

// QRToken binds a class period to an opaque credential delivered by QR code.
type QRToken struct {
	Token        string    `json:"token"`
	ClassID      string    `json:"class_id"`
	PeriodNumber int       `json:"period_number"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// EmotionEvent is one emotion observation of a student during a class.
type EmotionEvent struct {
	ID              int64              `json:"id"`
	StudentID       string             `json:"student_id"`
	ClassID         string             `json:"class_id"`
	DominantEmotion string             `json:"dominant_emotion"`
	Confidence      float64            `json:"confidence"`
	Scores          map[string]float64 `json:"emotion_scores,omitempty"`
	DetectedAt      time.Time          `json:"detected_at"`
}

// IntPtr is a small helper for optional period numbers.
func IntPtr(v int) *int { return &v }

var (
	// ErrNotFound is returned by stores when a keyed lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a unique key already exists.
	ErrConflict = errors.New("already exists")
	// ErrUnavailable marks datastore and upstream failures. Callers may retry.
	ErrUnavailable = errors.New("backend unavailable")
)
