// Package memstore is an in-process datastore. It serves STORE_BACKEND=memory
// and tests, and enforces the same uniqueness rules as the Postgres schema.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"smartclassroom/internal/matcher"
	"smartclassroom/internal/model"
)

type recordKey struct {
	studentID string
	classID   string
}

type periodKey struct {
	classID string
	period  int
}

// Store keeps every collection behind one mutex.
type Store struct {
	mu sync.RWMutex

	students map[string]model.Student
	sessions map[string]model.ClassSession
	records  map[recordKey]model.AttendanceRecord
	tokens   map[string]model.QRToken
	active   map[periodKey]string
	emotions []model.EmotionEvent

	nextID int64
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		students: make(map[string]model.Student),
		sessions: make(map[string]model.ClassSession),
		records:  make(map[recordKey]model.AttendanceRecord),
		tokens:   make(map[string]model.QRToken),
		active:   make(map[periodKey]string),
		now:      time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ---- students / templates ----

// CreateStudent stores st. An existing student_id yields model.ErrConflict.
func (s *Store) CreateStudent(_ context.Context, st model.Student) (model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.students[st.StudentID]; ok {
		return model.Student{}, model.ErrConflict
	}
	st.ID = s.id()
	if st.EnrolledAt.IsZero() {
		st.EnrolledAt = s.now()
	}
	st.UpdatedAt = st.EnrolledAt
	st.Embedding = append([]float32(nil), st.Embedding...)
	s.students[st.StudentID] = st
	return st, nil
}

// GetStudent returns a student by student_id.
func (s *Store) GetStudent(_ context.Context, studentID string) (model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[studentID]
	if !ok {
		return model.Student{}, model.ErrNotFound
	}
	return st, nil
}

// ListStudents returns students ordered by student_id.
func (s *Store) ListStudents(_ context.Context, activeOnly bool) ([]model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Student, 0, len(s.students))
	for _, st := range s.students {
		if activeOnly && !st.Active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// UpdateEmbedding replaces a student's template.
func (s *Store) UpdateEmbedding(_ context.Context, studentID string, emb []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return model.ErrNotFound
	}
	st.Embedding = append([]float32(nil), emb...)
	st.UpdatedAt = s.now()
	s.students[studentID] = st
	return nil
}

// SetActive toggles whether a student takes part in matching.
func (s *Store) SetActive(_ context.Context, studentID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return model.ErrNotFound
	}
	st.Active = active
	st.UpdatedAt = s.now()
	s.students[studentID] = st
	return nil
}

// CountActiveStudents counts students with is_active set.
func (s *Store) CountActiveStudents(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.students {
		if st.Active {
			n++
		}
	}
	return n, nil
}

// Nearest scans every active template.
func (s *Store) Nearest(_ context.Context, query []float32, metric matcher.Metric, threshold float64, limit int) ([]matcher.Candidate, error) {
	s.mu.RLock()
	templates := make([]matcher.Template, 0, len(s.students))
	for _, st := range s.students {
		if st.Active && len(st.Embedding) > 0 {
			templates = append(templates, matcher.Template{StudentID: st.StudentID, Embedding: st.Embedding})
		}
	}
	s.mu.RUnlock()
	return matcher.Rank(query, templates, metric, threshold, limit), nil
}

// TemplateDimensions lists the distinct dimensions of active templates.
func (s *Store) TemplateDimensions(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[int]bool{}
	var out []int
	for _, st := range s.students {
		if st.Active && len(st.Embedding) > 0 && !seen[len(st.Embedding)] {
			seen[len(st.Embedding)] = true
			out = append(out, len(st.Embedding))
		}
	}
	sort.Ints(out)
	return out, nil
}

// ---- class sessions ----

// CreateSession stores cs. An existing class_id yields model.ErrConflict.
func (s *Store) CreateSession(_ context.Context, cs model.ClassSession) (model.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[cs.ClassID]; ok {
		return model.ClassSession{}, model.ErrConflict
	}
	cs.ID = s.id()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.now()
	}
	s.sessions[cs.ClassID] = cs
	return cs, nil
}

// GetSession returns a class session by class_id.
func (s *Store) GetSession(_ context.Context, classID string) (model.ClassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[classID]
	if !ok {
		return model.ClassSession{}, model.ErrNotFound
	}
	return cs, nil
}

// ActiveSessions returns sessions with start <= at < end, earliest first.
func (s *Store) ActiveSessions(_ context.Context, at time.Time) ([]model.ClassSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ClassSession
	for _, cs := range s.sessions {
		if !at.Before(cs.StartTime) && at.Before(cs.EndTime) {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// UpdateSessionStats overwrites the denormalised counters of a class.
func (s *Store) UpdateSessionStats(_ context.Context, classID string, total, present int, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[classID]
	if !ok {
		return model.ErrNotFound
	}
	cs.TotalStudents, cs.PresentCount, cs.AttendanceRate = total, present, rate
	s.sessions[classID] = cs
	return nil
}

// UpdateSession overwrites the descriptive fields and window of a class.
// Counters and created_at are kept.
func (s *Store) UpdateSession(_ context.Context, cs model.ClassSession) (model.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[cs.ClassID]
	if !ok {
		return model.ClassSession{}, model.ErrNotFound
	}
	cur.ClassName = cs.ClassName
	cur.Instructor = cs.Instructor
	cur.Room = cs.Room
	cur.StartTime = cs.StartTime
	cur.EndTime = cs.EndTime
	s.sessions[cs.ClassID] = cur
	return cur, nil
}

// DeleteSession removes a class together with its records, tokens and
// emotion events.
func (s *Store) DeleteSession(_ context.Context, classID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[classID]; !ok {
		return model.ErrNotFound
	}
	delete(s.sessions, classID)
	for k := range s.records {
		if k.classID == classID {
			delete(s.records, k)
		}
	}
	for v, tok := range s.tokens {
		if tok.ClassID == classID {
			delete(s.tokens, v)
		}
	}
	for k := range s.active {
		if k.classID == classID {
			delete(s.active, k)
		}
	}
	kept := s.emotions[:0]
	for _, ev := range s.emotions {
		if ev.ClassID != classID {
			kept = append(kept, ev)
		}
	}
	s.emotions = kept
	return nil
}

// ---- attendance records ----

// InsertRecord stores rec unless (student_id, class_id) already has a record,
// in which case the existing one is returned with inserted=false.
func (s *Store) InsertRecord(_ context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.StudentID, rec.ClassID}
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}
	rec.ID = s.id()
	s.records[key] = rec
	return rec, true, nil
}

// GetRecord returns the record of a student in a class.
func (s *Store) GetRecord(_ context.Context, studentID, classID string) (model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{studentID, classID}]
	if !ok {
		return model.AttendanceRecord{}, model.ErrNotFound
	}
	return rec, nil
}

// ListRecords returns the records of a class, oldest first.
func (s *Store) ListRecords(_ context.Context, classID string) ([]model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AttendanceRecord
	for _, r := range s.records {
		if r.ClassID == classID {
			out = append(out, r)
		}
	}
	sortByTime(out, false)
	return out, nil
}

// StudentHistory returns a student's records, newest first.
func (s *Store) StudentHistory(_ context.Context, studentID string, limit int) ([]model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AttendanceRecord
	for _, r := range s.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sortByTime(out, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateRecordStatus changes the status of a record by id.
func (s *Store) UpdateRecordStatus(_ context.Context, id int64, status model.Status) (model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.ID == id {
			r.Status = status
			s.records[k] = r
			return r, nil
		}
	}
	return model.AttendanceRecord{}, model.ErrNotFound
}

// DeleteRecord removes a record by id.
func (s *Store) DeleteRecord(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.ID == id {
			delete(s.records, k)
			return nil
		}
	}
	return model.ErrNotFound
}

func sortByTime(recs []model.AttendanceRecord, desc bool) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if desc {
			a, b = b, a
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// ---- qr tokens ----

// SaveToken deactivates the active token of the same class period first.
func (s *Store) SaveToken(_ context.Context, tok model.QRToken) (model.QRToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Token]; ok {
		return model.QRToken{}, model.ErrConflict
	}
	key := periodKey{tok.ClassID, tok.PeriodNumber}
	if prev, ok := s.active[key]; ok {
		old := s.tokens[prev]
		old.Active = false
		s.tokens[prev] = old
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = s.now()
	}
	tok.Active = true
	s.tokens[tok.Token] = tok
	s.active[key] = tok.Token
	return tok, nil
}

// GetToken returns a token by value.
func (s *Store) GetToken(_ context.Context, token string) (model.QRToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[token]
	if !ok {
		return model.QRToken{}, model.ErrNotFound
	}
	return tok, nil
}

// DeactivateToken clears the active flag of a token.
func (s *Store) DeactivateToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok {
		return model.ErrNotFound
	}
	tok.Active = false
	s.tokens[token] = tok
	key := periodKey{tok.ClassID, tok.PeriodNumber}
	if s.active[key] == token {
		delete(s.active, key)
	}
	return nil
}

// ---- emotion events ----

// InsertEmotion appends an emotion event.
func (s *Store) InsertEmotion(_ context.Context, ev model.EmotionEvent) (model.EmotionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.id()
	s.emotions = append(s.emotions, ev)
	return ev, nil
}

// ClassEmotions returns the events of a class within [from, to], oldest first.
func (s *Store) ClassEmotions(_ context.Context, classID string, from, to *time.Time) ([]model.EmotionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EmotionEvent
	for _, ev := range s.emotions {
		if ev.ClassID != classID {
			continue
		}
		if from != nil && ev.DetectedAt.Before(*from) {
			continue
		}
		if to != nil && ev.DetectedAt.After(*to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// StudentEmotions returns a student's events, optionally for one class, oldest first.
func (s *Store) StudentEmotions(_ context.Context, studentID, classID string, limit int) ([]model.EmotionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EmotionEvent
	for _, ev := range s.emotions {
		if ev.StudentID != studentID || (classID != "" && ev.ClassID != classID) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
