package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"smartclassroom/internal/matcher"
	"smartclassroom/internal/model"
)

const uniqueViolation = "23505"

// Repository persists attendance data in Postgres with pgvector.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// encodeVector renders v as a pgvector text literal.
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func distanceOperator(m matcher.Metric) string {
	if m == matcher.Cosine {
		return "<=>"
	}
	return "<->"
}

// ---- students ----

const studentColumns = `id, student_id, name, email, is_active, enrolled_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (model.Student, error) {
	var s model.Student
	err := row.Scan(&s.ID, &s.StudentID, &s.Name, &s.Email, &s.Active, &s.EnrolledAt, &s.UpdatedAt)
	return s, err
}

// CreateStudent inserts a student with its template.
func (r *Repository) CreateStudent(ctx context.Context, s model.Student) (model.Student, error) {
	var emb any
	if len(s.Embedding) > 0 {
		emb = encodeVector(s.Embedding)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (student_id, name, email, face_embedding, is_active)
		VALUES ($1, $2, $3, $4::vector, $5)
		RETURNING `+studentColumns, s.StudentID, s.Name, s.Email, emb, s.Active)
	out, err := scanStudent(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Student{}, model.ErrConflict
		}
		return model.Student{}, err
	}
	out.Embedding = s.Embedding
	return out, nil
}

// GetStudent returns a student by student_id. The template is not loaded.
func (r *Repository) GetStudent(ctx context.Context, studentID string) (model.Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE student_id = $1`, studentID)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, model.ErrNotFound
	}
	return s, err
}

// ListStudents returns students ordered by student_id.
func (r *Repository) ListStudents(ctx context.Context, activeOnly bool) ([]model.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY student_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateEmbedding replaces a student's template.
func (r *Repository) UpdateEmbedding(ctx context.Context, studentID string, embedding []float32) error {
	return r.execOne(ctx, `
		UPDATE students SET face_embedding = $2::vector, updated_at = NOW()
		WHERE student_id = $1
	`, studentID, encodeVector(embedding))
}

// SetActive soft-deletes or restores a student.
func (r *Repository) SetActive(ctx context.Context, studentID string, active bool) error {
	return r.execOne(ctx, `
		UPDATE students SET is_active = $2, updated_at = NOW()
		WHERE student_id = $1
	`, studentID, active)
}

// CountActiveStudents counts enrolled, active students.
func (r *Repository) CountActiveStudents(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE is_active`).Scan(&n)
	return n, err
}

// Nearest runs the pgvector nearest-neighbour query over active templates.
func (r *Repository) Nearest(ctx context.Context, query []float32, metric matcher.Metric, threshold float64, limit int) ([]matcher.Candidate, error) {
	op := distanceOperator(metric)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT student_id, (face_embedding %[1]s $1::vector)::float8 AS distance
		FROM students
		WHERE is_active AND face_embedding IS NOT NULL
		  AND (face_embedding %[1]s $1::vector) < $2
		ORDER BY distance, student_id
		LIMIT $3
	`, op), encodeVector(query), threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []matcher.Candidate
	for rows.Next() {
		var c matcher.Candidate
		if err := rows.Scan(&c.StudentID, &c.Distance); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TemplateDimensions lists the distinct dimensions of active templates.
func (r *Repository) TemplateDimensions(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT vector_dims(face_embedding)
		FROM students
		WHERE is_active AND face_embedding IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- class sessions ----

const sessionColumns = `id, class_id, class_name, instructor, room, start_time, end_time,
	total_students, present_count, attendance_rate, created_at`

func scanSession(row scanner) (model.ClassSession, error) {
	var s model.ClassSession
	err := row.Scan(&s.ID, &s.ClassID, &s.ClassName, &s.Instructor, &s.Room, &s.StartTime, &s.EndTime,
		&s.TotalStudents, &s.PresentCount, &s.AttendanceRate, &s.CreatedAt)
	return s, err
}

// CreateSession inserts a class session.
func (r *Repository) CreateSession(ctx context.Context, s model.ClassSession) (model.ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO class_sessions (class_id, class_name, instructor, room, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+sessionColumns, s.ClassID, s.ClassName, s.Instructor, s.Room, s.StartTime, s.EndTime)
	out, err := scanSession(row)
	if isUniqueViolation(err) {
		return model.ClassSession{}, model.ErrConflict
	}
	return out, err
}

// GetSession returns a class session by class_id.
func (r *Repository) GetSession(ctx context.Context, classID string) (model.ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE class_id = $1`, classID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClassSession{}, model.ErrNotFound
	}
	return s, err
}

// ActiveSessions returns sessions whose window contains at.
func (r *Repository) ActiveSessions(ctx context.Context, at time.Time) ([]model.ClassSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions
		WHERE start_time <= $1 AND end_time > $1
		ORDER BY start_time
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionStats stores the denormalised attendance counters.
func (r *Repository) UpdateSessionStats(ctx context.Context, classID string, total, present int, rate float64) error {
	return r.execOne(ctx, `
		UPDATE class_sessions
		SET total_students = $2, present_count = $3, attendance_rate = $4
		WHERE class_id = $1
	`, classID, total, present, rate)
}

// UpdateSession rewrites the descriptive fields and window of a class.
func (r *Repository) UpdateSession(ctx context.Context, s model.ClassSession) (model.ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE class_sessions
		SET class_name = $2, instructor = $3, room = $4, start_time = $5, end_time = $6
		WHERE class_id = $1
		RETURNING `+sessionColumns, s.ClassID, s.ClassName, s.Instructor, s.Room, s.StartTime, s.EndTime)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClassSession{}, model.ErrNotFound
	}
	return out, err
}

// DeleteSession removes a class and every row keyed by its class_id in one
// transaction.
func (r *Repository) DeleteSession(ctx context.Context, classID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM attendance_records WHERE class_id = $1`,
		`DELETE FROM emotion_events WHERE class_id = $1`,
		`DELETE FROM qr_tokens WHERE class_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, classID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM class_sessions WHERE class_id = $1`, classID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return tx.Commit()
}

// ---- attendance records ----

const recordColumns = `id, student_id, class_id, period_number, status, confidence, match_distance, method, recorded_at`

func scanRecord(row scanner) (model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := row.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.PeriodNumber, &rec.Status,
		&rec.Confidence, &rec.MatchDistance, &rec.Method, &rec.Timestamp)
	return rec, err
}

// InsertRecord relies on the (student_id, class_id) unique constraint: a
// conflicting insert returns no row, and the existing record is loaded.
func (r *Repository) InsertRecord(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (student_id, class_id, period_number, status, confidence, match_distance, method, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, class_id) DO NOTHING
		RETURNING id
	`, rec.StudentID, rec.ClassID, rec.PeriodNumber, rec.Status, rec.Confidence, rec.MatchDistance, rec.Method, rec.Timestamp)
	err := row.Scan(&rec.ID)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, false, err
	}
	existing, err := r.GetRecord(ctx, rec.StudentID, rec.ClassID)
	if err != nil {
		return model.AttendanceRecord{}, false, fmt.Errorf("load conflicting record: %w", err)
	}
	return existing, false, nil
}

// GetRecord returns the record of a student in a class.
func (r *Repository) GetRecord(ctx context.Context, studentID, classID string) (model.AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND class_id = $2
	`, studentID, classID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, model.ErrNotFound
	}
	return rec, err
}

// ListRecords returns a class's records in arrival order.
func (r *Repository) ListRecords(ctx context.Context, classID string) ([]model.AttendanceRecord, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE class_id = $1
		ORDER BY recorded_at, id
	`, classID)
}

// StudentHistory returns a student's most recent records first.
func (r *Repository) StudentHistory(ctx context.Context, studentID string, limit int) ([]model.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, studentID, limit)
}

// UpdateRecordStatus is the manual correction path.
func (r *Repository) UpdateRecordStatus(ctx context.Context, id int64, status model.Status) (model.AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records SET status = $2
		WHERE id = $1
		RETURNING `+recordColumns, id, status)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, model.ErrNotFound
	}
	return rec, err
}

// DeleteRecord removes a record.
func (r *Repository) DeleteRecord(ctx context.Context, id int64) error {
	return r.execOne(ctx, `DELETE FROM attendance_records WHERE id = $1`, id)
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]model.AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- qr tokens ----

const tokenColumns = `token, class_id, period_number, expires_at, is_active, created_at`

// SaveToken deactivates the active token of the class period and inserts tok
// in one transaction. A concurrent issue for the same period surfaces as
// model.ErrConflict through the partial unique index.
func (r *Repository) SaveToken(ctx context.Context, tok model.QRToken) (model.QRToken, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.QRToken{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE qr_tokens SET is_active = FALSE
		WHERE class_id = $1 AND period_number = $2 AND is_active
	`, tok.ClassID, tok.PeriodNumber); err != nil {
		return model.QRToken{}, err
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO qr_tokens (token, class_id, period_number, expires_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+tokenColumns, tok.Token, tok.ClassID, tok.PeriodNumber, tok.ExpiresAt)
	var out model.QRToken
	if err := row.Scan(&out.Token, &out.ClassID, &out.PeriodNumber, &out.ExpiresAt, &out.Active, &out.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return model.QRToken{}, model.ErrConflict
		}
		return model.QRToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.QRToken{}, err
	}
	return out, nil
}

// GetToken returns a token row.
func (r *Repository) GetToken(ctx context.Context, token string) (model.QRToken, error) {
	var out model.QRToken
	err := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE token = $1`, token).
		Scan(&out.Token, &out.ClassID, &out.PeriodNumber, &out.ExpiresAt, &out.Active, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QRToken{}, model.ErrNotFound
	}
	return out, err
}

// DeactivateToken revokes a token.
func (r *Repository) DeactivateToken(ctx context.Context, token string) error {
	return r.execOne(ctx, `UPDATE qr_tokens SET is_active = FALSE WHERE token = $1`, token)
}

// execOne runs a statement that must touch exactly one row.
func (r *Repository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
