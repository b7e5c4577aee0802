package engagement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smartclassroom/internal/model"
)

// Repository stores emotion events in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const eventColumns = `id, student_id, class_id, dominant_emotion, confidence, emotion_scores, detected_at`

// InsertEmotion writes an event; scores are stored as JSONB.
func (r *Repository) InsertEmotion(ctx context.Context, ev model.EmotionEvent) (model.EmotionEvent, error) {
	var scores any
	if len(ev.Scores) > 0 {
		raw, err := json.Marshal(ev.Scores)
		if err != nil {
			return model.EmotionEvent{}, err
		}
		scores = string(raw)
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO emotion_events (student_id, class_id, dominant_emotion, confidence, emotion_scores, detected_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING id
	`, ev.StudentID, ev.ClassID, ev.DominantEmotion, ev.Confidence, scores, ev.DetectedAt).Scan(&ev.ID)
	if err != nil {
		return model.EmotionEvent{}, err
	}
	return ev, nil
}

// ClassEmotions returns a class's events, optionally bounded in time.
func (r *Repository) ClassEmotions(ctx context.Context, classID string, from, to *time.Time) ([]model.EmotionEvent, error) {
	clauses := []string{"class_id = $1"}
	args := []any{classID}
	if from != nil {
		args = append(args, *from)
		clauses = append(clauses, fmt.Sprintf("detected_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		clauses = append(clauses, fmt.Sprintf("detected_at <= $%d", len(args)))
	}
	query := `SELECT ` + eventColumns + ` FROM emotion_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY detected_at, id`
	return r.query(ctx, query, args...)
}

// StudentEmotions returns a student's events in time order. An empty classID
// spans every class.
func (r *Repository) StudentEmotions(ctx context.Context, studentID, classID string, limit int) ([]model.EmotionEvent, error) {
	if classID == "" {
		return r.query(ctx, `SELECT `+eventColumns+` FROM emotion_events
			WHERE student_id = $1 ORDER BY detected_at, id LIMIT $2`, studentID, limit)
	}
	return r.query(ctx, `SELECT `+eventColumns+` FROM emotion_events
		WHERE student_id = $1 AND class_id = $2 ORDER BY detected_at, id LIMIT $3`, studentID, classID, limit)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]model.EmotionEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EmotionEvent
	for rows.Next() {
		var ev model.EmotionEvent
		var scores []byte
		if err := rows.Scan(&ev.ID, &ev.StudentID, &ev.ClassID, &ev.DominantEmotion, &ev.Confidence, &scores, &ev.DetectedAt); err != nil {
			return nil, err
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &ev.Scores); err != nil {
				return nil, fmt.Errorf("decode emotion scores: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
