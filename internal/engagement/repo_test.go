package engagement

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclassroom/internal/model"
)

var eventCols = []string{"id", "student_id", "class_id", "dominant_emotion", "confidence", "emotion_scores", "detected_at"}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewRepository(db), mock
}

func TestRepositoryInsertEmotion(t *testing.T) {
	repo, mock := newMockRepo(t)
	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO emotion_events")).
		WithArgs("S1", "C1", "happy", 0.9, `{"happy":0.9}`, ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	ev, err := repo.InsertEmotion(context.Background(), model.EmotionEvent{
		StudentID: "S1", ClassID: "C1", DominantEmotion: "happy", Confidence: 0.9,
		Scores: map[string]float64{"happy": 0.9}, DetectedAt: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ev.ID)
}

func TestRepositoryClassEmotionsRange(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	ts := from.Add(10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE class_id = $1 AND detected_at >= $2 ORDER BY detected_at")).
		WithArgs("C1", from).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(int64(1), "S1", "C1", "sad", 0.4, []byte(`{"sad":0.4}`), ts).
			AddRow(int64(2), "S2", "C1", "happy", 0.8, nil, ts))

	events, err := repo.ClassEmotions(context.Background(), "C1", &from, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.InDelta(t, 0.4, events[0].Scores["sad"], 1e-9)
	assert.Nil(t, events[1].Scores)
}

func TestRepositoryStudentEmotionsAllClasses(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE student_id = $1 ORDER BY detected_at, id LIMIT $2")).
		WithArgs("S1", 100).
		WillReturnRows(sqlmock.NewRows(eventCols))

	events, err := repo.StudentEmotions(context.Background(), "S1", "", 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}
