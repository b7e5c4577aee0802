package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/matcher"
	"smartclassroom/internal/memstore"
	"smartclassroom/internal/model"
	"smartclassroom/internal/period"
	"smartclassroom/internal/qrtoken"
	"smartclassroom/internal/queue"
	"smartclassroom/internal/rotcode"
)

const classID = "MATH-101"

var ect = time.FixedZone("ECT", -5*3600)

func at(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, ect) }

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, image []byte) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	switch string(image) {
	case "noface":
		return nil, faceclient.ErrNoFace
	case "broken":
		return nil, faceclient.ErrInvalidImage
	case "boom":
		return nil, errors.New("model server down")
	}
	if v, ok := f.vectors[string(image)]; ok {
		return v, nil
	}
	return []float32{-500, -500}, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type harness struct {
	eng    *Engine
	store  *memstore.Store
	clk    *clock.Fixed
	emb    *fakeEmbedder
	pub    *recordingPublisher
	codes  *rotcode.Generator
	tokens *qrtoken.Service
}

func studentID(i int) string { return fmt.Sprintf("S%02d", i) }

// vec places student i far enough from every other student that only an
// exact photo matches under a 0.6 threshold.
func vec(i int) []float32 { return []float32{float32(i) * 10, 0} }

func newHarness(t *testing.T, students int) *harness {
	t.Helper()
	return newHarnessWithStore(t, students, nil)
}

func newHarnessWithStore(t *testing.T, students int, wrap func(*memstore.Store) Store) *harness {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	_, err := st.CreateSession(ctx, model.ClassSession{ClassID: classID, ClassName: "Algebra", StartTime: at(9, 0), EndTime: at(11, 0)})
	require.NoError(t, err)

	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	for i := 1; i <= students; i++ {
		_, err := st.CreateStudent(ctx, model.Student{StudentID: studentID(i), Name: "Student " + studentID(i), Embedding: vec(i), Active: true})
		require.NoError(t, err)
		emb.vectors["photo-"+studentID(i)] = vec(i)
	}

	var store Store = st
	if wrap != nil {
		store = wrap(st)
	}

	clk := &clock.Fixed{T: at(9, 10), Loc: ect}
	codes, err := rotcode.New("test-secret", 2*time.Minute, clk)
	require.NoError(t, err)
	periods := period.New(time.Hour, ect)
	tokens := qrtoken.NewService(qrtoken.Config{
		Store: st, Sessions: st, Codes: codes, Periods: periods, Clock: clk, BaseURL: "http://localhost",
	})
	pub := &recordingPublisher{}
	m := matcher.New(store, matcher.Options{Metric: matcher.Euclidean, Threshold: 0.6, Dimension: 2}, nil)

	eng := NewEngine(Config{
		Store:     store,
		Matcher:   m,
		Periods:   periods,
		Codes:     codes,
		Tokens:    tokens,
		Embedder:  emb,
		Publisher: pub,
		Clock:     clk,
		MaxBatch:  50,
		Timeout:   5 * time.Second,
		Dimension: 2,
	})
	return &harness{eng: eng, store: st, clk: clk, emb: emb, pub: pub, codes: codes, tokens: tokens}
}

func TestVerifyByFaceScenario(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	cases := []struct {
		when   time.Time
		status model.Status
		period *int
	}{
		{at(9, 10), model.StatusPresent, model.IntPtr(1)},
		{at(9, 20), model.StatusLate, model.IntPtr(1)},
		{at(10, 5), model.StatusPresent, model.IntPtr(2)},
		{at(11, 30), model.StatusAbsent, nil},
	}
	for i, tc := range cases {
		h.clk.Set(tc.when)
		out, err := h.eng.VerifyByFace(ctx, vec(i+1), classID)
		require.NoError(t, err)
		require.True(t, out.Success)
		assert.False(t, out.AlreadyRegistered)
		assert.Equal(t, ReasonRegistered, out.Reason)
		assert.Equal(t, studentID(i+1), out.StudentID)
		require.NotNil(t, out.Record)
		assert.Equal(t, tc.status, out.Record.Status, tc.when.Format("15:04"))
		assert.Equal(t, tc.period, out.Record.PeriodNumber)
		assert.Equal(t, model.MethodFace, out.Record.Method)
		assert.InDelta(t, 1.0, out.Confidence, 1e-9)
		assert.True(t, out.Record.Timestamp.Equal(tc.when))
	}
	assert.Len(t, h.pub.msgs, 4)
}

func TestVerifyByFaceNotRecognizedWritesNothing(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	out, err := h.eng.VerifyByFace(ctx, []float32{15, 0}, classID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonNotRecognized, out.Reason)
	assert.NotEmpty(t, out.Message)

	recs, err := h.store.ListRecords(ctx, classID)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, h.pub.msgs)
}

func TestVerifyByFaceIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first, err := h.eng.VerifyByFace(ctx, vec(1), classID)
	require.NoError(t, err)
	require.True(t, first.Success)

	h.clk.Advance(30 * time.Minute)
	second, err := h.eng.VerifyByFace(ctx, vec(1), classID)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyRegistered)
	assert.Equal(t, ReasonAlreadyRegistered, second.Reason)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, model.StatusPresent, second.Record.Status, "existing record is not mutated")

	recs, err := h.store.ListRecords(ctx, classID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Len(t, h.pub.msgs, 1)
}

func TestAlreadyRegisteredReportsStoredMatch(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first, err := h.eng.VerifyByFace(ctx, vec(1), classID)
	require.NoError(t, err)
	require.True(t, first.Success)

	near := vec(1)
	near[0] += 0.3
	second, err := h.eng.VerifyByFace(ctx, near, classID)
	require.NoError(t, err)
	require.True(t, second.AlreadyRegistered)
	assert.Equal(t, second.Record.Confidence, second.Confidence)
	assert.Equal(t, second.Record.MatchDistance, second.Distance)
	assert.InDelta(t, first.Distance, second.Distance, 1e-9)
}

func TestVerifyByFaceConcurrentSameStudent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	const n = 25
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.eng.VerifyByFace(ctx, vec(1), classID)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	registered := 0
	for _, out := range outcomes {
		assert.True(t, out.Success)
		if !out.AlreadyRegistered {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
	recs, err := h.store.ListRecords(ctx, classID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestVerifyByFaceErrors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.eng.VerifyByFace(ctx, vec(1), "NOPE")
	assert.ErrorIs(t, err, ErrClassNotFound)

	_, err = h.eng.VerifyByFace(ctx, []float32{1, 2, 3}, classID)
	assert.ErrorIs(t, err, matcher.ErrDimensionMismatch)
}

func TestVerifyImage(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	out, err := h.eng.VerifyImage(ctx, []byte("photo-S02"), classID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "S02", out.StudentID)

	out, err = h.eng.VerifyImage(ctx, []byte("noface"), classID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonNoFace, out.Reason)

	out, err = h.eng.VerifyImage(ctx, []byte("stranger"), classID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotRecognized, out.Reason)

	_, err = h.eng.VerifyImage(ctx, []byte("broken"), classID)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = h.eng.VerifyImage(ctx, []byte("boom"), classID)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type failingRecords struct {
	*memstore.Store
}

func (failingRecords) InsertRecord(context.Context, model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	return model.AttendanceRecord{}, false, errors.New("connection refused")
}

func TestVerifyDatastoreFailureIsRetryable(t *testing.T) {
	h := newHarnessWithStore(t, 1, func(s *memstore.Store) Store { return failingRecords{s} })

	_, err := h.eng.VerifyByFace(context.Background(), vec(1), classID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPublishFailureDoesNotFailVerification(t *testing.T) {
	h := newHarness(t, 1)
	h.pub.err = errors.New("redis down")

	out, err := h.eng.VerifyByFace(context.Background(), vec(1), classID)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestPublishedEvent(t *testing.T) {
	h := newHarness(t, 1)
	h.clk.Set(at(9, 30))

	_, err := h.eng.VerifyByFace(context.Background(), vec(1), classID)
	require.NoError(t, err)
	require.Len(t, h.pub.msgs, 1)

	msg := h.pub.msgs[0]
	assert.Equal(t, queue.TypeAttendanceMarked, msg.Type)
	var body queue.AttendanceMarked
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, queue.AttendanceMarked{ClassID: classID, StudentID: "S01", Status: "late"}, body)
}

// wrongCode returns a well-formed code accepted neither now nor in the
// previous slot.
func wrongCode(h *harness) string {
	now := h.clk.Now()
	cur := h.codes.At(classID, now).Code
	prev := h.codes.At(classID, now.Add(-h.codes.Rotation())).Code
	for i := 0; ; i++ {
		c := fmt.Sprintf("%06d", i)
		if c != cur && c != prev {
			return c
		}
	}
}

func TestVerifyByCode(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	qr, err := h.tokens.GenerateQR(ctx, classID, 1)
	require.NoError(t, err)

	h.clk.Set(at(9, 20))
	code := h.codes.Current(classID).Code
	out, err := h.eng.VerifyByCode(ctx, qr.Token, "S01", code)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.False(t, out.AlreadyRegistered)
	assert.Equal(t, "Student S01", out.StudentName)
	assert.Equal(t, 1.0, out.Record.Confidence)
	assert.Equal(t, 0.0, out.Record.MatchDistance)
	assert.Equal(t, model.MethodCode, out.Record.Method)
	assert.Equal(t, model.StatusLate, out.Record.Status)
	assert.Equal(t, model.IntPtr(1), out.Record.PeriodNumber)

	again, err := h.eng.VerifyByCode(ctx, qr.Token, "S01", code)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.True(t, again.AlreadyRegistered)

	// Face verification of the same student resolves to the same record.
	face, err := h.eng.VerifyByFace(ctx, vec(1), classID)
	require.NoError(t, err)
	assert.True(t, face.AlreadyRegistered)
	assert.Equal(t, out.Record.ID, face.Record.ID)
}

func TestVerifyByCodeGraceSlot(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	qr, err := h.tokens.GenerateQR(ctx, classID, 1)
	require.NoError(t, err)

	h.clk.Set(at(9, 59).Add(50 * time.Second))
	code := h.codes.Current(classID).Code
	h.clk.Set(at(10, 0).Add(10 * time.Second))

	out, err := h.eng.VerifyByCode(ctx, qr.Token, "S01", code)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, model.IntPtr(2), out.Record.PeriodNumber)
}

func TestVerifyByCodeRejections(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	qr, err := h.tokens.GenerateQR(ctx, classID, 1)
	require.NoError(t, err)
	code := h.codes.Current(classID).Code

	_, err = h.eng.VerifyByCode(ctx, qr.Token, "S01", "12ab56")
	assert.ErrorIs(t, err, ErrInvalidCodeFormat)

	out, err := h.eng.VerifyByCode(ctx, "not-a-token", "S01", code)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidToken, out.Reason)

	out, err = h.eng.VerifyByCode(ctx, qr.Token, "S01", wrongCode(h))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonInvalidCode, out.Reason)

	_, err = h.eng.VerifyByCode(ctx, qr.Token, "X99", code)
	assert.ErrorIs(t, err, ErrStudentNotFound)

	require.NoError(t, h.store.SetActive(ctx, "S02", false))
	_, err = h.eng.VerifyByCode(ctx, qr.Token, "S02", code)
	assert.ErrorIs(t, err, ErrStudentNotFound)

	h.clk.Set(qr.ExpiresAt.Add(time.Second))
	out, err = h.eng.VerifyByCode(ctx, qr.Token, "S01", h.codes.Current(classID).Code)
	require.NoError(t, err)
	assert.Equal(t, ReasonExpiredToken, out.Reason)

	recs, err := h.store.ListRecords(ctx, classID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
