package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/config"
)

func memoryConfig() config.App {
	return config.App{
		Env:             "test",
		StoreBackend:    "memory",
		QueueBackend:    "memory",
		FaceSkip:        true,
		Timezone:        "UTC",
		MatchThreshold:  0.6,
		DistanceMetric:  "euclidean",
		EmbeddingDim:    16,
		PeriodDuration:  time.Hour,
		RotationMinutes: 2,
		CodeSecret:      "secret",
		MaxBatchSize:    5,
		RequestTimeout:  5 * time.Second,
		PublicBaseURL:   "http://localhost",
	}
}

func TestBuildMemory(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.InProcessQueue())
	assert.Contains(t, a.Checks, "store")
	assert.NotContains(t, a.Checks, "face")
	assert.Equal(t, 5, a.Engine.MaxBatch())

	now := a.Clock.Now()
	_, err = a.Engine.CreateSession(ctx, attendance.NewSession{ClassID: "C1", Start: now.Add(-time.Minute), End: now.Add(time.Hour)})
	require.NoError(t, err)
	st, err := a.Engine.Enroll(ctx, attendance.Enrollment{StudentID: "S1", Name: "Ada", Image: []byte("photo")})
	require.NoError(t, err)
	assert.True(t, st.Active)

	out, err := a.Engine.VerifyImage(ctx, []byte("photo"), "C1")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "S1", out.StudentID)

	qr, err := a.Tokens.GenerateQR(ctx, "C1", 1)
	require.NoError(t, err)
	assert.Contains(t, qr.PayloadURL, "http://localhost/attendance/verify?token=")

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuildRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.QueueBackend = "redis"
	cfg.RedisAddr = mr.Addr()

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.InProcessQueue())
	require.Contains(t, a.Checks, "redis")
	assert.NoError(t, a.Checks["redis"](context.Background()))
}

func TestBuildUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreBackend = "sqlite"
	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "STORE_BACKEND")

	cfg = memoryConfig()
	cfg.QueueBackend = "kafka"
	_, err = Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "QUEUE_BACKEND")
}
