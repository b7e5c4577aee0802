// Package app wires configuration into the services shared by the API and
// worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/clock"
	"smartclassroom/internal/config"
	"smartclassroom/internal/engagement"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/matcher"
	"smartclassroom/internal/memstore"
	"smartclassroom/internal/metrics"
	"smartclassroom/internal/model"
	"smartclassroom/internal/period"
	"smartclassroom/internal/qrtoken"
	"smartclassroom/internal/queue"
	"smartclassroom/internal/rotcode"
	"smartclassroom/internal/store"
)

// App holds the wired services.
type App struct {
	Config     config.App
	Clock      clock.Clock
	Engine     *attendance.Engine
	Tokens     *qrtoken.Service
	Engagement *engagement.Service
	Queue      queue.Queue
	Face       *faceclient.Client
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	// Checks are the dependency probes served by /healthz.
	Checks map[string]func(context.Context) error

	closers []func() error
}

// datastore is everything the services need from a backend.
type datastore interface {
	attendance.Store
	qrtoken.Store
	engagement.Store
}

// Build connects the configured backends. cfg must already be validated.
func Build(ctx context.Context, cfg config.App, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{
		Config: cfg,
		Clock:  clock.NewSystem(loc),
		Checks: map[string]func(context.Context) error{},
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	ds, err := a.openStore(ctx, cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openQueue(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Face = faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.EmbeddingDim)
	if !cfg.FaceSkip {
		a.Checks["face"] = a.Face.Health
	}

	codes, err := rotcode.New(cfg.CodeSecret, time.Duration(cfg.RotationMinutes)*time.Minute, a.Clock)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	periods := period.New(cfg.PeriodDuration, loc)

	a.Tokens = qrtoken.NewService(qrtoken.Config{
		Store:    ds,
		Sessions: ds,
		Codes:    codes,
		Periods:  periods,
		Clock:    a.Clock,
		BaseURL:  cfg.PublicBaseURL,
		Logger:   log.Named("qrtoken"),
	})
	a.Engine = attendance.NewEngine(attendance.Config{
		Store: ds,
		Matcher: matcher.New(ds, matcher.Options{
			Metric:    matcher.Metric(cfg.DistanceMetric),
			Threshold: cfg.MatchThreshold,
			Dimension: cfg.EmbeddingDim,
		}, log.Named("matcher")),
		Periods:   periods,
		Codes:     codes,
		Tokens:    a.Tokens,
		Embedder:  a.Face,
		Publisher: a.Queue,
		Metrics:   a.Metrics,
		Clock:     a.Clock,
		Logger:    log.Named("attendance"),
		MaxBatch:  cfg.MaxBatchSize,
		Timeout:   cfg.RequestTimeout,
		Dimension: cfg.EmbeddingDim,
	})
	a.Engagement = engagement.NewService(ds, a.Face, a.Clock, log.Named("engagement"))

	if err := a.Engine.CheckTemplates(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("stored templates: %w", err)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.App, log *zap.Logger) (datastore, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		ms := memstore.New()
		a.Checks["store"] = ms.Ping
		return ms, nil
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect failed: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Checks["postgres"] = db.Ping
		if cfg.MigrateOnStart {
			if err := store.MigrateUp(db.Client); err != nil {
				return nil, err
			}
			log.Info("migrations applied")
		}
		return pgStore{
			Repository: attendance.NewRepository(db.Client),
			emotions:   engagement.NewRepository(db.Client),
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func (a *App) openQueue(cfg config.App) error {
	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(1024)
		return nil
	case "redis":
		rdb := store.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, rdb.Close)
		a.Checks["redis"] = func(ctx context.Context) error {
			if !rdb.Healthy(ctx) {
				return errors.New("redis ping failed")
			}
			return nil
		}
		a.Queue = queue.NewRedisQueue(rdb.Client, queue.DefaultKey)
		return nil
	}
	return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
}

// InProcessQueue reports whether events must be consumed inside this process.
func (a *App) InProcessQueue() bool {
	_, ok := a.Queue.(*queue.InMemory)
	return ok
}

// Close releases backend connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// pgStore joins the attendance and emotion repositories into one backend.
type pgStore struct {
	*attendance.Repository
	emotions *engagement.Repository
}

func (s pgStore) InsertEmotion(ctx context.Context, ev model.EmotionEvent) (model.EmotionEvent, error) {
	return s.emotions.InsertEmotion(ctx, ev)
}

func (s pgStore) ClassEmotions(ctx context.Context, classID string, from, to *time.Time) ([]model.EmotionEvent, error) {
	return s.emotions.ClassEmotions(ctx, classID, from, to)
}

func (s pgStore) StudentEmotions(ctx context.Context, studentID, classID string, limit int) ([]model.EmotionEvent, error) {
	return s.emotions.StudentEmotions(ctx, studentID, classID, limit)
}
