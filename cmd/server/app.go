package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/analysis"
	"github.com/sessionlens/api/internal/audio"
	"github.com/sessionlens/api/internal/client"
	"github.com/sessionlens/api/internal/config"
	"github.com/sessionlens/api/internal/logging"
	"github.com/sessionlens/api/internal/pipeline"
	"github.com/sessionlens/api/internal/service"
	"github.com/sessionlens/api/internal/store"
	"github.com/sessionlens/api/internal/worker"
	ws "github.com/sessionlens/api/internal/websocket"
)

// app holds the wiring shared by the commands.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	log    *logrus.Entry

	redis      *redis.Client
	store      *store.Store
	storage    client.StorageClient
	r2         bool
	completion *client.CompletionClient
	speech     *client.SpeechClient
	goals      *client.GoalsClient
	hub        *ws.Hub
	notifier   analysis.Notifier

	processor    *pipeline.Processor
	orchestrator *analysis.Orchestrator
}

type appOptions struct {
	storeDriver string
	sqlitePath  string
	localOnly   bool
	notifier    analysis.Notifier
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.storeDriver != "" {
		cfg.Store.Driver = opts.storeDriver
	}
	if opts.sqlitePath != "" {
		cfg.Store.SQLitePath = opts.sqlitePath
	}

	logger := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	a := &app{
		cfg:    cfg,
		logger: logger,
		log:    logrus.NewEntry(logger),
		hub:    ws.NewHub(logrus.NewEntry(logger)),
	}

	if !opts.localOnly {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			a.log.WithError(err).Warn("Redis not available")
		}
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	if err := a.openStorage(opts.localOnly); err != nil {
		return nil, err
	}

	// Events cross processes through redis when the store is shared.
	switch {
	case opts.notifier != nil:
		a.notifier = opts.notifier
	case a.redis != nil && cfg.Store.Driver == "redis":
		a.notifier = ws.NewRedisPublisher(a.redis, a.log)
	default:
		a.notifier = a.hub
	}

	a.completion = client.NewCompletionClient(&cfg.Completion)
	a.speech = client.NewSpeechClient(&cfg.Speech)
	a.goals = client.NewGoalsClient(&cfg.Goals)

	catalog, err := analysis.LoadCatalog()
	if err != nil {
		return nil, err
	}
	rules := analysis.Rules{
		SummaryMaxChars:           cfg.Analysis.SummaryMaxChars,
		BreakthroughMinConfidence: cfg.Analysis.BreakthroughMinConfidence,
		BreakthroughTypes:         cfg.Analysis.BreakthroughTypes,
	}

	a.processor = pipeline.NewProcessor(
		a.store,
		a.storage,
		audio.NewPreprocessor(cfg.Audio, a.log),
		a.speech,
		a.speech,
		pipeline.Options{
			Roles:           cfg.Roles,
			MaxAlignmentGap: cfg.Pipeline.MaxAlignmentGap,
			Retry:           cfg.Pipeline.Retry,
		},
		a.notifier,
		a.log,
	)

	runner := analysis.NewRunner(a.completion, a.store, catalog, rules, cfg.Pipeline.Retry, a.log,
		analysis.WithSampling(cfg.Completion.Temperature, cfg.Completion.MaxTokens),
		analysis.WithNotifier(a.notifier),
	)
	var goals client.GoalsProvider
	if a.goals.IsConfigured() {
		goals = a.goals
	}
	a.orchestrator = analysis.NewOrchestrator(a.store, runner, goals, cfg.Analysis.HistoryWindow, a.log)

	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Driver {
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("redis store needs a redis connection")
		}
		a.store = store.NewRedis(a.redis)
	case "sqlite":
		st, err := store.OpenSQLite(a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.store = st
	case "memory":
		a.store = store.NewMemory()
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	a.log.WithField("driver", a.cfg.Store.Driver).Info("Session store ready")
	return nil
}

func (a *app) openStorage(localOnly bool) error {
	if !localOnly && a.cfg.R2Configured() {
		r2, err := client.NewR2Client(&a.cfg.R2)
		if err == nil {
			a.storage = r2
			a.r2 = true
			return nil
		}
		a.log.WithError(err).Warn("R2 client not initialized, using local storage")
	}
	local, err := client.NewLocalStorage(a.cfg.Storage.LocalDir)
	if err != nil {
		return err
	}
	a.storage = local
	return nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

// newTaskServer builds the asynq server and registers the session tasks.
func (a *app) newTaskServer(queuer worker.AnalysisQueuer) (*asynq.Server, *asynq.ServeMux) {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(a.cfg.Server.LogLevel) {
	case "debug", "trace":
		asynqLogLevel = asynq.DebugLevel
	case "warn", "warning":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(a.redisOpt(), asynq.Config{
		Concurrency: a.cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueProcessing: 4,
			service.QueueAnalysis:   6,
		},
		LogLevel: asynqLogLevel,
		Logger:   a.log.WithField("component", "asynq"),
	})

	mux := asynq.NewServeMux()
	worker.NewSessionWorker(a.processor, a.orchestrator, queuer, a.log).Register(mux)
	return srv, mux
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close store")
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
