package main

import (
	"context"

	"github.com/aquametry/water-dispense-worker/internal/config"
	"github.com/aquametry/water-dispense-worker/internal/db"
	"github.com/aquametry/water-dispense-worker/internal/ingest"
	"github.com/aquametry/water-dispense-worker/internal/mirror"
	"github.com/aquametry/water-dispense-worker/internal/mq"
	"github.com/aquametry/water-dispense-worker/internal/orchestrator"
	"github.com/aquametry/water-dispense-worker/internal/repository"
	"github.com/aquametry/water-dispense-worker/internal/session"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	orch *orchestrator.Orchestrator,
	cfg *config.Config,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting dispense worker",
				zap.String("topic", cfg.Mirror.TopicID),
				zap.Int64("start_sequence", cfg.Ingest.StartSequence))
			orch.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			orch.Destroy()
			logger.Info("worker stopped gracefully")
			return nil
		},
	})
}

// ProvideVerifier creates the verification pipeline with its spike advisor
func ProvideVerifier(cfg *config.Config, logger *zap.Logger) *verify.Pipeline {
	spikes := verify.NewSpikeDetector(cfg.Verify.SpikeThreshold, cfg.Verify.SpikeMinSamples)
	return verify.NewPipeline(verify.Config{
		MaxTimestampDrift:  cfg.Verify.MaxTimestampDrift,
		MaxSessionDuration: cfg.Verify.MaxSessionDuration,
	}, spikes, logger)
}

// ProvideFetcher creates the mirror client for the ordered event log
func ProvideFetcher(cfg *config.Config, logger *zap.Logger) ingest.Fetcher {
	return mirror.NewClient(mirror.Config{
		BaseURL:        cfg.Mirror.BaseURL,
		TopicID:        cfg.Mirror.TopicID,
		RequestTimeout: cfg.Mirror.RequestTimeout,
		BreakerFails:   uint32(cfg.Mirror.BreakerFails),
		BreakerOpenFor: cfg.Mirror.BreakerOpenFor,
	}, logger)
}

// ProvideIngestClient creates the log-polling client
func ProvideIngestClient(fetcher ingest.Fetcher, verifier *verify.Pipeline, cfg *config.Config, logger *zap.Logger) *ingest.Client {
	return ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: cfg.Ingest.PollInterval,
		PageSize:     cfg.Ingest.PageSize,
		MaxRetries:   cfg.Ingest.MaxRetries,
		MaxBackoff:   cfg.Ingest.MaxBackoff,
	}, logger)
}

// ProvideSessionManager creates the session state manager
func ProvideSessionManager(cfg *config.Config, logger *zap.Logger) *session.Manager {
	return session.NewManager(session.Config{
		SweepInterval:      cfg.Session.SweepInterval,
		SessionTimeout:     cfg.Session.SessionTimeout,
		MaxSessionDuration: cfg.Session.MaxSessionDuration,
		Retention:          cfg.Session.Retention,
	}, logger)
}

// ProvideMQConnection creates the fan-out broker connection
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the fan-out publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (orchestrator.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.FanoutExchange, logger)
}

// ProvideArchiver creates the billing archive; no DATABASE_URL disables it
func ProvideArchiver(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (orchestrator.Archiver, error) {
	if cfg.Database.URL == "" {
		logger.Info("DATABASE_URL not set, billing archive disabled")
		return nil, nil
	}
	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideOrchestrator composes the pipeline
func ProvideOrchestrator(
	verifier *verify.Pipeline,
	client *ingest.Client,
	sessions *session.Manager,
	publisher orchestrator.Publisher,
	archiver orchestrator.Archiver,
	cfg *config.Config,
	logger *zap.Logger,
) *orchestrator.Orchestrator {
	return orchestrator.New(verifier, client, sessions, publisher, archiver, orchestrator.Config{
		StartSequence:   cfg.Ingest.StartSequence,
		StatsInterval:   cfg.Stats.PublishInterval,
		CleanupInterval: cfg.Stats.CleanupInterval,
	}, logger)
}
