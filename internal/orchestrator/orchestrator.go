package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/ingest"
	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/aquametry/water-dispense-worker/internal/mq"
	"github.com/aquametry/water-dispense-worker/internal/session"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/zap"
)

// Publisher is the fan-out boundary. The core's only obligation is to hand
// it typed payloads; framing and viewer subscriptions live behind it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Archiver persists terminal sessions for billing. Nil disables archiving.
type Archiver interface {
	ArchiveSession(ctx context.Context, s session.WaterSession) error
}

// Config holds orchestration parameters.
type Config struct {
	StartSequence   int64
	StatsInterval   time.Duration
	CleanupInterval time.Duration
}

const (
	DefaultStatsInterval   = 60 * time.Second
	DefaultCleanupInterval = 10 * time.Minute
)

// Statistics is the aggregate view exposed as the core's status surface.
type Statistics struct {
	Sessions      session.Statistics `json:"sessions"`
	Ingestion     ingest.Status      `json:"ingestion"`
	UptimeSeconds float64            `json:"uptime_seconds"`
}

// Orchestrator composes the ingestion client, verification pipeline and
// session manager into one start/stop lifecycle and re-exports their
// operations as the external API surface of the core.
type Orchestrator struct {
	verifier  *verify.Pipeline
	client    *ingest.Client
	sessions  *session.Manager
	publisher Publisher
	archiver  Archiver
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	startedAt time.Time
}

// New wires the pipeline together. The subscriptions between stages are
// registered here, once; Start/Stop only drive the lifecycle.
func New(
	verifier *verify.Pipeline,
	client *ingest.Client,
	sessions *session.Manager,
	publisher Publisher,
	archiver Archiver,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	o := &Orchestrator{
		verifier:  verifier,
		client:    client,
		sessions:  sessions,
		publisher: publisher,
		archiver:  archiver,
		cfg:       cfg,
		logger:    logger,
	}

	client.OnMessage(func(msg ingest.Message) {
		o.sessions.ProcessVerifiedEvent(msg.Event, msg.Result)
	})
	client.OnError(func(err error) {
		o.logger.Error("ingestion failure", zap.Error(err))
	})

	for _, kind := range []session.EventKind{
		session.EventCreated,
		session.EventUpdated,
		session.EventCompleted,
		session.EventCancelled,
		session.EventError,
	} {
		kind := kind
		sessions.On(kind, func(evt session.Event) { o.republish(evt) })
	}
	sessions.OnDeviceStatus(func(dev session.DeviceStatus) {
		o.publish(mq.RouteDeviceStatus, dev)
	})

	return o
}

// Start begins polling, the session sweep, and the periodic stats and
// tracking-cleanup timers.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.startedAt = time.Now()
	stop := make(chan struct{})
	o.stop = stop
	o.mu.Unlock()

	o.sessions.Start()
	o.client.StartPolling(o.cfg.StartSequence)

	go func() {
		statsTicker := time.NewTicker(o.cfg.StatsInterval)
		cleanupTicker := time.NewTicker(o.cfg.CleanupInterval)
		defer statsTicker.Stop()
		defer cleanupTicker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-statsTicker.C:
				o.publish(mq.RouteStatistics, o.Statistics())
			case <-cleanupTicker.C:
				o.verifier.CleanupExpiredTracking()
			}
		}
	}()

	o.logger.Info("orchestrator started",
		zap.Int64("start_sequence", o.cfg.StartSequence))
}

// Stop halts polling and the periodic timers. The session registries stay
// queryable until Destroy.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stop)
	o.stop = nil
	o.mu.Unlock()

	o.client.StopPolling()
	o.logger.Info("orchestrator stopped")
}

// Destroy stops everything and clears the session manager.
func (o *Orchestrator) Destroy() {
	o.Stop()
	o.sessions.Destroy()
}

// RegisterDevice upserts a device registration in the verification pipeline.
func (o *Orchestrator) RegisterDevice(reg model.DeviceRegistration) {
	o.verifier.RegisterDevice(reg)
}

// DeactivateDevice soft-deactivates a registration; events from it fail
// verification afterwards.
func (o *Orchestrator) DeactivateDevice(deviceID string) bool {
	return o.verifier.DeactivateDevice(deviceID)
}

// GetRegisteredDevices returns every device registration.
func (o *Orchestrator) GetRegisteredDevices() []model.DeviceRegistration {
	return o.verifier.GetAllDevices()
}

// CreateSession opens a new dispensing session.
func (o *Orchestrator) CreateSession(id, userID, deviceID, wellID string, maxVolume, pricePerLiter float64) (session.WaterSession, error) {
	return o.sessions.CreateSession(id, userID, deviceID, wellID, maxVolume, pricePerLiter)
}

// CompleteSession completes an active session.
func (o *Orchestrator) CompleteSession(id, reason string) (session.WaterSession, error) {
	return o.sessions.CompleteSession(id, reason)
}

// CancelSession cancels an active session.
func (o *Orchestrator) CancelSession(id, reason string) (session.WaterSession, error) {
	return o.sessions.CancelSession(id, reason)
}

// ErrorSession moves an active session to the error state.
func (o *Orchestrator) ErrorSession(id, reason string) (session.WaterSession, error) {
	return o.sessions.ErrorSession(id, reason)
}

// GetSession returns the session with the given id.
func (o *Orchestrator) GetSession(id string) (session.WaterSession, bool) {
	return o.sessions.GetSession(id)
}

// GetActiveSessionForDevice returns the at-most-one active session for a
// device.
func (o *Orchestrator) GetActiveSessionForDevice(deviceID string) (session.WaterSession, bool) {
	return o.sessions.GetActiveSessionForDevice(deviceID)
}

// GetSessionsForUser returns every session belonging to a user.
func (o *Orchestrator) GetSessionsForUser(userID string) []session.WaterSession {
	return o.sessions.GetSessionsForUser(userID)
}

// GetSessionsForWell returns every session at a facility.
func (o *Orchestrator) GetSessionsForWell(wellID string) []session.WaterSession {
	return o.sessions.GetSessionsForWell(wellID)
}

// GetDeviceStatus returns the liveness record for a device.
func (o *Orchestrator) GetDeviceStatus(deviceID string) (session.DeviceStatus, bool) {
	return o.sessions.GetDeviceStatus(deviceID)
}

// GetAllDeviceStatuses returns every liveness record.
func (o *Orchestrator) GetAllDeviceStatuses() []session.DeviceStatus {
	return o.sessions.GetAllDeviceStatuses()
}

// OnVerifiedMessage registers a subscriber for every ingested record.
func (o *Orchestrator) OnVerifiedMessage(h ingest.MessageHandler) {
	o.client.OnMessage(h)
}

// OnIngestionError registers a subscriber for polling failures.
func (o *Orchestrator) OnIngestionError(h ingest.ErrorHandler) {
	o.client.OnError(h)
}

// OnSessionEvent registers a subscriber for one session event kind.
func (o *Orchestrator) OnSessionEvent(kind session.EventKind, h session.EventHandler) {
	o.sessions.On(kind, h)
}

// OnDeviceStatus registers a subscriber for liveness updates.
func (o *Orchestrator) OnDeviceStatus(h session.DeviceHandler) {
	o.sessions.OnDeviceStatus(h)
}

// Statistics aggregates session, liveness and ingestion state.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	uptime := 0.0
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	return Statistics{
		Sessions:      o.sessions.GetStatistics(),
		Ingestion:     o.client.Status(),
		UptimeSeconds: uptime,
	}
}

// republish forwards a session event to the fan-out boundary and archives
// terminal snapshots.
func (o *Orchestrator) republish(evt session.Event) {
	type payload struct {
		Kind      string               `json:"kind"`
		Session   session.WaterSession `json:"session"`
		Reason    string               `json:"reason,omitempty"`
		Timestamp time.Time            `json:"timestamp"`
	}
	o.publish(mq.RouteSessionPrefix+string(evt.Kind), payload{
		Kind:      string(evt.Kind),
		Session:   evt.Session,
		Reason:    evt.Reason,
		Timestamp: evt.Timestamp,
	})

	if o.archiver != nil && evt.Session.Status.Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.archiver.ArchiveSession(ctx, evt.Session); err != nil {
			o.logger.Error("failed to archive terminal session",
				zap.Error(err),
				zap.String("session_id", evt.Session.ID),
			)
		}
	}
}

func (o *Orchestrator) publish(routingKey string, payload any) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, routingKey, payload); err != nil {
		o.logger.Error("fan-out publish failed",
			zap.Error(err),
			zap.String("routing_key", routingKey),
		)
	}
}
