package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/zap"
)

// Status is the session lifecycle state. The three terminal states have no
// outgoing transitions.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// WaterSession is one bounded dispensing interaction between a user and a
// device. Immutable once terminal.
type WaterSession struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	DeviceID      string            `json:"device_id"`
	WellID        string            `json:"well_id"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	MaxVolume     float64           `json:"max_volume"`
	PricePerLiter float64           `json:"price_per_liter"`
	TotalVolume   float64           `json:"total_volume"`
	TotalCost     float64           `json:"total_cost"`
	Status        Status            `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	LastActivity  time.Time         `json:"last_activity"`
	FlowEvents    []model.FlowEvent `json:"flow_events,omitempty"`
}

// DeviceStatus is the most recent known health snapshot for a device,
// upserted by every accepted status event.
type DeviceStatus struct {
	DeviceID        string            `json:"device_id"`
	WellID          string            `json:"well_id"`
	LastSeen        time.Time         `json:"last_seen"`
	Online          bool              `json:"online"`
	BatteryLevel    float64           `json:"battery_level"`
	SignalStrength  float64           `json:"signal_strength"`
	LastMaintenance time.Time         `json:"last_maintenance"`
	ErrorCode       string            `json:"error_code,omitempty"`
	Diagnostics     model.Diagnostics `json:"diagnostics"`
}

// Statistics aggregates the session and liveness registries.
type Statistics struct {
	TotalSessions     int     `json:"total_sessions"`
	ActiveSessions    int     `json:"active_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	CancelledSessions int     `json:"cancelled_sessions"`
	ErrorSessions     int     `json:"error_sessions"`
	TotalVolume       float64 `json:"total_volume"`
	TotalRevenue      float64 `json:"total_revenue"`
	OnlineDevices     int     `json:"online_devices"`
	TotalDevices      int     `json:"total_devices"`
}

// Config holds session lifecycle parameters.
type Config struct {
	SweepInterval      time.Duration
	SessionTimeout     time.Duration
	MaxSessionDuration time.Duration
	Retention          time.Duration
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

const (
	DefaultSweepInterval      = 60 * time.Second
	DefaultSessionTimeout     = 5 * time.Minute
	DefaultMaxSessionDuration = 30 * time.Minute
	DefaultRetention          = 24 * time.Hour
)

// Manager reduces the verified event stream into session and device liveness
// state. It exclusively owns both registries.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*WaterSession
	devices        map[string]*DeviceStatus
	handlers       map[EventKind][]EventHandler
	deviceHandlers []DeviceHandler
	cfg            Config
	logger         *zap.Logger
	sweepStop      chan struct{}
	destroyed      bool
}

// NewManager creates a session manager. Call Start to run the periodic
// sweep and Destroy to tear everything down.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*WaterSession),
		devices:  make(map[string]*DeviceStatus),
		handlers: make(map[EventKind][]EventHandler),
		cfg:      cfg,
		logger:   logger,
	}
}

// On registers a handler for one session event kind.
func (m *Manager) On(kind EventKind, h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], h)
}

// OnDeviceStatus registers a handler for liveness updates.
func (m *Manager) OnDeviceStatus(h DeviceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceHandlers = append(m.deviceHandlers, h)
}

// Start launches the periodic sweep. Idempotent; a destroyed manager stays
// down.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	m.sweepStop = stop
	interval := m.cfg.SweepInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Destroy cancels the sweep and clears both registries.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepStop = nil
	}
	m.destroyed = true
	m.sessions = make(map[string]*WaterSession)
	m.devices = make(map[string]*DeviceStatus)
	m.mu.Unlock()
	m.logger.Info("session manager destroyed")
}

// CreateSession registers a new active session. It fails when the device is
// not known to be online, already has a non-terminal session, or the id is
// taken.
func (m *Manager) CreateSession(id, userID, deviceID, wellID string, maxVolume, pricePerLiter float64) (WaterSession, error) {
	m.mu.Lock()

	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return WaterSession{}, fmt.Errorf("session %s already exists", id)
	}
	dev, ok := m.devices[deviceID]
	if !ok || !dev.Online {
		m.mu.Unlock()
		return WaterSession{}, fmt.Errorf("device %s is not online", deviceID)
	}
	if active := m.activeForDeviceLocked(deviceID); active != nil {
		m.mu.Unlock()
		return WaterSession{}, fmt.Errorf("device %s already has active session %s", deviceID, active.ID)
	}

	now := m.cfg.Now()
	s := &WaterSession{
		ID:            id,
		UserID:        userID,
		DeviceID:      deviceID,
		WellID:        wellID,
		StartTime:     now,
		MaxVolume:     maxVolume,
		PricePerLiter: pricePerLiter,
		Status:        StatusActive,
		LastActivity:  now,
	}
	m.sessions[id] = s
	snapshot := s.snapshot()
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("device_id", deviceID),
		zap.Float64("max_volume", maxVolume),
	)
	m.emit(Event{Kind: EventCreated, Session: snapshot, Timestamp: now})
	return snapshot, nil
}

// ProcessVerifiedEvent reduces one verification outcome into session and
// liveness state. Invalid events are logged and dropped.
func (m *Manager) ProcessVerifiedEvent(event model.TelemetryEvent, res verify.Result) {
	if event == nil {
		return
	}
	if !res.Valid {
		m.logger.Warn("rejected event dropped",
			zap.String("device_id", event.Meta().DeviceID),
			zap.Strings("reasons", res.Errors),
		)
		return
	}
	switch e := event.(type) {
	case *model.FlowEvent:
		m.applyFlow(e)
	case *model.StatusEvent:
		m.applyStatus(e)
	}
}

func (m *Manager) applyFlow(e *model.FlowEvent) {
	m.mu.Lock()
	s, ok := m.sessions[e.SessionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("flow event for unknown session",
			zap.String("session_id", e.SessionID),
			zap.String("device_id", e.DeviceID),
		)
		return
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		m.logger.Debug("flow event for terminal session dropped",
			zap.String("session_id", e.SessionID))
		return
	}
	if s.DeviceID != e.DeviceID || s.UserID != e.UserID {
		m.mu.Unlock()
		m.logger.Warn("flow event device/user mismatch, dropped",
			zap.String("session_id", e.SessionID),
			zap.String("event_device", e.DeviceID),
			zap.String("session_device", s.DeviceID),
		)
		return
	}

	now := m.cfg.Now()
	s.FlowEvents = append(s.FlowEvents, *e)
	s.TotalVolume = e.TotalVolume
	s.TotalCost = s.TotalVolume * s.PricePerLiter
	s.LastActivity = now
	snapshot := s.snapshot()

	var terminalEvt *Event
	switch {
	case e.ValveState == model.ValveClosed:
		terminalEvt = m.terminateLocked(s, StatusCompleted, "valve closed", now)
	case s.MaxVolume > 0 && s.TotalVolume >= s.MaxVolume:
		terminalEvt = m.terminateLocked(s, StatusCompleted, "maximum volume reached", now)
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventUpdated, Session: snapshot, Timestamp: now})
	if terminalEvt != nil {
		m.emit(*terminalEvt)
	}
}

func (m *Manager) applyStatus(e *model.StatusEvent) {
	m.mu.Lock()
	now := m.cfg.Now()
	dev, ok := m.devices[e.DeviceID]
	if !ok {
		dev = &DeviceStatus{DeviceID: e.DeviceID}
		m.devices[e.DeviceID] = dev
	}
	dev.WellID = e.WellID
	dev.LastSeen = now
	dev.Online = e.Status == model.HealthOnline
	dev.BatteryLevel = e.BatteryLevel
	dev.SignalStrength = e.SignalStrength
	dev.LastMaintenance = e.LastMaintenance
	dev.ErrorCode = e.ErrorCode
	dev.Diagnostics = e.Diagnostics
	devSnapshot := *dev

	var cancelled *Event
	if e.Status == model.HealthOffline {
		if s := m.activeForDeviceLocked(e.DeviceID); s != nil {
			cancelled = m.terminateLocked(s, StatusCancelled, "device offline", now)
		}
	}
	m.mu.Unlock()

	m.emitDevice(devSnapshot)
	if cancelled != nil {
		m.emit(*cancelled)
	}
}

// CompleteSession moves an active session to completed. Calling it on a
// terminal or unknown session is a no-op returning an error.
func (m *Manager) CompleteSession(id, reason string) (WaterSession, error) {
	if reason == "" {
		reason = "completed by operator"
	}
	return m.terminate(id, StatusCompleted, reason)
}

// CancelSession moves an active session to cancelled.
func (m *Manager) CancelSession(id, reason string) (WaterSession, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return m.terminate(id, StatusCancelled, reason)
}

// ErrorSession moves an active session to error.
func (m *Manager) ErrorSession(id, reason string) (WaterSession, error) {
	if reason == "" {
		return WaterSession{}, fmt.Errorf("error transition requires a reason")
	}
	return m.terminate(id, StatusError, reason)
}

func (m *Manager) terminate(id string, status Status, reason string) (WaterSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return WaterSession{}, fmt.Errorf("session %s not found", id)
	}
	if s.Status.Terminal() {
		snapshot := s.snapshot()
		m.mu.Unlock()
		return snapshot, fmt.Errorf("session %s already %s", id, snapshot.Status)
	}
	evt := m.terminateLocked(s, status, reason, m.cfg.Now())
	snapshot := s.snapshot()
	m.mu.Unlock()

	m.emit(*evt)
	return snapshot, nil
}

// terminateLocked applies a terminal transition and builds its event. Caller
// holds the mutex and emits after unlocking.
func (m *Manager) terminateLocked(s *WaterSession, status Status, reason string, now time.Time) *Event {
	end := now
	s.Status = status
	s.EndTime = &end
	s.Reason = reason
	m.logger.Info("session terminated",
		zap.String("session_id", s.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Float64("total_volume", s.TotalVolume),
		zap.Float64("total_cost", s.TotalCost),
	)
	kind := EventCompleted
	switch status {
	case StatusCancelled:
		kind = EventCancelled
	case StatusError:
		kind = EventError
	}
	return &Event{Kind: kind, Session: s.snapshot(), Reason: reason, Timestamp: now}
}

// Sweep runs one timeout and retention pass. The periodic loop calls it; it
// never runs concurrently with itself because the loop is a single
// goroutine.
func (m *Manager) Sweep() {
	now := m.cfg.Now()

	m.mu.Lock()
	var events []Event
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		switch {
		case now.Sub(s.LastActivity) > m.cfg.SessionTimeout:
			events = append(events, *m.terminateLocked(s, StatusCancelled, "cancelled due to inactivity timeout", now))
		case now.Sub(s.StartTime) > m.cfg.MaxSessionDuration:
			events = append(events, *m.terminateLocked(s, StatusCompleted, "completed: maximum session duration exceeded", now))
		}
	}
	evicted := 0
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.EndTime != nil && now.Sub(*s.EndTime) > m.cfg.Retention {
			delete(m.sessions, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("terminal sessions evicted", zap.Int("count", evicted))
	}
	for _, evt := range events {
		m.emit(evt)
	}
}

// GetSession returns a copy of the session with the given id.
func (m *Manager) GetSession(id string) (WaterSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return WaterSession{}, false
	}
	return s.snapshot(), true
}

// GetActiveSessionForDevice returns the at-most-one active session for the
// device.
func (m *Manager) GetActiveSessionForDevice(deviceID string) (WaterSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeForDeviceLocked(deviceID); s != nil {
		return s.snapshot(), true
	}
	return WaterSession{}, false
}

// GetSessionsForUser returns copies of every session belonging to the user.
func (m *Manager) GetSessionsForUser(userID string) []WaterSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WaterSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// GetSessionsForWell returns copies of every session at the facility.
func (m *Manager) GetSessionsForWell(wellID string) []WaterSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WaterSession
	for _, s := range m.sessions {
		if s.WellID == wellID {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// GetDeviceStatus returns the liveness record for the device.
func (m *Manager) GetDeviceStatus(deviceID string) (DeviceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return DeviceStatus{}, false
	}
	return *dev, true
}

// GetAllDeviceStatuses returns copies of every liveness record.
func (m *Manager) GetAllDeviceStatuses() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceStatus, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, *dev)
	}
	return out
}

// GetStatistics aggregates both registries.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{TotalSessions: len(m.sessions), TotalDevices: len(m.devices)}
	for _, s := range m.sessions {
		switch s.Status {
		case StatusActive:
			stats.ActiveSessions++
		case StatusCompleted:
			stats.CompletedSessions++
		case StatusCancelled:
			stats.CancelledSessions++
		case StatusError:
			stats.ErrorSessions++
		}
		stats.TotalVolume += s.TotalVolume
		stats.TotalRevenue += s.TotalCost
	}
	for _, dev := range m.devices {
		if dev.Online {
			stats.OnlineDevices++
		}
	}
	return stats
}

func (m *Manager) activeForDeviceLocked(deviceID string) *WaterSession {
	for _, s := range m.sessions {
		if s.DeviceID == deviceID && s.Status == StatusActive {
			return s
		}
	}
	return nil
}

func (s *WaterSession) snapshot() WaterSession {
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.FlowEvents = append([]model.FlowEvent(nil), s.FlowEvents...)
	return out
}

// emit delivers a session event to the handlers registered for its kind,
// isolating handler panics.
func (m *Manager) emit(evt Event) {
	m.mu.Lock()
	handlers := append([]EventHandler(nil), m.handlers[evt.Kind]...)
	m.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session event handler panicked",
						zap.Any("panic", r),
						zap.String("kind", string(evt.Kind)),
					)
				}
			}()
			h(evt)
		}()
	}
}

func (m *Manager) emitDevice(dev DeviceStatus) {
	m.mu.Lock()
	handlers := append([]DeviceHandler(nil), m.deviceHandlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("device status handler panicked",
						zap.Any("panic", r),
						zap.String("device_id", dev.DeviceID),
					)
				}
			}()
			h(dev)
		}()
	}
}
