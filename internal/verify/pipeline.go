package verify

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/model"
	"go.uber.org/zap"
)

// Result holds the verification outcome for a single event. Business-rule
// failures never surface as errors from Verify; they accumulate here.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Device   *model.DeviceRegistration
}

// Config holds verification parameters.
type Config struct {
	MaxTimestampDrift  time.Duration
	MaxSessionDuration time.Duration
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

const (
	DefaultMaxTimestampDrift  = 5 * time.Minute
	DefaultMaxSessionDuration = time.Hour
)

type trackKey struct {
	deviceID  string
	sessionID string
}

// sessionTrack enforces volume monotonicity and the session window for one
// (device, session) pair.
type sessionTrack struct {
	startedAt  time.Time
	lastVolume float64
}

// Pipeline authenticates telemetry events against the device registry and
// enforces the business rules for each event kind. It exclusively owns the
// registry and the per-session tracking map.
type Pipeline struct {
	mu       sync.Mutex
	devices  map[string]*model.DeviceRegistration
	tracking map[trackKey]*sessionTrack
	spikes   *SpikeDetector
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline creates a verification pipeline. A nil spike detector disables
// flow-rate spike warnings.
func NewPipeline(cfg Config, spikes *SpikeDetector, logger *zap.Logger) *Pipeline {
	if cfg.MaxTimestampDrift <= 0 {
		cfg.MaxTimestampDrift = DefaultMaxTimestampDrift
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		devices:  make(map[string]*model.DeviceRegistration),
		tracking: make(map[trackKey]*sessionTrack),
		spikes:   spikes,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterDevice upserts a device registration. Idempotent; an existing
// record keeps its last-seen timestamp.
func (p *Pipeline) RegisterDevice(reg model.DeviceRegistration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.devices[reg.DeviceID]; ok && reg.LastSeen.IsZero() {
		reg.LastSeen = prev.LastSeen
	}
	p.devices[reg.DeviceID] = &reg
	p.logger.Info("device registered",
		zap.String("device_id", reg.DeviceID),
		zap.String("well_id", reg.WellID),
		zap.Bool("active", reg.Active),
	)
}

// DeactivateDevice soft-deactivates a registration. Registrations are never
// deleted.
func (p *Pipeline) DeactivateDevice(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.devices[deviceID]
	if !ok {
		return false
	}
	reg.Active = false
	p.logger.Info("device deactivated", zap.String("device_id", deviceID))
	return true
}

// GetDevice returns a copy of the registration for deviceID.
func (p *Pipeline) GetDevice(deviceID string) (model.DeviceRegistration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.devices[deviceID]
	if !ok {
		return model.DeviceRegistration{}, false
	}
	return *reg, true
}

// GetAllDevices returns copies of every registration.
func (p *Pipeline) GetAllDevices() []model.DeviceRegistration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeviceRegistration, 0, len(p.devices))
	for _, reg := range p.devices {
		out = append(out, *reg)
	}
	return out
}

// Verify runs the full verification sequence for one event. It never returns
// an error for bad business data; all failures accumulate in the result.
func (p *Pipeline) Verify(e model.TelemetryEvent) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	meta := e.Meta()
	res := Result{}

	reg, ok := p.devices[meta.DeviceID]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unregistered device %s", meta.DeviceID))
		return res
	}
	snapshot := *reg
	res.Device = &snapshot

	if !reg.Active {
		res.Errors = append(res.Errors, fmt.Sprintf("device %s inactive", meta.DeviceID))
	}
	if meta.WellID != reg.WellID {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"well mismatch: event reports %s, device registered to %s", meta.WellID, reg.WellID))
	}

	drift := now.Sub(meta.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > p.cfg.MaxTimestampDrift {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"timestamp outside allowed drift (%s > %s)", drift, p.cfg.MaxTimestampDrift))
	}

	if reason := p.verifySignature(e, reg); reason != "" {
		res.Errors = append(res.Errors, reason)
	}

	switch ev := e.(type) {
	case *model.FlowEvent:
		p.checkFlow(ev, now, &res)
	case *model.StatusEvent:
		p.checkStatus(ev, &res)
	}

	reg.LastSeen = now
	res.Device.LastSeen = now
	res.Valid = len(res.Errors) == 0
	return res
}

// verifySignature authenticates the event against the registered key. A
// signature that cannot even be decoded is reported as malformed rather than
// surfacing as a local error.
func (p *Pipeline) verifySignature(e model.TelemetryEvent, reg *model.DeviceRegistration) string {
	key, err := reg.Key()
	if err != nil {
		return fmt.Sprintf("unverifiable public key for device %s", reg.DeviceID)
	}
	sig, err := hex.DecodeString(e.Meta().Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "malformed signature"
	}
	payload, err := model.SigningBytes(e)
	if err != nil {
		return "malformed signature"
	}
	if !ed25519.Verify(key, payload, sig) {
		return "signature verification failed"
	}
	return ""
}

func (p *Pipeline) checkFlow(e *model.FlowEvent, now time.Time, res *Result) {
	if e.FlowRate < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("negative flow rate %.2f", e.FlowRate))
	}
	if e.TotalVolume < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("negative total volume %.2f", e.TotalVolume))
	}
	if e.PulseCount < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("negative pulse count %d", e.PulseCount))
	}
	if e.Pressure < 0 || e.Pressure > 200 {
		res.Errors = append(res.Errors, fmt.Sprintf("pressure %.2f outside [0,200]", e.Pressure))
	}
	if e.Temperature < -10 || e.Temperature > 60 {
		res.Errors = append(res.Errors, fmt.Sprintf("temperature %.2f outside [-10,60]", e.Temperature))
	}

	key := trackKey{deviceID: e.DeviceID, sessionID: e.SessionID}
	track, ok := p.tracking[key]
	if !ok {
		p.tracking[key] = &sessionTrack{startedAt: e.Timestamp, lastVolume: e.TotalVolume}
	} else {
		if e.TotalVolume < track.lastVolume {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"volume monotonicity violation: %.2f < previously reported %.2f",
				e.TotalVolume, track.lastVolume))
		} else {
			track.lastVolume = e.TotalVolume
		}
		if e.Timestamp.Sub(track.startedAt) > p.cfg.MaxSessionDuration {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"session %s exceeded maximum duration %s", e.SessionID, p.cfg.MaxSessionDuration))
		}
	}

	if p.spikes != nil {
		if spike, reason := p.spikes.Observe(e.DeviceID, e.FlowRate); spike {
			res.Warnings = append(res.Warnings, reason)
		}
	}
}

func (p *Pipeline) checkStatus(e *model.StatusEvent, res *Result) {
	if e.BatteryLevel < 0 || e.BatteryLevel > 100 {
		res.Errors = append(res.Errors, fmt.Sprintf("battery level %.1f outside [0,100]", e.BatteryLevel))
	}
	if e.SignalStrength < -120 || e.SignalStrength > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("signal strength %.1f outside [-120,0]", e.SignalStrength))
	}
	if e.Diagnostics.MemoryUsage < 0 || e.Diagnostics.MemoryUsage > 100 {
		res.Errors = append(res.Errors, fmt.Sprintf("memory usage %.1f outside [0,100]", e.Diagnostics.MemoryUsage))
	}
	if e.Diagnostics.UptimeSeconds < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("negative uptime %.1f", e.Diagnostics.UptimeSeconds))
	}

	if e.BatteryLevel >= 0 && e.BatteryLevel < 20 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("low battery: %.1f%%", e.BatteryLevel))
	}
	if e.SignalStrength < -90 && e.SignalStrength >= -120 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("weak signal: %.1f dBm", e.SignalStrength))
	}
}

// CleanupExpiredTracking drops tracking entries whose session window has
// passed. Run periodically to bound memory.
func (p *Pipeline) CleanupExpiredTracking() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.cfg.Now()
	removed := 0
	for key, track := range p.tracking {
		if now.Sub(track.startedAt) > p.cfg.MaxSessionDuration {
			delete(p.tracking, key)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("expired session tracking cleaned up", zap.Int("removed", removed))
	}
	return removed
}

// TrackedSessions reports the current number of tracking entries.
func (p *Pipeline) TrackedSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracking)
}
