package orchestrator_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/ingest"
	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/aquametry/water-dispense-worker/internal/orchestrator"
	"github.com/aquametry/water-dispense-worker/internal/session"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/zap"
)

// queueFetcher hands out one scripted page per poll cycle.
type queueFetcher struct {
	mu    sync.Mutex
	pages [][]model.LogEnvelope
}

func (f *queueFetcher) push(envelopes ...model.LogEnvelope) {
	f.mu.Lock()
	f.pages = append(f.pages, envelopes)
	f.mu.Unlock()
}

func (f *queueFetcher) FetchAfter(context.Context, int64, int) ([]model.LogEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

// capturePublisher records every fan-out publish.
type capturePublisher struct {
	mu     sync.Mutex
	routes []string
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.mu.Lock()
	p.routes = append(p.routes, routingKey)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.routes {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

type harness struct {
	orch      *orchestrator.Orchestrator
	fetcher   *queueFetcher
	publisher *capturePublisher
	priv      ed25519.PrivateKey
	seq       int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	logger := zap.NewNop()
	verifier := verify.NewPipeline(verify.Config{}, nil, logger)
	fetcher := &queueFetcher{}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
	}, logger)
	sessions := session.NewManager(session.Config{}, logger)
	publisher := &capturePublisher{}

	orch := orchestrator.New(verifier, client, sessions, publisher, nil, orchestrator.Config{}, logger)
	orch.RegisterDevice(model.DeviceRegistration{
		DeviceID: "D1", WellID: "WELL-1",
		PublicKey: hex.EncodeToString(pub), Active: true, Owner: "acct-1",
	})

	t.Cleanup(orch.Destroy)
	return &harness{orch: orch, fetcher: fetcher, publisher: publisher, priv: priv}
}

func (h *harness) sign(t *testing.T, e model.TelemetryEvent) {
	t.Helper()
	payload, err := model.SigningBytes(e)
	if err != nil {
		t.Fatalf("signing bytes failed: %v", err)
	}
	sig := hex.EncodeToString(ed25519.Sign(h.priv, payload))
	switch v := e.(type) {
	case *model.FlowEvent:
		v.Signature = sig
	case *model.StatusEvent:
		v.Signature = sig
	}
}

func (h *harness) envelope(t *testing.T, e model.TelemetryEvent) model.LogEnvelope {
	t.Helper()
	h.sign(t, e)
	encoded, err := model.EncodeEvent(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	h.seq++
	return model.LogEnvelope{
		SequenceNumber:     h.seq,
		ConsensusTimestamp: time.Now(),
		Payload:            encoded,
	}
}

func (h *harness) statusEnvelope(t *testing.T, status model.DeviceHealth) model.LogEnvelope {
	return h.envelope(t, &model.StatusEvent{
		EventMeta: model.EventMeta{
			Kind: model.KindStatus, Timestamp: time.Now(),
			DeviceID: "D1", WellID: "WELL-1",
		},
		Status:         status,
		BatteryLevel:   90,
		SignalStrength: -55,
	})
}

func (h *harness) flowEnvelope(t *testing.T, sessionID string, volume float64, valve model.ValveState) model.LogEnvelope {
	return h.envelope(t, &model.FlowEvent{
		EventMeta: model.EventMeta{
			Kind: model.KindFlow, Timestamp: time.Now(),
			DeviceID: "D1", WellID: "WELL-1",
		},
		SessionID:   sessionID,
		UserID:      "U-1",
		FlowRate:    2.0,
		TotalVolume: volume,
		ValveState:  valve,
		Pressure:    100,
		Temperature: 20,
	})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndDispenseSession(t *testing.T) {
	h := newHarness(t)
	h.fetcher.push(h.statusEnvelope(t, model.HealthOnline))
	h.orch.Start()

	waitFor(t, func() bool {
		dev, ok := h.orch.GetDeviceStatus("D1")
		return ok && dev.Online
	}, "device to come online")

	if _, err := h.orch.CreateSession("S1", "U-1", "D1", "WELL-1", 5.0, 0.1); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	h.fetcher.push(
		h.flowEnvelope(t, "S1", 1.0, model.ValveOpen),
		h.flowEnvelope(t, "S1", 3.0, model.ValveOpen),
		h.flowEnvelope(t, "S1", 5.0, model.ValveClosed),
	)

	waitFor(t, func() bool {
		s, ok := h.orch.GetSession("S1")
		return ok && s.Status == session.StatusCompleted
	}, "session to complete")

	s, _ := h.orch.GetSession("S1")
	if s.TotalVolume != 5.0 || s.TotalCost != 0.5 {
		t.Errorf("volume/cost = %.2f/%.2f, want 5.0/0.5", s.TotalVolume, s.TotalCost)
	}

	if h.publisher.count("session.created") != 1 {
		t.Error("expected a session.created publish")
	}
	if h.publisher.count("session.completed") != 1 {
		t.Error("expected a session.completed publish")
	}
	if h.publisher.count("session.updated") == 0 {
		t.Error("expected session.updated publishes")
	}
	if h.publisher.count("device.status") == 0 {
		t.Error("expected a device.status publish")
	}
}

func TestTamperedEventRejectedEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.fetcher.push(h.statusEnvelope(t, model.HealthOnline))
	h.orch.Start()

	waitFor(t, func() bool {
		dev, ok := h.orch.GetDeviceStatus("D1")
		return ok && dev.Online
	}, "device to come online")

	if _, err := h.orch.CreateSession("S1", "U-1", "D1", "WELL-1", 10.0, 0.1); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	good := h.flowEnvelope(t, "S1", 2.0, model.ValveOpen)
	tampered := h.flowEnvelope(t, "S1", 4.0, model.ValveOpen)
	tampered.Payload = []byte(strings.Replace(string(tampered.Payload), `"total_volume":4`, `"total_volume":40`, 1))
	h.fetcher.push(good, tampered)

	var mu sync.Mutex
	var rejected []ingest.Message
	h.orch.OnVerifiedMessage(func(msg ingest.Message) {
		if !msg.Result.Valid {
			mu.Lock()
			rejected = append(rejected, msg)
			mu.Unlock()
		}
	})

	waitFor(t, func() bool {
		return h.orch.Statistics().Ingestion.MessageCount >= 3
	}, "all records ingested")

	s, _ := h.orch.GetSession("S1")
	if s.TotalVolume != 2.0 {
		t.Errorf("tampered event must not apply; volume = %.2f, want 2.0", s.TotalVolume)
	}
	stats := h.orch.Statistics()
	if stats.Ingestion.InvalidCount != 1 {
		t.Errorf("invalid count = %d, want 1", stats.Ingestion.InvalidCount)
	}
}

func TestStatisticsSurface(t *testing.T) {
	h := newHarness(t)
	h.fetcher.push(h.statusEnvelope(t, model.HealthOnline))
	h.orch.Start()

	waitFor(t, func() bool {
		return h.orch.Statistics().Ingestion.MessageCount >= 1
	}, "first record ingested")

	stats := h.orch.Statistics()
	if !stats.Ingestion.Polling {
		t.Error("ingestion should report polling")
	}
	if stats.Ingestion.Cursor != 1 {
		t.Errorf("cursor = %d, want 1", stats.Ingestion.Cursor)
	}
	if stats.Sessions.OnlineDevices != 1 {
		t.Errorf("online devices = %d, want 1", stats.Sessions.OnlineDevices)
	}
	if stats.UptimeSeconds <= 0 {
		t.Error("uptime should be positive after start")
	}

	h.orch.Stop()
	if h.orch.Statistics().Ingestion.Polling {
		t.Error("ingestion should report stopped after Stop")
	}
}
