package ingest_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/ingest"
	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/zap"
)

type fetchResult struct {
	envelopes []model.LogEnvelope
	err       error
}

// fakeFetcher plays back a scripted sequence of fetch results, then returns
// empty pages.
type fakeFetcher struct {
	mu     sync.Mutex
	script []fetchResult
	calls  int
}

func (f *fakeFetcher) FetchAfter(_ context.Context, _ int64, _ int) ([]model.LogEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return nil, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.envelopes, next.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newVerifier(t *testing.T) (*verify.Pipeline, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	p := verify.NewPipeline(verify.Config{}, nil, zap.NewNop())
	p.RegisterDevice(model.DeviceRegistration{
		DeviceID: "DEV-1", WellID: "WELL-1",
		PublicKey: hex.EncodeToString(pub), Active: true,
	})
	return p, priv
}

func signedFlowEnvelope(t *testing.T, priv ed25519.PrivateKey, seq int64, session string, volume float64) model.LogEnvelope {
	t.Helper()
	e := &model.FlowEvent{
		EventMeta: model.EventMeta{
			Kind:      model.KindFlow,
			Timestamp: time.Now(),
			DeviceID:  "DEV-1",
			WellID:    "WELL-1",
		},
		SessionID:   session,
		UserID:      "U-1",
		FlowRate:    2.0,
		TotalVolume: volume,
		ValveState:  model.ValveOpen,
		Pressure:    100,
		Temperature: 20,
	}
	payload, err := model.SigningBytes(e)
	if err != nil {
		t.Fatalf("signing bytes failed: %v", err)
	}
	e.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
	encoded, err := model.EncodeEvent(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return model.LogEnvelope{
		SequenceNumber:     seq,
		ConsensusTimestamp: time.Now(),
		Payload:            encoded,
	}
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

func TestDeliveryOrderAndCursor(t *testing.T) {
	verifier, priv := newVerifier(t)
	fetcher := &fakeFetcher{script: []fetchResult{
		{envelopes: []model.LogEnvelope{
			signedFlowEnvelope(t, priv, 1, "S-1", 1.0),
			signedFlowEnvelope(t, priv, 2, "S-1", 2.0),
			signedFlowEnvelope(t, priv, 3, "S-1", 3.0),
		}},
	}}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	var mu sync.Mutex
	var seqs []int64
	client.OnMessage(func(msg ingest.Message) {
		mu.Lock()
		seqs = append(seqs, msg.Envelope.SequenceNumber)
		mu.Unlock()
	})

	client.StartPolling(0)
	defer client.StopPolling()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 3
	}, "three deliveries")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] < seqs[i-1] {
			t.Errorf("out-of-order delivery: %v", seqs)
		}
	}

	status := client.Status()
	if status.Cursor != 3 {
		t.Errorf("cursor = %d, want 3 (max delivered sequence)", status.Cursor)
	}
	if status.MessageCount != 3 || status.ValidCount != 3 {
		t.Errorf("counts = %d/%d, want 3/3", status.MessageCount, status.ValidCount)
	}
}

func TestInvalidPayloadDeliveredWithReasons(t *testing.T) {
	verifier, _ := newVerifier(t)
	fetcher := &fakeFetcher{script: []fetchResult{
		{envelopes: []model.LogEnvelope{{
			SequenceNumber: 7,
			Payload:        []byte(`{"kind":"sludge"}`),
		}}},
	}}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	got := make(chan ingest.Message, 1)
	client.OnMessage(func(msg ingest.Message) { got <- msg })

	client.StartPolling(0)
	defer client.StopPolling()

	select {
	case msg := <-got:
		if msg.Result.Valid {
			t.Error("undecodable payload must be invalid")
		}
		if msg.Event != nil {
			t.Error("undecodable payload carries no event")
		}
		if len(msg.Result.Errors) == 0 {
			t.Error("rejection must carry reasons")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	status := client.Status()
	if status.InvalidCount != 1 {
		t.Errorf("invalid count = %d, want 1", status.InvalidCount)
	}
	if status.Cursor != 7 {
		t.Errorf("cursor = %d, want 7; invalid records still advance the cursor", status.Cursor)
	}
}

func TestRetryResetAfterSuccess(t *testing.T) {
	verifier, _ := newVerifier(t)
	fetchErr := errors.New("mirror unreachable")
	fetcher := &fakeFetcher{script: []fetchResult{
		{err: fetchErr},
		{err: fetchErr},
		{}, // success with an empty page
	}}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   5,
	}, zap.NewNop())

	var mu sync.Mutex
	var errs []error
	client.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	client.StartPolling(0)
	defer client.StopPolling()

	waitFor(t, func() bool { return fetcher.callCount() >= 3 }, "three fetch attempts")
	waitFor(t, func() bool { return client.Status().RetryCount == 0 }, "retry counter reset")

	status := client.Status()
	if !status.Polling {
		t.Error("two failures within budget must not stop polling")
	}
	mu.Lock()
	if len(errs) < 2 {
		t.Errorf("transport failures should reach error subscribers, got %d", len(errs))
	}
	mu.Unlock()
}

func TestRetryBudgetExhaustedStopsPolling(t *testing.T) {
	verifier, _ := newVerifier(t)
	failing := &alwaysFailFetcher{}

	client := ingest.NewClient(failing, verifier, ingest.Config{
		PollInterval: 2 * time.Millisecond,
		MaxRetries:   2,
		MaxBackoff:   5 * time.Millisecond,
	}, zap.NewNop())

	fatal := make(chan error, 8)
	client.OnError(func(err error) { fatal <- err })

	client.StartPolling(0)
	defer client.StopPolling()

	waitFor(t, func() bool { return !client.Status().Polling }, "polling to stop")

	if failing.callCount() != 3 {
		t.Errorf("fetch attempts = %d, want 3 (initial + 2 retries)", failing.callCount())
	}
}

type alwaysFailFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *alwaysFailFetcher) FetchAfter(context.Context, int64, int) ([]model.LogEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("mirror down")
}

func (f *alwaysFailFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStopCancelsPendingPoll(t *testing.T) {
	verifier, _ := newVerifier(t)
	fetcher := &fakeFetcher{}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	client.StartPolling(0)
	waitFor(t, func() bool { return fetcher.callCount() >= 1 }, "first poll")
	client.StopPolling()

	calls := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if fetcher.callCount() > calls+1 {
		t.Errorf("polling continued after stop: %d calls, had %d at stop", fetcher.callCount(), calls)
	}
	if client.Status().Polling {
		t.Error("status must report polling stopped")
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	verifier, priv := newVerifier(t)
	fetcher := &fakeFetcher{script: []fetchResult{
		{envelopes: []model.LogEnvelope{signedFlowEnvelope(t, priv, 1, "S-1", 1.0)}},
	}}
	client := ingest.NewClient(fetcher, verifier, ingest.Config{
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	client.OnMessage(func(ingest.Message) { panic("boom") })
	got := make(chan ingest.Message, 1)
	client.OnMessage(func(msg ingest.Message) { got <- msg })

	client.StartPolling(0)
	defer client.StopPolling()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never saw the message")
	}
}
