package model_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/model"
)

func testFlowEvent() *model.FlowEvent {
	return &model.FlowEvent{
		EventMeta: model.EventMeta{
			Kind:      model.KindFlow,
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			DeviceID:  "DEV-1",
			WellID:    "WELL-1",
			Signature: "00ff",
		},
		SessionID:   "S-1",
		UserID:      "U-1",
		PulseCount:  128,
		FlowRate:    4.5,
		TotalVolume: 2.25,
		ValveState:  model.ValveOpen,
		Pressure:    101.3,
		Temperature: 18.5,
	}
}

func testStatusEvent() *model.StatusEvent {
	return &model.StatusEvent{
		EventMeta: model.EventMeta{
			Kind:      model.KindStatus,
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			DeviceID:  "DEV-1",
			WellID:    "WELL-1",
			Signature: "00ff",
		},
		Status:          model.HealthOnline,
		BatteryLevel:    87,
		SignalStrength:  -62,
		LastMaintenance: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Diagnostics: model.Diagnostics{
			PumpHealthy:    true,
			SensorHealthy:  true,
			NetworkHealthy: true,
			MemoryUsage:    41.5,
			UptimeSeconds:  86400,
		},
	}
}

func TestEncodeDecodeFlowRoundTrip(t *testing.T) {
	original := testFlowEvent()

	encoded, err := model.EncodeEvent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := model.DecodeEvent(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	got, ok := decoded.(*model.FlowEvent)
	if !ok {
		t.Fatalf("decoded %T, want *model.FlowEvent", decoded)
	}
	if !reflect.DeepEqual(original, got) {
		t.Errorf("round trip mismatch:\n have %+v\n want %+v", got, original)
	}
}

func TestEncodeDecodeStatusRoundTrip(t *testing.T) {
	original := testStatusEvent()

	encoded, err := model.EncodeEvent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := model.DecodeEvent(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	got, ok := decoded.(*model.StatusEvent)
	if !ok {
		t.Fatalf("decoded %T, want *model.StatusEvent", decoded)
	}
	if !reflect.DeepEqual(original, got) {
		t.Errorf("round trip mismatch:\n have %+v\n want %+v", got, original)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := model.DecodeEvent([]byte(`{"kind":"pressure","device_id":"DEV-1"}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeNotJSON(t *testing.T) {
	_, err := model.DecodeEvent([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected error for undecodable payload")
	}
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no device":    `{"kind":"flow","timestamp":"2026-08-01T12:00:00Z","well_id":"WELL-1","session_id":"S-1","user_id":"U-1","valve_state":"open"}`,
		"no timestamp": `{"kind":"flow","device_id":"DEV-1","well_id":"WELL-1","session_id":"S-1","user_id":"U-1","valve_state":"open"}`,
		"no session":   `{"kind":"flow","timestamp":"2026-08-01T12:00:00Z","device_id":"DEV-1","well_id":"WELL-1","user_id":"U-1","valve_state":"open"}`,
		"bad valve":    `{"kind":"flow","timestamp":"2026-08-01T12:00:00Z","device_id":"DEV-1","well_id":"WELL-1","session_id":"S-1","user_id":"U-1","valve_state":"ajar"}`,
	}
	for name, payload := range cases {
		if _, err := model.DecodeEvent([]byte(payload)); err == nil {
			t.Errorf("%s: expected structural error", name)
		}
	}
}

func TestDecodeRejectsForeignFields(t *testing.T) {
	payload := `{"kind":"status","timestamp":"2026-08-01T12:00:00Z","device_id":"DEV-1","well_id":"WELL-1","signature":"00","status":"ONLINE","battery_level":50,"signal_strength":-60,"last_maintenance":"2026-07-01T00:00:00Z","diagnostics":{},"session_id":"S-1"}`
	if _, err := model.DecodeEvent([]byte(payload)); err == nil {
		t.Fatal("expected error for payload mixing both kinds")
	}
}

func TestDecodeWrongFieldType(t *testing.T) {
	payload := `{"kind":"flow","timestamp":"2026-08-01T12:00:00Z","device_id":"DEV-1","well_id":"WELL-1","session_id":"S-1","user_id":"U-1","valve_state":"open","flow_rate":"fast"}`
	if _, err := model.DecodeEvent([]byte(payload)); err == nil {
		t.Fatal("expected error for non-numeric flow_rate")
	}
}

func TestSigningBytesExcludeSignature(t *testing.T) {
	e := testFlowEvent()
	withSig, err := model.SigningBytes(e)
	if err != nil {
		t.Fatalf("signing bytes failed: %v", err)
	}

	e.Signature = "deadbeef"
	changedSig, err := model.SigningBytes(e)
	if err != nil {
		t.Fatalf("signing bytes failed: %v", err)
	}
	if string(withSig) != string(changedSig) {
		t.Error("signing bytes must not depend on the signature field")
	}

	e.TotalVolume = 99
	changedBody, err := model.SigningBytes(e)
	if err != nil {
		t.Fatalf("signing bytes failed: %v", err)
	}
	if string(withSig) == string(changedBody) {
		t.Error("signing bytes must cover the event body")
	}
}
