package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeEvent parses a transport payload into exactly one telemetry variant.
// Anything that does not match a known kind, or fails the structural checks
// for its kind, is rejected.
func DecodeEvent(payload []byte) (TelemetryEvent, error) {
	var probe struct {
		Kind EventKind `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("undecodable payload: %w", err)
	}

	switch probe.Kind {
	case KindFlow:
		var e FlowEvent
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("malformed flow event: %w", err)
		}
		if err := e.ValidateStructure(); err != nil {
			return nil, err
		}
		return &e, nil
	case KindStatus:
		var e StatusEvent
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("malformed status event: %w", err)
		}
		if err := e.ValidateStructure(); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", probe.Kind)
	}
}

// EncodeEvent serializes an event to its transport encoding. DecodeEvent is
// its exact inverse for any structurally valid event.
func EncodeEvent(e TelemetryEvent) ([]byte, error) {
	return json.Marshal(e)
}

// SigningBytes returns the canonical encoding covered by the event signature:
// the full event with the signature field cleared.
func SigningBytes(e TelemetryEvent) ([]byte, error) {
	switch v := e.(type) {
	case *FlowEvent:
		clone := *v
		clone.Signature = ""
		return json.Marshal(&clone)
	case *StatusEvent:
		clone := *v
		clone.Signature = ""
		return json.Marshal(&clone)
	default:
		return nil, fmt.Errorf("unsupported event type %T", e)
	}
}

func strictUnmarshal(payload []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ValidateStructure checks required fields and enumerated literals. Range
// rules (pressure, temperature and so on) belong to the verification
// pipeline, not to structural validity.
func (e *FlowEvent) ValidateStructure() error {
	if err := e.EventMeta.validate(KindFlow); err != nil {
		return err
	}
	if e.SessionID == "" {
		return fmt.Errorf("flow event missing session_id")
	}
	if e.UserID == "" {
		return fmt.Errorf("flow event missing user_id")
	}
	if !ValidValveState(e.ValveState) {
		return fmt.Errorf("flow event has invalid valve_state %q", e.ValveState)
	}
	return nil
}

// ValidateStructure checks required fields and enumerated literals.
func (e *StatusEvent) ValidateStructure() error {
	if err := e.EventMeta.validate(KindStatus); err != nil {
		return err
	}
	if !ValidDeviceHealth(e.Status) {
		return fmt.Errorf("status event has invalid status %q", e.Status)
	}
	return nil
}

func (m EventMeta) validate(want EventKind) error {
	if m.Kind != want {
		return fmt.Errorf("event kind %q, want %q", m.Kind, want)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%s event missing timestamp", want)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("%s event missing device_id", want)
	}
	if m.WellID == "" {
		return fmt.Errorf("%s event missing well_id", want)
	}
	return nil
}
