package model

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// DeviceRegistration is the provisioning record for one field device. The
// authoritative copy lives with an external provisioning process; the core
// only upserts and soft-deactivates.
type DeviceRegistration struct {
	DeviceID  string    `json:"device_id"`
	WellID    string    `json:"well_id"`
	PublicKey string    `json:"public_key"` // hex-encoded ed25519 key
	Active    bool      `json:"active"`
	Owner     string    `json:"owner"`
	LastSeen  time.Time `json:"last_seen"`
}

// Key decodes the registered public key material.
func (r DeviceRegistration) Key() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("device %s: undecodable public key: %w", r.DeviceID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("device %s: public key is %d bytes, want %d", r.DeviceID, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
