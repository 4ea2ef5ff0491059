package model

import "time"

// LogEnvelope is one record of the external ordered event log. Payload is the
// transport-encoded telemetry event; base64 on the wire, decoded by the
// mirror client.
type LogEnvelope struct {
	SequenceNumber     int64     `json:"sequence_number"`
	ConsensusTimestamp time.Time `json:"consensus_timestamp"`
	Payload            []byte    `json:"message"`
	PayerID            string    `json:"payer_id"`
}
