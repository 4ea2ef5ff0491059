package db

import (
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the archived billing row written for every terminal
// session.
type SessionRecord struct {
	ID            uuid.UUID
	SessionID     string
	UserID        string
	DeviceID      string
	WellID        string
	StartedAt     time.Time
	EndedAt       time.Time
	TotalVolume   float64
	TotalCost     float64
	PricePerLiter float64
	Status        string
	Reason        string
	FlowEventsNum int
	ArchivedAt    time.Time
}
