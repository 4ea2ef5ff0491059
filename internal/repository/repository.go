package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquametry/water-dispense-worker/internal/db"
	"github.com/aquametry/water-dispense-worker/internal/session"
)

// Repository archives terminal sessions as billing records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ArchiveSession writes the billing record for a terminal session. Re-runs
// for the same session id overwrite the previous record.
func (r *Repository) ArchiveSession(ctx context.Context, s session.WaterSession) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("session %s is not terminal", s.ID)
	}
	endedAt := time.Time{}
	if s.EndTime != nil {
		endedAt = *s.EndTime
	}

	query := `
		INSERT INTO water_sessions (
			id, session_id, user_id, device_id, well_id,
			started_at, ended_at, total_volume, total_cost,
			price_per_liter, status, reason, flow_events_num, archived_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			total_volume = EXCLUDED.total_volume,
			total_cost = EXCLUDED.total_cost,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			flow_events_num = EXCLUDED.flow_events_num,
			archived_at = EXCLUDED.archived_at
	`

	_, err := r.pool.Exec(ctx, query,
		uuid.New(),
		s.ID,
		s.UserID,
		s.DeviceID,
		s.WellID,
		s.StartTime,
		endedAt,
		s.TotalVolume,
		s.TotalCost,
		s.PricePerLiter,
		string(s.Status),
		s.Reason,
		len(s.FlowEvents),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	return nil
}

// GetSessionRecord reads back one archived billing record.
func (r *Repository) GetSessionRecord(ctx context.Context, sessionID string) (*db.SessionRecord, error) {
	query := `
		SELECT id, session_id, user_id, device_id, well_id,
		       started_at, ended_at, total_volume, total_cost,
		       price_per_liter, status, reason, flow_events_num, archived_at
		FROM water_sessions
		WHERE session_id = $1
	`

	var rec db.SessionRecord
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.UserID,
		&rec.DeviceID,
		&rec.WellID,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.TotalVolume,
		&rec.TotalCost,
		&rec.PricePerLiter,
		&rec.Status,
		&rec.Reason,
		&rec.FlowEventsNum,
		&rec.ArchivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session record: %w", err)
	}
	return &rec, nil
}

// RevenueForWell sums archived revenue for one facility since the given
// time.
func (r *Repository) RevenueForWell(ctx context.Context, wellID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM water_sessions
		WHERE well_id = $1 AND status = 'completed' AND ended_at >= $2
	`

	var revenue float64
	if err := r.pool.QueryRow(ctx, query, wellID, since).Scan(&revenue); err != nil {
		return 0, fmt.Errorf("failed to query revenue: %w", err)
	}
	return revenue, nil
}
