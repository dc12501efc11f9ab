package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ClaimPosition atomically activates a slot row for the given position. The
// partial unique index on (position) WHERE active arbitrates concurrent
// claims: exactly one insert lands, the rest conflict and report false.
func (r *Repository) ClaimPosition(ctx context.Context, slot *SlotPosition) (bool, error) {
	query := `
		INSERT INTO slot_positions (id, position, lease_id, active, claimed_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (position) WHERE active DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, slot.ID, slot.Position, slot.LeaseID, slot.ClaimedAt)
	if err != nil {
		r.logger.Error("failed to claim slot position",
			zap.Error(err),
			zap.Int("position", slot.Position),
		)
		return false, fmt.Errorf("insert slot position: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ActiveOccupantExpiry returns the expiry of the lease currently holding the
// position, for the loser of a claim race to surface to its caller.
func (r *Repository) ActiveOccupantExpiry(ctx context.Context, position int) (*time.Time, error) {
	query := `
		SELECT l.expires_at
		FROM slot_positions s
		JOIN leases l ON l.id = s.lease_id
		WHERE s.position = $1 AND s.active
	`

	var expiresAt *time.Time
	err := r.db.Pool().QueryRow(ctx, query, position).Scan(&expiresAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query occupant expiry: %w", err)
	}

	return expiresAt, nil
}

// ReleasePosition deactivates the active row for a position. Releasing a
// position with no active occupant affects zero rows and is not an error.
func (r *Repository) ReleasePosition(ctx context.Context, position int, releasedAt time.Time) (bool, error) {
	query := `
		UPDATE slot_positions
		SET active = FALSE, released_at = $2
		WHERE position = $1 AND active
	`

	tag, err := r.db.Pool().Exec(ctx, query, position, releasedAt)
	if err != nil {
		r.logger.Error("failed to release slot position",
			zap.Error(err),
			zap.Int("position", position),
		)
		return false, fmt.Errorf("release slot position: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListActiveOccupants returns every active position with its lease status and
// expiry, ordered by position.
func (r *Repository) ListActiveOccupants(ctx context.Context) ([]ActiveOccupant, error) {
	query := `
		SELECT s.position, s.lease_id, l.status, l.expires_at
		FROM slot_positions s
		JOIN leases l ON l.id = s.lease_id
		WHERE s.active
		ORDER BY s.position
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active occupants: %w", err)
	}
	defer rows.Close()

	var occupants []ActiveOccupant
	for rows.Next() {
		var occ ActiveOccupant
		if err := rows.Scan(&occ.Position, &occ.LeaseID, &occ.LeaseStatus, &occ.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan occupant: %w", err)
		}
		occupants = append(occupants, occ)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occupants: %w", err)
	}

	return occupants, nil
}
