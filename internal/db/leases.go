package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateLease inserts a new draft lease.
func (r *Repository) CreateLease(ctx context.Context, lease *Lease) error {
	query := `
		INSERT INTO leases (
			id, owner_user_id, plan, plan_hours, plan_days,
			status, content_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		lease.ID,
		lease.OwnerUserID,
		lease.Plan,
		lease.PlanHours,
		lease.PlanDays,
		lease.Status,
		lease.ContentRef,
		lease.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create lease",
			zap.Error(err),
			zap.String("lease_id", lease.ID.String()),
		)
		return fmt.Errorf("insert lease: %w", err)
	}

	r.logger.Info("lease created",
		zap.String("lease_id", lease.ID.String()),
		zap.String("plan", lease.Plan),
	)

	return nil
}

// GetLease retrieves a lease by ID.
func (r *Repository) GetLease(ctx context.Context, id uuid.UUID) (*Lease, error) {
	query := `
		SELECT id, owner_user_id, plan, plan_hours, plan_days,
		       status, published_at, expires_at, content_ref,
		       created_at, updated_at
		FROM leases
		WHERE id = $1
	`

	var lease Lease
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&lease.ID,
		&lease.OwnerUserID,
		&lease.Plan,
		&lease.PlanHours,
		&lease.PlanDays,
		&lease.Status,
		&lease.PublishedAt,
		&lease.ExpiresAt,
		&lease.ContentRef,
		&lease.CreatedAt,
		&lease.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}

	return &lease, nil
}

// PublishLease stamps a publish cycle onto a lease. The WHERE clause is the
// race arbiter: a lease that is already published and not yet past its expiry
// matches zero rows, so concurrent publishes resolve to one winner.
func (r *Repository) PublishLease(ctx context.Context, id uuid.UUID, publishedAt, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE leases
		SET status = $2, published_at = $3, expires_at = $4, updated_at = $3
		WHERE id = $1 AND (status <> $2 OR expires_at <= $3)
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, LeasePublished, publishedAt, expiresAt)
	if err != nil {
		r.logger.Error("failed to publish lease",
			zap.Error(err),
			zap.String("lease_id", id.String()),
		)
		return false, fmt.Errorf("publish lease: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkLeaseExpired transitions a published lease to expired. Already-expired
// leases match zero rows, keeping the sweep idempotent.
func (r *Repository) MarkLeaseExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE leases
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, LeaseExpired, now, LeasePublished)
	if err != nil {
		return false, fmt.Errorf("mark lease expired: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
