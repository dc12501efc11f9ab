package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertRequest adds a notification request unless the user already has a
// pending one. The partial unique index on (user_id) WHERE NOT is_notified
// resolves concurrent enqueues; a conflicting insert reports false.
func (r *Repository) InsertRequest(ctx context.Context, req *NotificationRequest) (bool, error) {
	query := `
		INSERT INTO notification_requests (id, user_id, email, is_notified, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (user_id) WHERE NOT is_notified DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, req.ID, req.UserID, req.Email, req.CreatedAt)
	if err != nil {
		r.logger.Error("failed to insert notification request",
			zap.Error(err),
			zap.String("user_id", req.UserID.String()),
		)
		return false, fmt.Errorf("insert notification request: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// PendingRequests returns up to limit unnotified requests, oldest first.
// Read-only: delivery is marked explicitly after a successful send.
func (r *Repository) PendingRequests(ctx context.Context, limit int) ([]*NotificationRequest, error) {
	query := `
		SELECT id, user_id, email, is_notified, notified_at, created_at
		FROM notification_requests
		WHERE NOT is_notified
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*NotificationRequest
	for rows.Next() {
		var req NotificationRequest
		err := rows.Scan(
			&req.ID,
			&req.UserID,
			&req.Email,
			&req.IsNotified,
			&req.NotifiedAt,
			&req.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification request: %w", err)
		}
		requests = append(requests, &req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}

	return requests, nil
}

// MarkNotified stamps delivery on a request. A request already marked
// delivered matches zero rows; that is a no-op, not an error.
func (r *Repository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notification_requests
		SET is_notified = TRUE, notified_at = $2
		WHERE id = $1 AND NOT is_notified
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, at); err != nil {
		r.logger.Error("failed to mark request notified",
			zap.Error(err),
			zap.String("request_id", id.String()),
		)
		return fmt.Errorf("mark request notified: %w", err)
	}

	return nil
}

// DeletePending removes the user's unnotified request, reporting whether one
// existed.
func (r *Repository) DeletePending(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		DELETE FROM notification_requests
		WHERE user_id = $1 AND NOT is_notified
	`

	tag, err := r.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("delete pending request: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
