// Package notify maintains the waiting list of users who asked to be alerted
// when banner capacity frees up.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
	"github.com/tourvista/adboard/internal/db"
)

// Repository is the slice of the store the queue needs.
type Repository interface {
	InsertRequest(ctx context.Context, req *db.NotificationRequest) (bool, error)
	PendingRequests(ctx context.Context, limit int) ([]*db.NotificationRequest, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	DeletePending(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ErrDuplicatePending rejects an enqueue while the user is already waiting.
var ErrDuplicatePending = errors.New("a pending notification request already exists for this user")

// ErrNoPendingRequest is returned by Cancel when the user has nothing queued.
var ErrNoPendingRequest = errors.New("no pending notification request for this user")

// Queue is the durable, FIFO waiting list.
type Queue struct {
	repo   Repository
	clock  clock.Clock
	logger *zap.Logger
}

// NewQueue creates a notification queue service.
func NewQueue(repo Repository, clk clock.Clock, logger *zap.Logger) *Queue {
	return &Queue{
		repo:   repo,
		clock:  clk,
		logger: logger,
	}
}

// Enqueue records a standing request. A user with an outstanding unnotified
// request gets ErrDuplicatePending; the store's partial unique index makes
// this safe under concurrent enqueues.
func (q *Queue) Enqueue(ctx context.Context, userID uuid.UUID, email string) (*db.NotificationRequest, error) {
	req := &db.NotificationRequest{
		ID:        uuid.New(),
		UserID:    userID,
		Email:     email,
		CreatedAt: q.clock.Now(),
	}

	inserted, err := q.repo.InsertRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrDuplicatePending
	}

	q.logger.Info("notification request enqueued",
		zap.String("user_id", userID.String()),
	)

	return req, nil
}

// Dequeue peeks at up to batch pending requests, oldest first. It mutates
// nothing; the dispatcher marks delivery explicitly per successful send.
func (q *Queue) Dequeue(ctx context.Context, batch int) ([]*db.NotificationRequest, error) {
	return q.repo.PendingRequests(ctx, batch)
}

// MarkDelivered stamps a request as notified. Idempotent.
func (q *Queue) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return q.repo.MarkNotified(ctx, id, q.clock.Now())
}

// Cancel deletes the caller's own pending request. Cancelling with nothing
// queued returns ErrNoPendingRequest; after a cancel the user may enqueue
// again.
func (q *Queue) Cancel(ctx context.Context, userID uuid.UUID) error {
	deleted, err := q.repo.DeletePending(ctx, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNoPendingRequest
	}

	q.logger.Info("notification request cancelled",
		zap.String("user_id", userID.String()),
	)

	return nil
}
