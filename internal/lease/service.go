package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
	"github.com/tourvista/adboard/internal/db"
)

// Repository is the slice of the store the lease service needs.
type Repository interface {
	CreateLease(ctx context.Context, lease *db.Lease) error
	GetLease(ctx context.Context, id uuid.UUID) (*db.Lease, error)
	PublishLease(ctx context.Context, id uuid.UUID, publishedAt, expiresAt time.Time) (bool, error)
}

// ErrInvalidPlan is returned when a lease is created with an unknown plan or
// a non-positive duration.
var ErrInvalidPlan = errors.New("invalid plan")

// AlreadyPublishedError rejects a re-publish of a live lease, carrying the
// current cycle's expiry so the caller can tell the user when to retry.
type AlreadyPublishedError struct {
	ExpiresAt time.Time
}

func (e *AlreadyPublishedError) Error() string {
	return fmt.Sprintf("lease already published until %s", e.ExpiresAt.Format(time.RFC3339))
}

// Service owns lease creation and the publish state machine.
type Service struct {
	repo   Repository
	clock  clock.Clock
	logger *zap.Logger
}

// NewService creates a lease service.
func NewService(repo Repository, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		clock:  clk,
		logger: logger,
	}
}

// CreateParams describes a new draft lease.
type CreateParams struct {
	OwnerUserID uuid.UUID
	Plan        string
	Hours       *int
	Days        *int
	ContentRef  *string
}

// Create inserts a draft lease after validating the plan. Durations that make
// no sense (zero or negative) are rejected here, synchronously, so they never
// reach the expiration arithmetic.
func (s *Service) Create(ctx context.Context, params CreateParams) (*db.Lease, error) {
	if !ValidPlan(params.Plan) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, params.Plan)
	}
	if params.Hours != nil && *params.Hours <= 0 {
		return nil, fmt.Errorf("%w: hours must be positive", ErrInvalidPlan)
	}
	if params.Days != nil && *params.Days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidPlan)
	}

	lease := &db.Lease{
		ID:          uuid.New(),
		OwnerUserID: params.OwnerUserID,
		Plan:        params.Plan,
		PlanHours:   params.Hours,
		PlanDays:    params.Days,
		Status:      db.LeaseDraft,
		ContentRef:  params.ContentRef,
		CreatedAt:   s.clock.Now(),
	}

	if err := s.repo.CreateLease(ctx, lease); err != nil {
		return nil, err
	}

	return lease, nil
}

// Get retrieves a lease by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Lease, error) {
	return s.repo.GetLease(ctx, id)
}

// Publish starts a new publish cycle: publishedAt is fixed to now in the
// reference timezone and expiresAt derived from the plan table. Valid from
// draft or expired; a published lease whose cycle is still running rejects
// with AlreadyPublishedError. Each cycle is independent, so an expired lease
// may be re-published indefinitely.
func (s *Service) Publish(ctx context.Context, id uuid.UUID) (*db.Lease, error) {
	current, err := s.repo.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	publishedAt := now
	expiresAt := ExpiryFrom(current.Plan, current.PlanHours, current.PlanDays, publishedAt)

	published, err := s.repo.PublishLease(ctx, id, publishedAt, expiresAt)
	if err != nil {
		return nil, err
	}
	if !published {
		// The conditional update only skips a lease that is published with a
		// live cycle; report that cycle's expiry.
		live, err := s.repo.GetLease(ctx, id)
		if err != nil {
			return nil, err
		}
		occupiedUntil := now
		if live.ExpiresAt != nil {
			occupiedUntil = *live.ExpiresAt
		}
		return nil, &AlreadyPublishedError{ExpiresAt: occupiedUntil}
	}

	s.logger.Info("lease published",
		zap.String("lease_id", id.String()),
		zap.String("plan", current.Plan),
		zap.Time("expires_at", expiresAt),
	)

	current.Status = db.LeasePublished
	current.PublishedAt = &publishedAt
	current.ExpiresAt = &expiresAt
	return current, nil
}
