// Package slots enforces exclusive occupancy over the fixed set of
// home-banner positions. All mutation funnels through TryClaim and Release;
// claim races are resolved by the store's partial unique index, never by
// in-process locking.
package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
	"github.com/tourvista/adboard/internal/db"
	"github.com/tourvista/adboard/internal/metrics"
)

// Repository is the slice of the store the pool needs.
type Repository interface {
	ClaimPosition(ctx context.Context, slot *db.SlotPosition) (bool, error)
	ActiveOccupantExpiry(ctx context.Context, position int) (*time.Time, error)
	ReleasePosition(ctx context.Context, position int, releasedAt time.Time) (bool, error)
	ListActiveOccupants(ctx context.Context) ([]db.ActiveOccupant, error)
	MarkLeaseExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// LeasePublisher publishes a lease, fixing its expiry for the new cycle.
type LeasePublisher interface {
	Publish(ctx context.Context, id uuid.UUID) (*db.Lease, error)
}

// PositionOutOfRangeError rejects a claim on a position outside 1..Size.
type PositionOutOfRangeError struct {
	Position int
	Size     int
}

func (e *PositionOutOfRangeError) Error() string {
	return fmt.Sprintf("position %d out of range 1..%d", e.Position, e.Size)
}

// SlotOccupiedError is the expected outcome of losing a claim race. It
// carries the occupant's expiry so the caller can decide to wait or retry.
type SlotOccupiedError struct {
	Position  int
	ExpiresAt *time.Time
}

func (e *SlotOccupiedError) Error() string {
	if e.ExpiresAt == nil {
		return fmt.Sprintf("slot %d is occupied", e.Position)
	}
	return fmt.Sprintf("slot %d is occupied until %s", e.Position, e.ExpiresAt.Format(time.RFC3339))
}

// Pool is the fixed-size set of banner positions.
type Pool struct {
	repo   Repository
	leases LeasePublisher
	clock  clock.Clock
	logger *zap.Logger
	size   int
}

// NewPool creates a pool of size positions (1..size).
func NewPool(repo Repository, leases LeasePublisher, clk clock.Clock, size int, logger *zap.Logger) *Pool {
	return &Pool{
		repo:   repo,
		leases: leases,
		clock:  clk,
		logger: logger,
		size:   size,
	}
}

// Size returns the number of positions in the pool.
func (p *Pool) Size() int {
	return p.size
}

// TryClaim activates the position for the lease. Out-of-range positions are a
// validation error, not a capacity error. Exactly one of any set of
// concurrent claims on the same position wins; the rest get the occupant's
// expiry back in a SlotOccupiedError.
func (p *Pool) TryClaim(ctx context.Context, position int, leaseID uuid.UUID) (*db.SlotPosition, error) {
	if position < 1 || position > p.size {
		metrics.RecordClaim("invalid")
		return nil, &PositionOutOfRangeError{Position: position, Size: p.size}
	}

	slot := &db.SlotPosition{
		ID:        uuid.New(),
		Position:  position,
		LeaseID:   leaseID,
		Active:    true,
		ClaimedAt: p.clock.Now(),
	}

	claimed, err := p.repo.ClaimPosition(ctx, slot)
	if err != nil {
		metrics.RecordClaim("error")
		return nil, err
	}
	if !claimed {
		metrics.RecordClaim("occupied")
		expiresAt, err := p.repo.ActiveOccupantExpiry(ctx, position)
		if err != nil && err != db.ErrNotFound {
			return nil, err
		}
		return nil, &SlotOccupiedError{Position: position, ExpiresAt: expiresAt}
	}

	metrics.RecordClaim("won")
	p.logger.Info("slot claimed",
		zap.Int("position", position),
		zap.String("lease_id", leaseID.String()),
	)

	return slot, nil
}

// ClaimAndPublish is the client-facing claim operation: the store arbitrates
// the position first, then the lease's publish cycle starts. A publish
// rejection rolls the claim back so a losing lease never squats on a
// position.
func (p *Pool) ClaimAndPublish(ctx context.Context, position int, leaseID uuid.UUID) (*db.Lease, error) {
	slot, err := p.TryClaim(ctx, position, leaseID)
	if err != nil {
		return nil, err
	}

	published, err := p.leases.Publish(ctx, leaseID)
	if err != nil {
		if relErr := p.Release(ctx, slot.Position); relErr != nil {
			p.logger.Error("failed to roll back claim after publish rejection",
				zap.Error(relErr),
				zap.Int("position", slot.Position),
			)
		}
		return nil, err
	}

	return published, nil
}

// Release deactivates the position. Releasing an already-free position is a
// no-op.
func (p *Pool) Release(ctx context.Context, position int) error {
	if position < 1 || position > p.size {
		return &PositionOutOfRangeError{Position: position, Size: p.size}
	}

	released, err := p.repo.ReleasePosition(ctx, position, p.clock.Now())
	if err != nil {
		return err
	}
	if released {
		p.logger.Info("slot released", zap.Int("position", position))
	}

	return nil
}

// ReleaseExpired walks the active positions and frees every one whose lease
// has run out, marking the lease expired as it goes. A single position's
// failure is logged and skipped so the rest still get swept. Both the
// periodic sweep and the free-count read path call this; it is idempotent so
// their overlap is harmless. Returns the number of positions released.
func (p *Pool) ReleaseExpired(ctx context.Context) (int, error) {
	occupants, err := p.repo.ListActiveOccupants(ctx)
	if err != nil {
		return 0, err
	}

	now := p.clock.Now()
	released := 0
	for _, occ := range occupants {
		if !occupantExpired(occ, now) {
			continue
		}

		if _, err := p.repo.MarkLeaseExpired(ctx, occ.LeaseID, now); err != nil {
			p.logger.Error("failed to expire lease, skipping position",
				zap.Error(err),
				zap.Int("position", occ.Position),
			)
			continue
		}
		ok, err := p.repo.ReleasePosition(ctx, occ.Position, now)
		if err != nil {
			p.logger.Error("failed to release expired position, skipping",
				zap.Error(err),
				zap.Int("position", occ.Position),
			)
			continue
		}
		if ok {
			released++
			p.logger.Info("expired slot released",
				zap.Int("position", occ.Position),
				zap.String("lease_id", occ.LeaseID.String()),
			)
		}
	}

	return released, nil
}

// CountFree returns how many positions have no live occupant. The read
// self-heals: any occupant found expired is released through the same path
// the sweep uses before counting.
func (p *Pool) CountFree(ctx context.Context) (int, error) {
	if _, err := p.ReleaseExpired(ctx); err != nil {
		return 0, err
	}

	occupants, err := p.repo.ListActiveOccupants(ctx)
	if err != nil {
		return 0, err
	}

	now := p.clock.Now()
	live := 0
	for _, occ := range occupants {
		if !occupantExpired(occ, now) {
			live++
		}
	}

	return p.size - live, nil
}

func occupantExpired(occ db.ActiveOccupant, now time.Time) bool {
	if occ.LeaseStatus == db.LeaseExpired {
		return true
	}
	return occ.ExpiresAt != nil && !now.Before(*occ.ExpiresAt)
}
