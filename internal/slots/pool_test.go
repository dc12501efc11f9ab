package slots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
	"github.com/tourvista/adboard/internal/db"
)

// fakeStore reproduces the store's arbitration under a mutex, the way the
// partial unique index serializes concurrent writers.
type fakeStore struct {
	mu       sync.Mutex
	active   map[int]*db.SlotPosition       // position -> active row
	history  []*db.SlotPosition             // deactivated rows
	expiry   map[uuid.UUID]*time.Time       // lease id -> expires_at
	statuses map[uuid.UUID]string           // lease id -> status
	failOn   map[int]error                  // position -> forced release error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		active:   make(map[int]*db.SlotPosition),
		expiry:   make(map[uuid.UUID]*time.Time),
		statuses: make(map[uuid.UUID]string),
		failOn:   make(map[int]error),
	}
}

func (f *fakeStore) setLease(id uuid.UUID, status string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.expiry[id] = &expiresAt
}

func (f *fakeStore) ClaimPosition(ctx context.Context, slot *db.SlotPosition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.active[slot.Position]; taken {
		return false, nil
	}
	cp := *slot
	f.active[slot.Position] = &cp
	return true, nil
}

func (f *fakeStore) ActiveOccupantExpiry(ctx context.Context, position int) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.active[position]
	if !ok {
		return nil, db.ErrNotFound
	}
	return f.expiry[slot.LeaseID], nil
}

func (f *fakeStore) ReleasePosition(ctx context.Context, position int, releasedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[position]; ok {
		return false, err
	}
	slot, ok := f.active[position]
	if !ok {
		return false, nil
	}
	slot.Active = false
	slot.ReleasedAt = &releasedAt
	f.history = append(f.history, slot)
	delete(f.active, position)
	return true, nil
}

func (f *fakeStore) ListActiveOccupants(ctx context.Context) ([]db.ActiveOccupant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.ActiveOccupant
	for pos, slot := range f.active {
		out = append(out, db.ActiveOccupant{
			Position:    pos,
			LeaseID:     slot.LeaseID,
			LeaseStatus: f.statuses[slot.LeaseID],
			ExpiresAt:   f.expiry[slot.LeaseID],
		})
	}
	return out, nil
}

func (f *fakeStore) MarkLeaseExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id] != db.LeasePublished {
		return false, nil
	}
	f.statuses[id] = db.LeaseExpired
	return true, nil
}

type fakePublisher struct {
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, id uuid.UUID) (*db.Lease, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &db.Lease{ID: id, Status: db.LeasePublished}, nil
}

func newTestPool(t *testing.T) (*Pool, *fakeStore, *clock.Frozen) {
	t.Helper()
	store := newFakeStore()
	clk := clock.NewFrozen(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := NewPool(store, &fakePublisher{}, clk, 6, zap.NewNop())
	return pool, store, clk
}

func TestTryClaim_OutOfRange(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()

	for _, pos := range []int{0, -1, 7, 100} {
		_, err := pool.TryClaim(ctx, pos, uuid.New())
		var oor *PositionOutOfRangeError
		if !errors.As(err, &oor) {
			t.Errorf("position %d: expected PositionOutOfRangeError, got %v", pos, err)
		}
	}
}

func TestTryClaim_ExactlyOneWinner(t *testing.T) {
	pool, store, clk := newTestPool(t)
	ctx := context.Background()

	occupantExpiry := clk.Now().Add(2 * time.Hour)

	const k = 20
	var wg sync.WaitGroup
	results := make([]error, k)
	leaseIDs := make([]uuid.UUID, k)
	for i := 0; i < k; i++ {
		leaseIDs[i] = uuid.New()
		store.setLease(leaseIDs[i], db.LeasePublished, occupantExpiry)
	}

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = pool.TryClaim(ctx, 3, leaseIDs[i])
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range results {
		var occupied *SlotOccupiedError
		switch {
		case err == nil:
			winners++
		case errors.As(err, &occupied):
			losers++
			if occupied.ExpiresAt == nil || !occupied.ExpiresAt.Equal(occupantExpiry) {
				t.Errorf("loser should see occupant expiry %s, got %v", occupantExpiry, occupied.ExpiresAt)
			}
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if losers != k-1 {
		t.Errorf("expected %d losers, got %d", k-1, losers)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := pool.TryClaim(ctx, 2, uuid.New()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := pool.Release(ctx, 2); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := pool.Release(ctx, 2); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if err := pool.Release(ctx, 5); err != nil {
		t.Fatalf("releasing a never-claimed position should be a no-op, got %v", err)
	}
}

func TestCountFree_SelfHealing(t *testing.T) {
	pool, store, clk := newTestPool(t)
	ctx := context.Background()

	// Slot 1 live for two hours, slot 2 live for thirty minutes.
	leaseA, leaseB := uuid.New(), uuid.New()
	store.setLease(leaseA, db.LeasePublished, clk.Now().Add(2*time.Hour))
	store.setLease(leaseB, db.LeasePublished, clk.Now().Add(30*time.Minute))
	if _, err := pool.TryClaim(ctx, 1, leaseA); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.TryClaim(ctx, 2, leaseB); err != nil {
		t.Fatal(err)
	}

	free, err := pool.CountFree(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if free != 4 {
		t.Errorf("expected 4 free, got %d", free)
	}

	// Past slot 2's expiry the read path must release it before counting.
	clk.Advance(31 * time.Minute)
	free, err = pool.CountFree(ctx)
	if err != nil {
		t.Fatalf("count after expiry: %v", err)
	}
	if free != 5 {
		t.Errorf("expected 5 free after self-heal, got %d", free)
	}
	if _, stillActive := store.active[2]; stillActive {
		t.Error("expired slot 2 should have been released by the read path")
	}
	if store.statuses[leaseB] != db.LeaseExpired {
		t.Errorf("lease for slot 2 should be expired, got %s", store.statuses[leaseB])
	}
}

func TestReleaseExpired_Idempotent(t *testing.T) {
	pool, store, clk := newTestPool(t)
	ctx := context.Background()

	leaseID := uuid.New()
	store.setLease(leaseID, db.LeasePublished, clk.Now().Add(time.Hour))
	if _, err := pool.TryClaim(ctx, 4, leaseID); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)

	released, err := pool.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if released != 1 {
		t.Errorf("expected 1 release, got %d", released)
	}

	released, err = pool.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if released != 0 {
		t.Errorf("second sweep should change nothing, released %d", released)
	}
	if len(store.history) != 1 {
		t.Errorf("expected exactly 1 historical row, got %d", len(store.history))
	}
}

func TestReleaseExpired_SkipsFailedPosition(t *testing.T) {
	pool, store, clk := newTestPool(t)
	ctx := context.Background()

	leaseA, leaseB := uuid.New(), uuid.New()
	store.setLease(leaseA, db.LeasePublished, clk.Now().Add(time.Minute))
	store.setLease(leaseB, db.LeasePublished, clk.Now().Add(time.Minute))
	if _, err := pool.TryClaim(ctx, 1, leaseA); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.TryClaim(ctx, 2, leaseB); err != nil {
		t.Fatal(err)
	}

	store.failOn[1] = errors.New("store hiccup")
	clk.Advance(time.Hour)

	released, err := pool.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("sweep should not propagate per-position errors: %v", err)
	}
	if released != 1 {
		t.Errorf("healthy position should still be swept, released=%d", released)
	}
	if _, stillActive := store.active[2]; stillActive {
		t.Error("position 2 should have been released despite position 1 failing")
	}
}

func TestClaimAndPublish_RollsBackOnPublishRejection(t *testing.T) {
	store := newFakeStore()
	clk := clock.NewFrozen(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	pub := &fakePublisher{err: errors.New("lease already published")}
	pool := NewPool(store, pub, clk, 6, zap.NewNop())
	ctx := context.Background()

	if _, err := pool.ClaimAndPublish(ctx, 3, uuid.New()); err == nil {
		t.Fatal("expected publish rejection to propagate")
	}
	if _, taken := store.active[3]; taken {
		t.Error("claim should have been rolled back after publish rejection")
	}

	// With a healthy publisher the same position is claimable again.
	pub.err = nil
	if _, err := pool.ClaimAndPublish(ctx, 3, uuid.New()); err != nil {
		t.Fatalf("claim after rollback: %v", err)
	}
}
