package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/db"
	"github.com/tourvista/adboard/internal/lease"
	"github.com/tourvista/adboard/internal/notify"
	"github.com/tourvista/adboard/internal/redis"
	"github.com/tourvista/adboard/internal/slots"
	"github.com/tourvista/adboard/internal/worker"
)

type fakeLeases struct {
	leases     map[uuid.UUID]*db.Lease
	publishErr error
}

func (f *fakeLeases) Create(ctx context.Context, params lease.CreateParams) (*db.Lease, error) {
	if !lease.ValidPlan(params.Plan) {
		return nil, lease.ErrInvalidPlan
	}
	l := &db.Lease{
		ID:          uuid.New(),
		OwnerUserID: params.OwnerUserID,
		Plan:        params.Plan,
		Status:      db.LeaseDraft,
	}
	if f.leases == nil {
		f.leases = make(map[uuid.UUID]*db.Lease)
	}
	f.leases[l.ID] = l
	return l, nil
}

func (f *fakeLeases) Get(ctx context.Context, id uuid.UUID) (*db.Lease, error) {
	l, ok := f.leases[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return l, nil
}

func (f *fakeLeases) Publish(ctx context.Context, id uuid.UUID) (*db.Lease, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	l, ok := f.leases[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	now := time.Now()
	exp := now.Add(24 * time.Hour)
	l.Status = db.LeasePublished
	l.PublishedAt = &now
	l.ExpiresAt = &exp
	return l, nil
}

type fakePool struct {
	claimErr error
	lease    *db.Lease
	free     int
	size     int
}

func (f *fakePool) ClaimAndPublish(ctx context.Context, position int, leaseID uuid.UUID) (*db.Lease, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.lease, nil
}

func (f *fakePool) CountFree(ctx context.Context) (int, error) { return f.free, nil }
func (f *fakePool) Size() int                                  { return f.size }

type fakeAlerts struct {
	enqueueErr error
	cancelErr  error
}

func (f *fakeAlerts) Enqueue(ctx context.Context, userID uuid.UUID, email string) (*db.NotificationRequest, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	return &db.NotificationRequest{ID: uuid.New(), UserID: userID, Email: email}, nil
}

func (f *fakeAlerts) Cancel(ctx context.Context, userID uuid.UUID) error {
	return f.cancelErr
}

type fakeJob struct {
	summary worker.RunSummary
	busy    bool
}

func (f *fakeJob) TryRun(ctx context.Context) (worker.RunSummary, bool) {
	if f.busy {
		return worker.RunSummary{}, false
	}
	return f.summary, true
}

func newTestRouter(leases LeaseService, pool SlotPool, alerts AlertQueue, job JobTrigger) *chi.Mux {
	h := NewHandler(zap.NewNop(), leases, pool, alerts, job, nil)
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func newIdempotentRouter(t *testing.T, pool SlotPool) *chi.Mux {
	t.Helper()
	idem := redis.NewIdempotencyService(testRedisClient(t), zap.NewNop())
	h := NewHandler(zap.NewNop(), &fakeLeases{}, pool, &fakeAlerts{}, &fakeJob{}, idem)
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func doClaim(t *testing.T, router http.Handler, position int, leaseID, idempotencyKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(ClaimRequest{LeaseID: leaseID}); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/slots/"+strconv.Itoa(position)+"/claim", &buf)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return er
}

func TestCreateLease(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/leases", CreateLeaseRequest{
		OwnerUserID: uuid.NewString(),
		Plan:        "daily",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created db.Lease
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != db.LeaseDraft {
		t.Errorf("new lease status = %s, want draft", created.Status)
	}
}

func TestCreateLease_InvalidPlan(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/leases", CreateLeaseRequest{
		OwnerUserID: uuid.NewString(),
		Plan:        "biweekly",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if er := decodeError(t, rec); er.Type != "invalid_plan" {
		t.Errorf("error type = %s, want invalid_plan", er.Type)
	}
}

func TestCreateLease_MissingFields(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/leases", CreateLeaseRequest{Plan: "daily"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetLease_NotFound(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodGet, "/v1/leases/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPublishLease_Conflict(t *testing.T) {
	expiry := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	leases := &fakeLeases{publishErr: &lease.AlreadyPublishedError{ExpiresAt: expiry}}
	router := newTestRouter(leases, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/leases/"+uuid.NewString()+"/publish", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Type != "already_published" {
		t.Errorf("error type = %s, want already_published", er.Type)
	}
	if !bytes.Contains([]byte(er.Detail), []byte("2026-05-02")) {
		t.Errorf("detail should carry the live cycle's expiry, got %q", er.Detail)
	}
}

func TestClaimSlot(t *testing.T) {
	exp := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	leaseID := uuid.New()
	pool := &fakePool{
		size:  6,
		lease: &db.Lease{ID: leaseID, Status: db.LeasePublished, ExpiresAt: &exp},
	}
	router := newTestRouter(&fakeLeases{}, pool, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slots/3/claim", ClaimRequest{LeaseID: leaseID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp ClaimResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Position != 3 || resp.LeaseID != leaseID.String() {
		t.Errorf("unexpected claim response: %+v", resp)
	}
	if resp.ExpiresAt == "" {
		t.Error("claim response should carry the cycle expiry")
	}
}

func TestClaimSlot_Occupied(t *testing.T) {
	exp := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	pool := &fakePool{
		size:     6,
		claimErr: &slots.SlotOccupiedError{Position: 3, ExpiresAt: &exp},
	}
	router := newTestRouter(&fakeLeases{}, pool, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slots/3/claim", ClaimRequest{LeaseID: uuid.NewString()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Type != "slot_occupied" {
		t.Errorf("error type = %s, want slot_occupied", er.Type)
	}
	if !bytes.Contains([]byte(er.Detail), []byte("2026-05-02")) {
		t.Errorf("detail should carry the occupant's expiry, got %q", er.Detail)
	}
}

func TestClaimSlot_OccupiedRetryKeepsOutcome(t *testing.T) {
	exp := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	pool := &fakePool{
		size:     6,
		claimErr: &slots.SlotOccupiedError{Position: 3, ExpiresAt: &exp},
	}
	router := newIdempotentRouter(t, pool)

	rec := doClaim(t, router, 3, uuid.NewString(), "retry-key-1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("first attempt status = %d, want 409", rec.Code)
	}
	if er := decodeError(t, rec); er.Type != "slot_occupied" {
		t.Fatalf("first attempt error type = %s, want slot_occupied", er.Type)
	}

	// The failed attempt must not pin the key: the immediate retry sees
	// the occupied outcome again, with the blocking expiry, not a stale
	// in-progress conflict.
	rec = doClaim(t, router, 3, uuid.NewString(), "retry-key-1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry status = %d, want 409", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Type != "slot_occupied" {
		t.Errorf("retry error type = %s, want slot_occupied", er.Type)
	}
	if !bytes.Contains([]byte(er.Detail), []byte("2026-05-02")) {
		t.Errorf("retry detail should carry the occupant's expiry, got %q", er.Detail)
	}
}

func TestClaimSlot_ReplayCarriesExpiry(t *testing.T) {
	exp := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	leaseID := uuid.New()
	pool := &fakePool{
		size:  6,
		lease: &db.Lease{ID: leaseID, Status: db.LeasePublished, ExpiresAt: &exp},
	}
	router := newIdempotentRouter(t, pool)

	rec := doClaim(t, router, 3, leaseID.String(), "claim-key-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("first claim status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var first ClaimResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}

	rec = doClaim(t, router, 3, leaseID.String(), "claim-key-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("second response should be marked as replayed")
	}
	var replayed ClaimResponse
	if err := json.NewDecoder(rec.Body).Decode(&replayed); err != nil {
		t.Fatalf("decode replayed response: %v", err)
	}
	if replayed.ExpiresAt == "" || replayed.ExpiresAt != first.ExpiresAt {
		t.Errorf("replayed expires_at = %q, want %q", replayed.ExpiresAt, first.ExpiresAt)
	}
}

func TestClaimSlot_OutOfRange(t *testing.T) {
	pool := &fakePool{
		size:     6,
		claimErr: &slots.PositionOutOfRangeError{Position: 9, Size: 6},
	}
	router := newTestRouter(&fakeLeases{}, pool, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slots/9/claim", ClaimRequest{LeaseID: uuid.NewString()})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestClaimSlot_NonNumericPosition(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slots/first/claim", ClaimRequest{LeaseID: uuid.NewString()})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFreeSlots(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6, free: 2}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodGet, "/v1/slots/free", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["free"] != 2 || resp["total"] != 6 {
		t.Errorf("unexpected counts: %v", resp)
	}
}

func TestCreateAlert_Duplicate(t *testing.T) {
	alerts := &fakeAlerts{enqueueErr: notify.ErrDuplicatePending}
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, alerts, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slot-alerts", AlertRequest{
		UserID: uuid.NewString(),
		Email:  "user@example.com",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateAlert(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{})

	rec := doJSON(t, router, http.MethodPost, "/v1/slot-alerts", AlertRequest{
		UserID: uuid.NewString(),
		Email:  "user@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelAlert_NotFound(t *testing.T) {
	alerts := &fakeAlerts{cancelErr: notify.ErrNoPendingRequest}
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, alerts, &fakeJob{})

	rec := doJSON(t, router, http.MethodDelete, "/v1/slot-alerts/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerReconcile(t *testing.T) {
	job := &fakeJob{summary: worker.RunSummary{Released: 2, FreeSlots: 3, Notified: 1}}
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, job)

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/reconcile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["released"] != float64(2) || resp["notified"] != float64(1) {
		t.Errorf("unexpected summary: %v", resp)
	}
}

func TestTriggerReconcile_Busy(t *testing.T) {
	router := newTestRouter(&fakeLeases{}, &fakePool{size: 6}, &fakeAlerts{}, &fakeJob{busy: true})

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/reconcile", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}
