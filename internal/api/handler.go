package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

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

// LeaseService is the slice of the lease service the handlers need.
type LeaseService interface {
	Create(ctx context.Context, params lease.CreateParams) (*db.Lease, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Lease, error)
	Publish(ctx context.Context, id uuid.UUID) (*db.Lease, error)
}

// SlotPool claims and counts home-page banner positions.
type SlotPool interface {
	ClaimAndPublish(ctx context.Context, position int, leaseID uuid.UUID) (*db.Lease, error)
	CountFree(ctx context.Context) (int, error)
	Size() int
}

// AlertQueue manages slot-availability notification requests.
type AlertQueue interface {
	Enqueue(ctx context.Context, userID uuid.UUID, email string) (*db.NotificationRequest, error)
	Cancel(ctx context.Context, userID uuid.UUID) error
}

// JobTrigger runs the reconciliation job on demand, sharing the scheduler's
// no-overlap guard.
type JobTrigger interface {
	TryRun(ctx context.Context) (worker.RunSummary, bool)
}

// CreateLeaseRequest is the body of POST /v1/leases.
type CreateLeaseRequest struct {
	OwnerUserID string  `json:"owner_user_id"`
	Plan        string  `json:"plan"`
	Hours       *int    `json:"hours,omitempty"`
	Days        *int    `json:"days,omitempty"`
	ContentRef  *string `json:"content_ref,omitempty"`
}

// ClaimRequest is the body of POST /v1/slots/{position}/claim.
type ClaimRequest struct {
	LeaseID string `json:"lease_id"`
}

// ClaimResponse is returned after a successful claim.
type ClaimResponse struct {
	Position  int    `json:"position"`
	LeaseID   string `json:"lease_id"`
	ExpiresAt string `json:"expires_at"`
}

// AlertRequest is the body of POST /v1/slot-alerts.
type AlertRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger      *zap.Logger
	leases      LeaseService
	pool        SlotPool
	alerts      AlertQueue
	job         JobTrigger
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates an API handler. idempotency may be nil, in which case
// Idempotency-Key headers on the claim endpoint are ignored.
func NewHandler(logger *zap.Logger, leases LeaseService, pool SlotPool, alerts AlertQueue, job JobTrigger, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		leases:      leases,
		pool:        pool,
		alerts:      alerts,
		job:         job,
		idempotency: idempotency,
	}
}

// Routes mounts the v1 API onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/leases", h.CreateLease)
	r.Get("/leases/{id}", h.GetLease)
	r.Post("/leases/{id}/publish", h.PublishLease)

	r.Post("/slots/{position}/claim", h.ClaimSlot)
	r.Get("/slots/free", h.FreeSlots)

	r.Post("/slot-alerts", h.CreateAlert)
	r.Delete("/slot-alerts/{user_id}", h.CancelAlert)

	r.Post("/admin/reconcile", h.TriggerReconcile)
}

// CreateLease handles POST /v1/leases.
func (h *Handler) CreateLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.OwnerUserID == "" || req.Plan == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "owner_user_id and plan are required")
		return
	}

	ownerID, err := uuid.Parse(req.OwnerUserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid owner_user_id", "owner_user_id must be a valid UUID")
		return
	}

	created, err := h.leases.Create(ctx, lease.CreateParams{
		OwnerUserID: ownerID,
		Plan:        req.Plan,
		Hours:       req.Hours,
		Days:        req.Days,
		ContentRef:  req.ContentRef,
	})
	if err != nil {
		if errors.Is(err, lease.ErrInvalidPlan) {
			h.writeError(w, http.StatusBadRequest, "invalid_plan", "Invalid plan", err.Error())
			return
		}
		h.logger.Error("failed to create lease", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create lease", "")
		return
	}

	h.logger.Info("lease created",
		zap.String("lease_id", created.ID.String()),
		zap.String("plan", created.Plan),
	)

	h.writeJSON(w, http.StatusCreated, created)
}

// GetLease handles GET /v1/leases/{id}.
func (h *Handler) GetLease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseUUIDParam(w, r, "id", "lease ID")
	if !ok {
		return
	}

	found, err := h.leases.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Lease not found", "")
			return
		}
		h.logger.Error("failed to get lease", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get lease", "")
		return
	}

	h.writeJSON(w, http.StatusOK, found)
}

// PublishLease handles POST /v1/leases/{id}/publish. This is the direct
// publish path for placements that do not go through the banner slot pool.
func (h *Handler) PublishLease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseUUIDParam(w, r, "id", "lease ID")
	if !ok {
		return
	}

	published, err := h.leases.Publish(r.Context(), id)
	if err != nil {
		h.writePublishError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, published)
}

// ClaimSlot handles POST /v1/slots/{position}/claim. Claiming also starts
// the lease's publish cycle; a claim of an occupied position returns 409
// with the occupant's expiry. Supports the Idempotency-Key header so a
// retried claim replays the first attempt's outcome instead of grabbing a
// second position.
func (h *Handler) ClaimSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid position", "position must be an integer")
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	leaseID, err := uuid.Parse(req.LeaseID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lease_id", "lease_id must be a valid UUID")
		return
	}

	reserved := false
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.LeaseID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(ClaimResponse{
				Position:  cached.Position,
				LeaseID:   cached.LeaseID,
				ExpiresAt: cached.ExpiresAt,
			})
			return
		} else {
			reserved = true
		}
	}

	claimed, err := h.pool.ClaimAndPublish(ctx, position, leaseID)
	if err != nil {
		// Only successful claims are cached for replay. A failed attempt
		// must not pin the key, or a retry would see duplicate_request
		// instead of the real outcome.
		if reserved {
			h.releaseReservation(ctx, req.LeaseID, idempotencyKey)
		}
		h.writeClaimError(w, err, position)
		return
	}

	resp := ClaimResponse{
		Position: position,
		LeaseID:  claimed.ID.String(),
	}
	if claimed.ExpiresAt != nil {
		resp.ExpiresAt = claimed.ExpiresAt.Format(timeFormat)
	}

	if reserved {
		result := &redis.ClaimResult{
			Position:   position,
			LeaseID:    claimed.ID.String(),
			ExpiresAt:  resp.ExpiresAt,
			StatusCode: http.StatusOK,
		}
		if err := h.idempotency.Store(ctx, req.LeaseID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("slot claimed",
		zap.Int("position", position),
		zap.String("lease_id", claimed.ID.String()),
	)

	h.writeJSON(w, http.StatusOK, resp)
}

// FreeSlots handles GET /v1/slots/free. The count is self-healing: expired
// occupants found during the read are released before counting.
func (h *Handler) FreeSlots(w http.ResponseWriter, r *http.Request) {
	free, err := h.pool.CountFree(r.Context())
	if err != nil {
		h.logger.Error("failed to count free slots", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count free slots", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{
		"free":  free,
		"total": h.pool.Size(),
	})
}

// CreateAlert handles POST /v1/slot-alerts.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" || req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and email are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	created, err := h.alerts.Enqueue(r.Context(), userID, req.Email)
	if err != nil {
		if errors.Is(err, notify.ErrDuplicatePending) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"A pending alert already exists",
				"This user already has an undelivered slot alert")
			return
		}
		h.logger.Error("failed to enqueue alert", zap.Error(err), zap.String("user_id", req.UserID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create alert", "")
		return
	}

	h.logger.Info("slot alert enqueued",
		zap.String("user_id", req.UserID),
		zap.String("request_id", created.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, created)
}

// CancelAlert handles DELETE /v1/slot-alerts/{user_id}.
func (h *Handler) CancelAlert(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseUUIDParam(w, r, "user_id", "user ID")
	if !ok {
		return
	}

	if err := h.alerts.Cancel(r.Context(), userID); err != nil {
		if errors.Is(err, notify.ErrNoPendingRequest) {
			h.writeError(w, http.StatusNotFound, "not_found", "No pending alert", "")
			return
		}
		h.logger.Error("failed to cancel alert", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel alert", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"user_id": userID.String(),
		"status":  "cancelled",
	})
}

// TriggerReconcile handles POST /v1/admin/reconcile. Shares the scheduler's
// no-overlap guard: a trigger during a scheduled run returns 409.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	summary, ran := h.job.TryRun(r.Context())
	if !ran {
		h.writeError(w, http.StatusConflict, "run_in_progress",
			"Reconciliation already running",
			"A scheduled or manual run is still in flight")
		return
	}

	h.logger.Info("manual reconciliation triggered",
		zap.Int("released", summary.Released),
		zap.Int("notified", summary.Notified),
		zap.Bool("failed", summary.Failed),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"released":   summary.Released,
		"free_slots": summary.FreeSlots,
		"attempted":  summary.Attempted,
		"notified":   summary.Notified,
		"failed":     summary.Failed,
	})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func (h *Handler) writePublishError(w http.ResponseWriter, err error, id uuid.UUID) {
	var already *lease.AlreadyPublishedError
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Lease not found", "")
	case errors.As(err, &already):
		h.writeError(w, http.StatusConflict, "already_published",
			"Lease already published",
			"The current cycle runs until "+already.ExpiresAt.Format(timeFormat))
	default:
		h.logger.Error("failed to publish lease", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to publish lease", "")
	}
}

func (h *Handler) writeClaimError(w http.ResponseWriter, err error, position int) {
	var outOfRange *slots.PositionOutOfRangeError
	var occupied *slots.SlotOccupiedError
	var already *lease.AlreadyPublishedError
	switch {
	case errors.As(err, &outOfRange):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Position out of range", outOfRange.Error())
	case errors.As(err, &occupied):
		detail := "The position is occupied"
		if occupied.ExpiresAt != nil {
			detail = "The position is occupied until " + occupied.ExpiresAt.Format(timeFormat)
		}
		h.writeError(w, http.StatusConflict, "slot_occupied", "Slot occupied", detail)
	case errors.As(err, &already):
		h.writeError(w, http.StatusConflict, "already_published",
			"Lease already published",
			"The current cycle runs until "+already.ExpiresAt.Format(timeFormat))
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Lease not found", "")
	default:
		h.logger.Error("failed to claim slot", zap.Error(err), zap.Int("position", position))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to claim slot", "")
	}
}

func (h *Handler) releaseReservation(ctx context.Context, userID, key string) {
	if err := h.idempotency.Release(ctx, userID, key); err != nil {
		h.logger.Warn("failed to release idempotency reservation",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) parseUUIDParam(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+label, label+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
