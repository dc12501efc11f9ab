package db

import (
	"time"

	"github.com/google/uuid"
)

// Lease is the generic time-boxed advertisement grant. One row per purchased
// slot, banner or otherwise. PublishedAt and ExpiresAt are fixed for a publish
// cycle and recomputed on every re-publish.
type Lease struct {
	ID          uuid.UUID  `json:"id"`
	OwnerUserID uuid.UUID  `json:"owner_user_id"`
	Plan        string     `json:"plan"`
	PlanHours   *int       `json:"plan_hours,omitempty"`
	PlanDays    *int       `json:"plan_days,omitempty"`
	Status      string     `json:"status"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ContentRef  *string    `json:"content_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Lease status constants
const (
	LeaseDraft     = "draft"
	LeasePublished = "published"
	LeaseExpired   = "expired"
)

// Billing plan constants
const (
	PlanHourly  = "hourly"
	PlanDaily   = "daily"
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"
)

// SlotPosition records occupancy of one home-banner position. At most one row
// per position may be active at a time; deactivated rows stay behind as
// history.
type SlotPosition struct {
	ID         uuid.UUID  `json:"id"`
	Position   int        `json:"position"`
	LeaseID    uuid.UUID  `json:"lease_id"`
	Active     bool       `json:"active"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// NotificationRequest is a user's standing request to be alerted when banner
// capacity frees up. At most one unnotified row per user.
type NotificationRequest struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Email      string     `json:"email"`
	IsNotified bool       `json:"is_notified"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActiveOccupant pairs an active slot position with its lease's expiry, the
// shape both the sweep and the free-count read path work from.
type ActiveOccupant struct {
	Position    int
	LeaseID     uuid.UUID
	LeaseStatus string
	ExpiresAt   *time.Time
}
