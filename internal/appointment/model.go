package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/availability"
)

type Status string

const (
	// StatusPending means committed locally and not yet confirmed externally.
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	// StatusError marks a permanent external failure. It no longer holds the slot.
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Active statuses hold the provider's time.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusScheduled
}

const EnrichmentVersion = 1

// Enrichment is the closed set of extra fields a booking may carry to the
// external record. Stored as versioned JSON.
type Enrichment struct {
	Version           int     `json:"v"`
	InsuranceMemberID *string `json:"insurance_member_id,omitempty"`
	ReferrerEmail     *string `json:"referrer_email,omitempty"`
	ReferrerPhone     *string `json:"referrer_phone,omitempty"`
}

func (e Enrichment) Empty() bool {
	return e.InsuranceMemberID == nil && e.ReferrerEmail == nil && e.ReferrerPhone == nil
}

type Appointment struct {
	ID                    uuid.UUID
	PatientID             uuid.UUID
	ProviderID            string
	PayerID               *string
	StartAt               time.Time
	EndAt                 time.Time
	Status                Status
	ExternalAppointmentID *string
	IdempotencyKey        string
	RequestFingerprint    string
	Notes                 *string
	Enrichment            Enrichment
	EnrichedAt            *time.Time
	SyncAttempts          int
	LastSyncError         *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (a *Appointment) Interval() availability.Interval {
	return availability.Interval{Start: a.StartAt, End: a.EndAt}
}

// NeedsSync reports whether reconciliation still has work for a.
func (a *Appointment) NeedsSync() bool {
	switch a.Status {
	case StatusPending:
		return true
	case StatusScheduled:
		return a.EnrichedAt == nil
	default:
		return false
	}
}

type NewAppointment struct {
	PatientID          uuid.UUID
	ProviderID         string
	PayerID            *string
	StartAt            time.Time
	EndAt              time.Time
	IdempotencyKey     string
	RequestFingerprint string
	Notes              *string
	Enrichment         Enrichment
}
