package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/availability"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrDuplicateKey means another request already stored this idempotency key.
	ErrDuplicateKey = errors.New("idempotency key already used")
)

// Repository contains all DB interactions for appointments.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Appointment, error)

	// For conflict checks
	HasOverlap(ctx context.Context, providerID string, iv availability.Interval) (bool, error)

	// Insert repeats the overlap check in its own transaction. It returns
	// availability.ErrSlotBooked or ErrDuplicateKey on conflicts.
	Insert(ctx context.Context, na NewAppointment) (*Appointment, error)

	// Sync state
	MarkScheduled(ctx context.Context, id uuid.UUID, externalID string) (*Appointment, error)
	MarkError(ctx context.Context, id uuid.UUID, reason string) error
	RecordSyncFailure(ctx context.Context, id uuid.UUID, reason string) error
	MarkEnriched(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Reconciler
	// ListUnsynced skips rows that already failed maxAttempts times so they
	// cannot crowd newer bookings out of the batch.
	ListUnsynced(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]Appointment, error)
}
