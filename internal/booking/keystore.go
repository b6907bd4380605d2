package booking

import (
	"context"
	"errors"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/idempotency"
)

// KeyStore reads idempotency records from the appointments table, where the
// insert transaction stores them.
type KeyStore struct {
	appointments appointment.Repository
}

func NewKeyStore(appointments appointment.Repository) *KeyStore {
	return &KeyStore{appointments: appointments}
}

func (k *KeyStore) Lookup(ctx context.Context, key string) (idempotency.Record, bool, error) {
	appt, err := k.appointments.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, appointment.ErrAppointmentNotFound) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return idempotency.Record{
		Key:           appt.IdempotencyKey,
		Fingerprint:   appt.RequestFingerprint,
		AppointmentID: appt.ID,
	}, true, nil
}
