package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/db"
)

const appointmentColumns = `id, patient_id, provider_id, payer_id, start_at, end_at, status,
	external_appointment_id, idempotency_key, request_fingerprint, notes, enrichment, enriched_at,
	sync_attempts, last_sync_error, created_at, updated_at`

type PgRepository struct {
	pool db.Pool
}

func NewPgRepository(pool db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var enrichment []byte

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.PayerID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&a.ExternalAppointmentID,
		&a.IdempotencyKey,
		&a.RequestFingerprint,
		&a.Notes,
		&enrichment,
		&a.EnrichedAt,
		&a.SyncAttempts,
		&a.LastSyncError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(enrichment) > 0 {
		if err := json.Unmarshal(enrichment, &a.Enrichment); err != nil {
			return nil, fmt.Errorf("decode enrichment: %w", err)
		}
	}
	return &a, nil
}

func collect(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const overlapQuery = `
	SELECT EXISTS (
		SELECT 1
		FROM appointments
		WHERE provider_id = $1
		  AND status IN ('pending', 'scheduled')
		  AND tstzrange(start_at, end_at, '[)') && tstzrange($2, $3, '[)')
	)`

// Interface methods

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE idempotency_key = $1
	`, key)
	return scanAppointment(row)
}

func (r *PgRepository) HasOverlap(ctx context.Context, providerID string, iv availability.Interval) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, overlapQuery, providerID, iv.Start, iv.End).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgRepository) Insert(ctx context.Context, na NewAppointment) (a *Appointment, err error) {
	na.Enrichment.Version = EnrichmentVersion
	enrichment, err := json.Marshal(na.Enrichment)
	if err != nil {
		return nil, fmt.Errorf("encode enrichment: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var overlap bool
	if err = tx.QueryRow(ctx, overlapQuery, na.ProviderID, na.StartAt, na.EndAt).Scan(&overlap); err != nil {
		return nil, fmt.Errorf("check overlap: %w", err)
	}
	if overlap {
		return nil, availability.ErrSlotBooked
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, payer_id, start_at, end_at, status,
			idempotency_key, request_fingerprint, notes, enrichment, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, now(), now())
		RETURNING `+appointmentColumns,
		uuid.New(), na.PatientID, na.ProviderID, na.PayerID, na.StartAt, na.EndAt,
		na.IdempotencyKey, na.RequestFingerprint, na.Notes, enrichment)

	a, err = scanAppointment(row)
	switch {
	case err == nil:
	case db.ConstraintViolation(err, db.CodeExclusionViolation, "appointments_no_overlap"):
		return nil, availability.ErrSlotBooked
	case db.ConstraintViolation(err, db.CodeUniqueViolation, "appointments_idempotency_key_key"):
		return nil, ErrDuplicateKey
	default:
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit appointment: %w", err)
	}
	return a, nil
}

// MarkScheduled records the external id on a pending appointment. If the row
// has moved on (already scheduled, cancelled) it is returned unchanged.
func (r *PgRepository) MarkScheduled(ctx context.Context, id uuid.UUID, externalID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'scheduled',
		    external_appointment_id = $2,
		    last_sync_error = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		  AND external_appointment_id IS NULL
		RETURNING `+appointmentColumns,
		id, externalID)

	a, err := scanAppointment(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("mark scheduled: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *PgRepository) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'error',
		    sync_attempts = sync_attempts + 1,
		    last_sync_error = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

func (r *PgRepository) RecordSyncFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET sync_attempts = sync_attempts + 1,
		    last_sync_error = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkEnriched(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET enriched_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark enriched: %w", err)
	}
	return nil
}

// Cancel releases the slot. Cancelling twice returns the stored row.
func (r *PgRepository) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'cancelled'
		RETURNING `+appointmentColumns,
		id)

	a, err := scanAppointment(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}
	return r.Get(ctx, id)
}

// ListUnsynced returns pending appointments never confirmed externally and
// scheduled ones never enriched, oldest first, while they have attempts left.
func (r *PgRepository) ListUnsynced(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE created_at < $1
		  AND sync_attempts < $2
		  AND (
		        (status = 'pending' AND external_appointment_id IS NULL)
		     OR (status = 'scheduled' AND enriched_at IS NULL)
		  )
		ORDER BY created_at
		LIMIT $3
	`, createdBefore, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	return collect(rows)
}
