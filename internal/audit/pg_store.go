package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/db"
)

const defaultQueryLimit = 200

// PgStore persists entries to audit_log. The table rejects updates and
// deletes, so the store only appends and reads.
type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, created_at, action, status, reason, patient_id, appointment_id, external_client_id,
			redacted_payload, redacted_response, error_message, attempts, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		e.ID,
		e.CreatedAt,
		string(e.Action),
		string(e.Status),
		nullString(e.Reason),
		e.PatientID,
		e.AppointmentID,
		e.ExternalClientID,
		nullJSON(e.RedactedPayload),
		nullJSON(e.RedactedResponse),
		nullString(e.ErrorMessage),
		e.Attempts,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Query returns matching entries oldest first.
func (s *PgStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, created_at, action, status, reason, patient_id, appointment_id, external_client_id,
		       redacted_payload, redacted_response, error_message, attempts, duration_ms
		FROM audit_log
		WHERE true
	`
	var args []any
	argIdx := 1

	if f.AppointmentID != nil {
		query += fmt.Sprintf(" AND appointment_id = $%d", argIdx)
		args = append(args, *f.AppointmentID)
		argIdx++
	}
	if f.PatientID != nil {
		query += fmt.Sprintf(" AND patient_id = $%d", argIdx)
		args = append(args, *f.PatientID)
		argIdx++
	}
	if f.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, string(f.Action))
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			action, status    string
			reason, errMsg    *string
			payload, response []byte
			durationMS        int64
			appointmentID     *uuid.UUID
		)
		err := rows.Scan(
			&e.ID, &e.CreatedAt, &action, &status, &reason, &e.PatientID, &appointmentID, &e.ExternalClientID,
			&payload, &response, &errMsg, &e.Attempts, &durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Action = Action(action)
		e.Status = Status(status)
		e.AppointmentID = appointmentID
		e.RedactedPayload = payload
		e.RedactedResponse = response
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if reason != nil {
			e.Reason = *reason
		}
		if errMsg != nil {
			e.ErrorMessage = *errMsg
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: read entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
