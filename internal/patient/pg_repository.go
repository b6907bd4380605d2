package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/booking-sync/internal/db"
)

const patientColumns = `id, canonical_email, first_name, last_name, date_of_birth, phone,
	external_client_id, external_email_alias, created_at, updated_at`

type PgRepository struct {
	pool db.Pool
}

func NewPgRepository(pool db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.CanonicalEmail,
		&p.FirstName,
		&p.LastName,
		&p.DateOfBirth,
		&p.Phone,
		&p.ExternalClientID,
		&p.ExternalEmailAlias,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindByEmail(ctx context.Context, canonicalEmail string) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE canonical_email = $1
		ORDER BY created_at, id
	`, canonicalEmail)
	if err != nil {
		return nil, fmt.Errorf("query patients by email: %w", err)
	}
	defer rows.Close()

	var result []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindByExternalClientID(ctx context.Context, externalClientID string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE external_client_id = $1
	`, externalClientID)
	return scanPatient(row)
}

func (r *PgRepository) Create(ctx context.Context, np NewPatient) (*Patient, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, canonical_email, first_name, last_name, date_of_birth, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+patientColumns,
		id, np.CanonicalEmail, np.FirstName, np.LastName, np.DateOfBirth, np.Phone)

	p, err := scanPatient(row)
	if err != nil {
		if db.ConstraintViolation(err, db.CodeUniqueViolation, "patients_strong_identity_idx") {
			return nil, ErrStrongIdentityExists
		}
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return p, nil
}

func (r *PgRepository) LinkExternal(ctx context.Context, id uuid.UUID, externalClientID string, alias *string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE patients
		SET external_client_id = $2,
		    external_email_alias = $3,
		    updated_at = now()
		WHERE id = $1
		  AND external_client_id IS NULL
		RETURNING `+patientColumns,
		id, externalClientID, alias)

	p, err := scanPatient(row)
	if err == nil {
		return p, nil
	}
	if db.ConstraintViolation(err, db.CodeUniqueViolation, "patients_external_client_id_key") {
		return nil, ErrExternalClientClaimed
	}
	if !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("link patient: %w", err)
	}

	// Already linked (or missing): report what is stored.
	return r.GetByID(ctx, id)
}
