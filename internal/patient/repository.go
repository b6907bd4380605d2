package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound       = errors.New("patient not found")
	ErrStrongIdentityExists  = errors.New("patient with the same email, name and date of birth exists")
	ErrExternalClientClaimed = errors.New("external client already linked to another patient")
)

// Repository contains all DB interactions for patients.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	FindByEmail(ctx context.Context, canonicalEmail string) ([]Patient, error)
	FindByExternalClientID(ctx context.Context, externalClientID string) (*Patient, error)

	Create(ctx context.Context, p NewPatient) (*Patient, error)

	// LinkExternal sets the external link only while the patient is still
	// unlinked and returns the row as stored afterwards.
	LinkExternal(ctx context.Context, id uuid.UUID, externalClientID string, alias *string) (*Patient, error)
}
