package patient

import (
	"time"

	"github.com/google/uuid"
)

// Linkage is the state of a patient's link to the external system.
// Once linked it never changes.
type Linkage string

const (
	Unlinked        Linkage = "unlinked"
	LinkedCanonical Linkage = "linked_canonical"
	LinkedAliased   Linkage = "linked_aliased"
)

type Patient struct {
	ID                 uuid.UUID
	CanonicalEmail     string
	FirstName          string
	LastName           string
	DateOfBirth        *time.Time
	Phone              *string
	ExternalClientID   *string
	ExternalEmailAlias *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (p *Patient) Linkage() Linkage {
	switch {
	case p.ExternalClientID == nil:
		return Unlinked
	case p.ExternalEmailAlias != nil:
		return LinkedAliased
	default:
		return LinkedCanonical
	}
}

// ExternalEmail is the address the external system knows this patient by.
func (p *Patient) ExternalEmail() string {
	if p.ExternalEmailAlias != nil {
		return *p.ExternalEmailAlias
	}
	return p.CanonicalEmail
}

// NewPatient holds normalized fields for an insert.
type NewPatient struct {
	CanonicalEmail string
	FirstName      string
	LastName       string
	DateOfBirth    *time.Time
	Phone          *string
}
