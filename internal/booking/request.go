package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/idempotency"
	"github.com/hackgods/booking-sync/internal/patient"
)

// ValidationError is a malformed booking request. Nothing was stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Enrichment is the optional extra data a booking carries to the external
// records.
type Enrichment struct {
	InsuranceMemberID *string
	ReferrerEmail     *string
	ReferrerPhone     *string
}

type Request struct {
	Patient        patient.Identity
	ProviderID     string
	PayerID        *string
	Start          time.Time
	End            time.Time
	IdempotencyKey string
	Notes          *string
	Enrichment     Enrichment
}

// normalized is a validated request in canonical form.
type normalized struct {
	identity   patient.Normalized
	providerID string
	payerID    *string
	interval   availability.Interval
	key        string
	notes      *string
	enrichment appointment.Enrichment
}

func (r Request) normalize() (normalized, error) {
	var n normalized

	id, err := r.Patient.Normalize()
	if err != nil {
		return n, invalid("patient", "%s", strings.TrimPrefix(err.Error(), patient.ErrInvalidIdentity.Error()+": "))
	}
	n.identity = id

	n.providerID = strings.TrimSpace(r.ProviderID)
	if n.providerID == "" {
		return n, invalid("provider_id", "is required")
	}

	n.key = strings.TrimSpace(r.IdempotencyKey)
	if n.key == "" {
		return n, invalid("idempotency_key", "is required")
	}
	if len(n.key) > idempotency.MaxKeyLength {
		return n, invalid("idempotency_key", "must be at most %d bytes", idempotency.MaxKeyLength)
	}

	n.interval = availability.Interval{Start: r.Start.UTC(), End: r.End.UTC()}
	if err := n.interval.Validate(); err != nil {
		return n, invalid("interval", "%s", strings.TrimPrefix(err.Error(), availability.ErrInvalidInterval.Error()+": "))
	}

	n.payerID = trimmed(r.PayerID)
	n.notes = trimmed(r.Notes)

	n.enrichment = appointment.Enrichment{
		Version:           appointment.EnrichmentVersion,
		InsuranceMemberID: trimmed(r.Enrichment.InsuranceMemberID),
		ReferrerPhone:     trimmed(r.Enrichment.ReferrerPhone),
	}
	if e := trimmed(r.Enrichment.ReferrerEmail); e != nil {
		email := patient.NormalizeEmail(*e)
		if !strings.Contains(email, "@") {
			return n, invalid("enrichment.referrer_email", "is malformed")
		}
		n.enrichment.ReferrerEmail = &email
	}

	return n, nil
}

// fingerprint identifies the request content behind an idempotency key.
func (n normalized) fingerprint() string {
	dob := ""
	if n.identity.DateOfBirth != nil {
		dob = n.identity.DateOfBirth.Format("2006-01-02")
	}
	return idempotency.Fingerprint(
		n.identity.Email,
		strings.ToLower(n.identity.FirstName),
		strings.ToLower(n.identity.LastName),
		dob,
		deref(n.identity.Phone),
		n.providerID,
		deref(n.payerID),
		n.interval.Start.Format(time.RFC3339Nano),
		n.interval.End.Format(time.RFC3339Nano),
		deref(n.notes),
		deref(n.enrichment.InsuranceMemberID),
		deref(n.enrichment.ReferrerEmail),
		patient.NormalizePhone(deref(n.enrichment.ReferrerPhone)),
	)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
