// Package identitysync links local patients to client records in the
// external system without ever attaching two people to one record.
package identitysync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/metrics"
	"github.com/hackgods/booking-sync/internal/patient"
	"github.com/hackgods/booking-sync/internal/pipeline"
	redisclient "github.com/hackgods/booking-sync/internal/redis"
)

// Patients is the slice of patient storage the synchronizer needs.
type Patients interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	FindByExternalClientID(ctx context.Context, externalClientID string) (*patient.Patient, error)
	LinkExternal(ctx context.Context, id uuid.UUID, externalClientID string, alias *string) (*patient.Patient, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Synchronizer struct {
	client   ehr.Client
	exec     *pipeline.Executor
	patients Patients
	locker   Locker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(client ehr.Client, exec *pipeline.Executor, patients Patients, locker Locker, m *metrics.Metrics, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		client:   client,
		exec:     exec,
		patients: patients,
		locker:   locker,
		metrics:  m,
		logger:   logger,
	}
}

// EnsureExternalClient returns the external client id for p, finding,
// reusing or creating the external record and persisting the link. A patient
// that is already linked is returned as is.
func (s *Synchronizer) EnsureExternalClient(ctx context.Context, p *patient.Patient) (string, error) {
	if p.ExternalClientID != nil {
		return *p.ExternalClientID, nil
	}

	var clientID string
	run := func(ctx context.Context) error {
		var err error
		clientID, err = s.ensure(ctx, p.ID)
		return err
	}

	var err error
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.WithLock(ctx, patient.LockKey("external-email", p.CanonicalEmail), run)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.metrics.ObserveLockTimeout("external_email")
		}
	}
	if err != nil {
		return "", err
	}
	return clientID, nil
}

func (s *Synchronizer) ensure(ctx context.Context, patientID uuid.UUID) (string, error) {
	// Re-read under the lock: another sync may have linked this patient.
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("load patient: %w", err)
	}
	if p.ExternalClientID != nil {
		return *p.ExternalClientID, nil
	}

	found, err := s.lookup(ctx, p, p.CanonicalEmail)
	if err != nil {
		return "", err
	}

	switch found.Decision {
	case decisionReuse:
		return s.link(ctx, p, found.ClientID, nil)
	case decisionCreate:
		c, err := s.create(ctx, p, p.CanonicalEmail, audit.ReasonCreatedCanonical)
		if err != nil {
			return "", err
		}
		return s.link(ctx, p, c.ID, nil)
	}

	// Collision: the canonical email belongs to someone else on the external
	// side. The alias is derived from the patient id, so an earlier attempt
	// that created the record but failed to link is found again here.
	alias := Alias(p.CanonicalEmail, p.ID)
	prior, err := s.lookup(ctx, p, alias)
	if err != nil {
		return "", err
	}
	if prior.Decision == decisionReuse {
		return s.link(ctx, p, prior.ClientID, &alias)
	}

	c, err := s.create(ctx, p, alias, audit.ReasonCreatedAliased)
	if err != nil {
		return "", err
	}
	return s.link(ctx, p, c.ID, &alias)
}

func (s *Synchronizer) lookup(ctx context.Context, p *patient.Patient, email string) (lookupResult, error) {
	call := pipeline.Call{
		Action:    audit.ActionFindClient,
		PatientID: p.ID,
		Payload:   map[string]string{"email": email},
	}
	res, err := pipeline.Run(ctx, s.exec, call, func(ctx context.Context) (lookupResult, error) {
		clients, err := s.client.FindClientByEmail(ctx, email)
		if err != nil {
			return lookupResult{}, err
		}
		return s.classify(ctx, p, clients)
	})
	if err != nil {
		return lookupResult{}, fmt.Errorf("find external client: %w", err)
	}
	return res, nil
}

// classify decides what to do with the external records sharing an email.
// A record is reused only when it describes the same person and no other
// local patient already owns it.
func (s *Synchronizer) classify(ctx context.Context, p *patient.Patient, clients []ehr.ExternalClient) (lookupResult, error) {
	res := lookupResult{Matched: len(clients)}
	if len(clients) == 0 {
		res.Decision = decisionCreate
		return res, nil
	}

	for i := range clients {
		c := &clients[i]
		if !SamePerson(p, c) {
			continue
		}
		owner, err := s.patients.FindByExternalClientID(ctx, c.ID)
		switch {
		case errors.Is(err, patient.ErrPatientNotFound):
		case err != nil:
			return lookupResult{}, fmt.Errorf("check client owner: %w", err)
		case owner.ID != p.ID:
			continue
		}
		res.Decision = decisionReuse
		res.ClientID = c.ID
		return res, nil
	}

	res.Decision = decisionCollision
	return res, nil
}

func (s *Synchronizer) create(ctx context.Context, p *patient.Patient, email, reason string) (*ehr.ExternalClient, error) {
	in := ehr.ClientInput{
		Email:     email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
	}
	if p.DateOfBirth != nil {
		dob := p.DateOfBirth.Format("2006-01-02")
		in.DateOfBirth = &dob
	}

	call := pipeline.Call{Action: audit.ActionCreateClient, PatientID: p.ID, Payload: in}
	res, err := pipeline.Run(ctx, s.exec, call, func(ctx context.Context) (createResult, error) {
		c, err := s.client.CreateClient(ctx, in)
		if err != nil {
			return createResult{}, err
		}
		return createResult{ExternalClient: c, reason: reason}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create external client: %w", err)
	}

	s.logger.Info("external client created",
		zap.String("patient_id", p.ID.String()),
		zap.String("external_client_id", res.ID),
		zap.String("reason", reason),
	)
	return res.ExternalClient, nil
}

func (s *Synchronizer) link(ctx context.Context, p *patient.Patient, clientID string, alias *string) (string, error) {
	stored, err := s.patients.LinkExternal(ctx, p.ID, clientID, alias)
	if err != nil {
		return "", fmt.Errorf("link patient: %w", err)
	}
	if stored.ExternalClientID == nil {
		return "", fmt.Errorf("link patient %s: link not stored", p.ID)
	}
	if *stored.ExternalClientID != clientID {
		s.logger.Warn("patient already linked to a different external client",
			zap.String("patient_id", p.ID.String()),
			zap.String("external_client_id", *stored.ExternalClientID),
		)
	}
	return *stored.ExternalClientID, nil
}

// SamePerson reports whether an external record describes patient p: names
// equal ignoring case and spacing, and dates of birth equal when both sides
// have one. An unreadable external date counts as different.
func SamePerson(p *patient.Patient, c *ehr.ExternalClient) bool {
	if !strings.EqualFold(patient.NormalizeName(p.FirstName), patient.NormalizeName(c.FirstName)) ||
		!strings.EqualFold(patient.NormalizeName(p.LastName), patient.NormalizeName(c.LastName)) {
		return false
	}
	if p.DateOfBirth == nil || c.DateOfBirth == nil || strings.TrimSpace(*c.DateOfBirth) == "" {
		return true
	}
	dob, err := patient.ParseDate(*c.DateOfBirth)
	if err != nil {
		return false
	}
	return dob.Format("2006-01-02") == p.DateOfBirth.Format("2006-01-02")
}

// Alias builds the per-patient address used when the canonical email is
// already taken externally: local+<patientID>@domain.
func Alias(email string, patientID uuid.UUID) string {
	email = patient.NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email + "+" + patientID.String()
	}
	return email[:at] + "+" + patientID.String() + email[at:]
}
