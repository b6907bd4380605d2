// Package booking runs the booking flow end to end: idempotency, patient
// resolution, conflict checks, the local insert and the post-commit sync to
// the external system.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/idempotency"
	"github.com/hackgods/booking-sync/internal/metrics"
	"github.com/hackgods/booking-sync/internal/patient"
	"github.com/hackgods/booking-sync/internal/pipeline"
	redisclient "github.com/hackgods/booking-sync/internal/redis"
)

// Booking outcomes as reported to metrics.
const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

type Resolver interface {
	Resolve(ctx context.Context, in patient.Identity) (uuid.UUID, bool, error)
}

type Checker interface {
	Check(ctx context.Context, providerID string, iv availability.Interval) error
}

type Providers interface {
	GetProvider(ctx context.Context, id string) (*availability.Provider, error)
}

type Patients interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type ClientLinker interface {
	EnsureExternalClient(ctx context.Context, p *patient.Patient) (string, error)
}

type Enricher interface {
	Enrich(ctx context.Context, in pipeline.EnrichInput) (pipeline.EnrichmentResult, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Deps struct {
	Appointments appointment.Repository
	Patients     Patients
	Resolver     Resolver
	Checker      Checker
	Providers    Providers
	Linker       ClientLinker
	Enricher     Enricher
	Client       ehr.Client
	Executor     *pipeline.Executor
	Locker       Locker
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

type Service struct {
	appointments appointment.Repository
	patients     Patients
	resolver     Resolver
	checker      Checker
	providers    Providers
	linker       ClientLinker
	enricher     Enricher
	client       ehr.Client
	exec         *pipeline.Executor
	locker       Locker
	guard        *idempotency.Guard
	metrics      *metrics.Metrics
	logger       *zap.Logger
	syncTimeout  time.Duration
}

func NewService(d Deps, syncTimeout time.Duration) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		appointments: d.Appointments,
		patients:     d.Patients,
		resolver:     d.Resolver,
		checker:      d.Checker,
		providers:    d.Providers,
		linker:       d.Linker,
		enricher:     d.Enricher,
		client:       d.Client,
		exec:         d.Executor,
		locker:       d.Locker,
		guard:        idempotency.NewGuard(NewKeyStore(d.Appointments)),
		metrics:      d.Metrics,
		logger:       logger,
		syncTimeout:  syncTimeout,
	}
}

// Result is what a booking request resolved to.
type Result struct {
	Appointment *appointment.Appointment
	PatientID   uuid.UUID
	Replayed    bool
}

// Book creates an appointment at most once per idempotency key and then
// syncs it to the external system. External failures never fail the call:
// the appointment is returned in its recorded sync state.
func (s *Service) Book(ctx context.Context, req Request) (*Result, error) {
	n, err := req.normalize()
	if err != nil {
		s.metrics.ObserveBooking(OutcomeInvalid)
		return nil, err
	}

	var created *appointment.Appointment
	rec, replayed, err := s.guarded(ctx, n, func(ctx context.Context) (uuid.UUID, error) {
		appt, err := s.create(ctx, req.Patient, n)
		if err != nil {
			return uuid.Nil, err
		}
		created = appt
		return appt.ID, nil
	})
	if err != nil {
		s.metrics.ObserveBooking(outcomeFor(err))
		return nil, err
	}

	if replayed {
		appt, err := s.appointments.Get(ctx, rec.AppointmentID)
		if err != nil {
			s.metrics.ObserveBooking(OutcomeError)
			return nil, fmt.Errorf("load replayed appointment: %w", err)
		}
		s.metrics.ObserveBooking(OutcomeReplayed)
		return &Result{Appointment: appt, PatientID: appt.PatientID, Replayed: true}, nil
	}

	s.metrics.ObserveBooking(OutcomeCreated)
	s.logger.Info("appointment created",
		zap.String("appointment_id", created.ID.String()),
		zap.String("patient_id", created.PatientID.String()),
		zap.String("provider_id", created.ProviderID),
	)

	// The booking is committed; finish the sync even if the caller leaves.
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.syncTimeout)
	defer cancel()

	synced, err := s.Sync(syncCtx, created.ID)
	if err != nil {
		s.logger.Warn("appointment left for reconciliation",
			zap.String("appointment_id", created.ID.String()),
			zap.Error(err),
		)
	}
	if synced != nil {
		created = synced
	}
	return &Result{Appointment: created, PatientID: created.PatientID}, nil
}

// guarded runs op through the idempotency guard while holding a lock on the
// key. Requests sharing a key are serialized before any patient is resolved,
// so only the first one can create rows; the rest replay.
func (s *Service) guarded(ctx context.Context, n normalized, op idempotency.Op) (idempotency.Record, bool, error) {
	if s.locker == nil {
		return s.guard.Do(ctx, n.key, n.fingerprint(), op)
	}

	var (
		rec      idempotency.Record
		replayed bool
	)
	err := s.locker.WithLock(ctx, IdempotencyLockKey(n.key), func(ctx context.Context) error {
		var err error
		rec, replayed, err = s.guard.Do(ctx, n.key, n.fingerprint(), op)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.metrics.ObserveLockTimeout("idempotency")
	}
	return rec, replayed, err
}

// IdempotencyLockKey names the lock serializing requests that share key.
func IdempotencyLockKey(key string) string {
	return "idempotency:" + idempotency.Fingerprint(key)
}

func (s *Service) create(ctx context.Context, identity patient.Identity, n normalized) (*appointment.Appointment, error) {
	patientID, _, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	if err := s.checker.Check(ctx, n.providerID, n.interval); err != nil {
		return nil, err
	}

	return s.appointments.Insert(ctx, appointment.NewAppointment{
		PatientID:          patientID,
		ProviderID:         n.providerID,
		PayerID:            n.payerID,
		StartAt:            n.interval.Start,
		EndAt:              n.interval.End,
		IdempotencyKey:     n.key,
		RequestFingerprint: n.fingerprint(),
		Notes:              n.notes,
		Enrichment:         n.enrichment,
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.appointments.Get(ctx, id)
}

// Sync drives one appointment through external client linking, external
// appointment creation and enrichment. Steps already done are skipped, so
// Sync is safe to repeat.
func (s *Service) Sync(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	var appt *appointment.Appointment
	run := func(ctx context.Context) error {
		var err error
		appt, err = s.syncLocked(ctx, id)
		return err
	}

	var err error
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.WithLock(ctx, "appointment-sync:"+id.String(), run)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.metrics.ObserveLockTimeout("appointment_sync")
		}
	}
	return appt, err
}

func (s *Service) syncLocked(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := s.appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.NeedsSync() {
		return appt, nil
	}

	p, err := s.patients.GetByID(ctx, appt.PatientID)
	if err != nil {
		return appt, fmt.Errorf("load patient: %w", err)
	}

	// No-op for a patient that is already linked.
	clientID, err := s.linker.EnsureExternalClient(ctx, p)
	if err != nil {
		return appt, s.failSync(ctx, appt, fmt.Errorf("external client: %w", err))
	}

	if appt.ExternalAppointmentID == nil {
		ext, err := s.createExternal(ctx, appt, clientID)
		if err != nil {
			return appt, s.failSync(ctx, appt, fmt.Errorf("external appointment: %w", err))
		}

		updated, err := s.appointments.MarkScheduled(ctx, appt.ID, ext.ID)
		if err != nil {
			return appt, fmt.Errorf("mark scheduled: %w", err)
		}
		if updated.ExternalAppointmentID == nil || *updated.ExternalAppointmentID != ext.ID {
			// Cancelled locally while the external create was in flight.
			if updated.Status == appointment.StatusCancelled {
				s.cancelExternal(ctx, updated, ext.ID)
			}
			return updated, nil
		}
		appt = updated
	}

	if appt.Status != appointment.StatusScheduled || appt.EnrichedAt != nil {
		return appt, nil
	}

	fields := enrichmentFields(p, appt)
	if fields != (pipeline.Fields{}) {
		_, err := s.enricher.Enrich(ctx, pipeline.EnrichInput{
			PatientID:             appt.PatientID,
			AppointmentID:         appt.ID,
			ExternalClientID:      clientID,
			ExternalAppointmentID: *appt.ExternalAppointmentID,
			Fields:                fields,
		})
		if err != nil {
			return appt, s.failSync(ctx, appt, fmt.Errorf("enrich: %w", err))
		}
	}

	if err := s.appointments.MarkEnriched(ctx, appt.ID); err != nil {
		return appt, fmt.Errorf("mark enriched: %w", err)
	}
	now := time.Now().UTC()
	appt.EnrichedAt = &now
	return appt, nil
}

func (s *Service) createExternal(ctx context.Context, appt *appointment.Appointment, clientID string) (*ehr.ExternalAppointment, error) {
	provider, err := s.providers.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}

	in := ehr.AppointmentInput{
		ClientID:   clientID,
		ProviderID: provider.ExternalProviderID,
		ServiceID:  provider.ExternalServiceID,
		Start:      appt.StartAt,
		End:        appt.EndAt,
		Notes:      appt.Notes,
		Reference:  appt.ID.String(),
	}
	call := pipeline.Call{
		Action:           audit.ActionCreateAppointment,
		PatientID:        appt.PatientID,
		AppointmentID:    &appt.ID,
		ExternalClientID: &clientID,
		Payload:          in,
	}
	return pipeline.Run(ctx, s.exec, call, func(ctx context.Context) (*ehr.ExternalAppointment, error) {
		return s.client.CreateAppointment(ctx, in)
	})
}

// failSync records err against appt and returns it. Permanent external
// failures move the appointment to error; anything else leaves it pending
// for reconciliation.
func (s *Service) failSync(ctx context.Context, appt *appointment.Appointment, err error) error {
	ctx = context.WithoutCancel(ctx)
	reason := audit.ScrubText(err.Error())

	var markErr error
	if errors.Is(err, ehr.ErrPermanent) && appt.Status == appointment.StatusPending {
		markErr = s.appointments.MarkError(ctx, appt.ID, reason)
		if markErr == nil {
			appt.Status = appointment.StatusError
		}
	} else {
		markErr = s.appointments.RecordSyncFailure(ctx, appt.ID, reason)
	}
	if markErr != nil {
		s.logger.Error("sync failure not recorded",
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(markErr),
		)
	}
	appt.SyncAttempts++
	appt.LastSyncError = &reason
	return err
}

// Cancel releases the appointment's slot and, when it exists externally,
// marks the external appointment cancelled. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := s.appointments.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.ExternalAppointmentID != nil {
		s.cancelExternal(ctx, appt, *appt.ExternalAppointmentID)
	}
	return appt, nil
}

func (s *Service) cancelExternal(ctx context.Context, appt *appointment.Appointment, externalID string) {
	call := pipeline.Call{
		Action:        audit.ActionCancelAppointment,
		PatientID:     appt.PatientID,
		AppointmentID: &appt.ID,
		Payload:       map[string]string{"external_appointment_id": externalID},
	}
	_, err := pipeline.Run(ctx, s.exec, call, func(ctx context.Context) (*ehr.ExternalAppointment, error) {
		ext, err := s.client.GetAppointment(ctx, externalID)
		if err != nil {
			return nil, err
		}
		if ext.Status == ehr.AppointmentCancelled {
			return ext, nil
		}
		ext.Status = ehr.AppointmentCancelled
		return s.client.UpdateAppointment(ctx, ext)
	})
	if err != nil {
		s.logger.Error("external appointment not cancelled",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("external_appointment_id", externalID),
			zap.Error(err),
		)
	}
}

func enrichmentFields(p *patient.Patient, appt *appointment.Appointment) pipeline.Fields {
	var f pipeline.Fields
	if p.DateOfBirth != nil {
		dob := p.DateOfBirth.Format("2006-01-02")
		f.DateOfBirth = &dob
	}
	f.InsurancePlanID = appt.PayerID
	f.InsuranceMemberID = appt.Enrichment.InsuranceMemberID
	f.ReferrerEmail = appt.Enrichment.ReferrerEmail
	f.ReferrerPhone = appt.Enrichment.ReferrerPhone
	return f
}

func outcomeFor(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, patient.ErrInvalidIdentity):
		return OutcomeInvalid
	case errors.Is(err, availability.ErrSlotBooked),
		errors.Is(err, availability.ErrSlotUnavailable),
		errors.Is(err, idempotency.ErrKeyConflict),
		errors.Is(err, appointment.ErrDuplicateKey):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
