package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/patient"
)

// memAppointments is an in-memory appointment.Repository that enforces the
// same key and overlap constraints as the database.
type memAppointments struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*appointment.Appointment
	order []uuid.UUID
}

func newMemAppointments() *memAppointments {
	return &memAppointments{rows: map[uuid.UUID]*appointment.Appointment{}}
}

func (m *memAppointments) copyOf(a *appointment.Appointment) *appointment.Appointment {
	cp := *a
	return &cp
}

func (m *memAppointments) Get(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return m.copyOf(a), nil
}

func (m *memAppointments) FindByIdempotencyKey(_ context.Context, key string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.IdempotencyKey == key {
			return m.copyOf(a), nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *memAppointments) overlapLocked(providerID string, iv availability.Interval) bool {
	for _, a := range m.rows {
		if a.ProviderID == providerID && a.Status.Active() && a.Interval().Overlaps(iv) {
			return true
		}
	}
	return false
}

func (m *memAppointments) HasOverlap(_ context.Context, providerID string, iv availability.Interval) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapLocked(providerID, iv), nil
}

func (m *memAppointments) Insert(_ context.Context, na appointment.NewAppointment) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.IdempotencyKey == na.IdempotencyKey {
			return nil, appointment.ErrDuplicateKey
		}
	}
	iv := availability.Interval{Start: na.StartAt, End: na.EndAt}
	if m.overlapLocked(na.ProviderID, iv) {
		return nil, availability.ErrSlotBooked
	}
	now := time.Now().UTC()
	a := &appointment.Appointment{
		ID:                 uuid.New(),
		PatientID:          na.PatientID,
		ProviderID:         na.ProviderID,
		PayerID:            na.PayerID,
		StartAt:            na.StartAt,
		EndAt:              na.EndAt,
		Status:             appointment.StatusPending,
		IdempotencyKey:     na.IdempotencyKey,
		RequestFingerprint: na.RequestFingerprint,
		Notes:              na.Notes,
		Enrichment:         na.Enrichment,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.rows[a.ID] = a
	m.order = append(m.order, a.ID)
	return m.copyOf(a), nil
}

func (m *memAppointments) MarkScheduled(_ context.Context, id uuid.UUID, externalID string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	if a.Status == appointment.StatusPending && a.ExternalAppointmentID == nil {
		a.Status = appointment.StatusScheduled
		a.ExternalAppointmentID = &externalID
		a.LastSyncError = nil
	}
	return m.copyOf(a), nil
}

func (m *memAppointments) MarkError(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.rows[id]; ok && a.Status == appointment.StatusPending {
		a.Status = appointment.StatusError
		a.SyncAttempts++
		a.LastSyncError = &reason
	}
	return nil
}

func (m *memAppointments) RecordSyncFailure(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.rows[id]; ok {
		a.SyncAttempts++
		a.LastSyncError = &reason
	}
	return nil
}

func (m *memAppointments) MarkEnriched(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.rows[id]; ok {
		now := time.Now().UTC()
		a.EnrichedAt = &now
	}
	return nil
}

func (m *memAppointments) Cancel(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.Status = appointment.StatusCancelled
	return m.copyOf(a), nil
}

func (m *memAppointments) ListUnsynced(_ context.Context, createdBefore time.Time, maxAttempts, limit int) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, id := range m.order {
		a := m.rows[id]
		if !a.CreatedAt.Before(createdBefore) || !a.NeedsSync() || a.SyncAttempts >= maxAttempts {
			continue
		}
		if a.Status == appointment.StatusPending && a.ExternalAppointmentID != nil {
			continue
		}
		out = append(out, *a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memAppointments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

var _ appointment.Repository = (*memAppointments)(nil)

// memPatients backs the resolver and the synchronizer.
type memPatients struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*patient.Patient
}

func newMemPatients() *memPatients {
	return &memPatients{rows: map[uuid.UUID]*patient.Patient{}}
}

func (m *memPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPatients) FindByEmail(_ context.Context, email string) ([]patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []patient.Patient
	for _, p := range m.rows {
		if p.CanonicalEmail == email {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memPatients) FindByExternalClientID(_ context.Context, externalClientID string) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ExternalClientID != nil && *p.ExternalClientID == externalClientID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrPatientNotFound
}

func (m *memPatients) Create(_ context.Context, np patient.NewPatient) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &patient.Patient{
		ID:             uuid.New(),
		CanonicalEmail: np.CanonicalEmail,
		FirstName:      np.FirstName,
		LastName:       np.LastName,
		DateOfBirth:    np.DateOfBirth,
		Phone:          np.Phone,
		CreatedAt:      time.Now(),
	}
	m.rows[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memPatients) LinkExternal(_ context.Context, id uuid.UUID, externalClientID string, alias *string) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	if p.ExternalClientID == nil {
		p.ExternalClientID = &externalClientID
		p.ExternalEmailAlias = alias
	}
	cp := *p
	return &cp, nil
}

func (m *memPatients) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type stubChecker struct {
	err error
}

func (c stubChecker) Check(context.Context, string, availability.Interval) error { return c.err }

type stubProviders struct{}

func (stubProviders) GetProvider(_ context.Context, id string) (*availability.Provider, error) {
	return &availability.Provider{ID: id, ExternalProviderID: "ext-" + id, ExternalServiceID: "svc-1", Timezone: "UTC"}, nil
}

// mutexLocker serializes like the Redis locker does, per key.
type mutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *mutexLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
