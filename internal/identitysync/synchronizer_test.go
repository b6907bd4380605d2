package identitysync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/ehr/ehrtest"
	"github.com/hackgods/booking-sync/internal/patient"
	"github.com/hackgods/booking-sync/internal/pipeline"
)

type memPatients struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*patient.Patient
}

func newMemPatients(ps ...*patient.Patient) *memPatients {
	m := &memPatients{byID: map[uuid.UUID]*patient.Patient{}}
	for _, p := range ps {
		m.byID[p.ID] = p
	}
	return m
}

func (m *memPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPatients) FindByExternalClientID(_ context.Context, externalClientID string) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ExternalClientID != nil && *p.ExternalClientID == externalClientID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrPatientNotFound
}

func (m *memPatients) LinkExternal(_ context.Context, id uuid.UUID, externalClientID string, alias *string) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	if p.ExternalClientID == nil {
		for _, other := range m.byID {
			if other.ExternalClientID != nil && *other.ExternalClientID == externalClientID {
				return nil, patient.ErrExternalClientClaimed
			}
		}
		p.ExternalClientID = &externalClientID
		p.ExternalEmailAlias = alias
	}
	cp := *p
	return &cp, nil
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return fn(ctx)
}

type fixture struct {
	sync     *Synchronizer
	fake     *ehrtest.Fake
	patients *memPatients
	audit    *audit.MemStore
	locker   *recordingLocker
}

func newFixture(t *testing.T, ps ...*patient.Patient) *fixture {
	t.Helper()
	store := audit.NewMemStore()
	exec := pipeline.NewExecutor(pipeline.Policy{
		MaxAttempts:       2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Millisecond,
		AttemptTimeout:    time.Second,
		RateLimitCooldown: time.Millisecond,
	}, audit.NewRecorder(store, nil), nil, nil)

	f := &fixture{
		fake:     ehrtest.NewFake(),
		patients: newMemPatients(ps...),
		audit:    store,
		locker:   &recordingLocker{},
	}
	f.sync = New(f.fake, exec, f.patients, f.locker, nil, nil)
	return f
}

func (f *fixture) entries(action audit.Action) []audit.Entry {
	var out []audit.Entry
	for _, e := range f.audit.All() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newPatient(email, first, last, dob string) *patient.Patient {
	p := &patient.Patient{ID: uuid.New(), CanonicalEmail: email, FirstName: first, LastName: last}
	if dob != "" {
		d, err := patient.ParseDate(dob)
		if err != nil {
			panic(err)
		}
		p.DateOfBirth = &d
	}
	return p
}

func strptr(s string) *string { return &s }

func TestEnsureLinkedIsNoop(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "1990-01-01")
	p.ExternalClientID = strptr("cl-42")
	f := newFixture(t, p)

	id, err := f.sync.EnsureExternalClient(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "cl-42", id)
	assert.Zero(t, f.fake.Calls(ehrtest.MethodFindClientByEmail))
	assert.Empty(t, f.audit.All())
	assert.Empty(t, f.locker.keys)
}

func TestEnsureCreatesCanonical(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "1990-01-01")
	f := newFixture(t, p)

	id, err := f.sync.EnsureExternalClient(context.Background(), p)
	require.NoError(t, err)

	c, ok := f.fake.Client(id)
	require.True(t, ok)
	assert.Equal(t, "j@x.com", c.Email)
	assert.Equal(t, "1990-01-01", *c.DateOfBirth)

	stored, _ := f.patients.GetByID(context.Background(), p.ID)
	assert.Equal(t, patient.LinkedCanonical, stored.Linkage())
	assert.Equal(t, id, *stored.ExternalClientID)

	created := f.entries(audit.ActionCreateClient)
	require.Len(t, created, 1)
	assert.Equal(t, audit.ReasonCreatedCanonical, created[0].Reason)
	assert.Equal(t, id, *created[0].ExternalClientID)
	assert.NotContains(t, string(created[0].RedactedPayload), "j@x.com")

	assert.Equal(t, []string{patient.LockKey("external-email", "j@x.com")}, f.locker.keys)
}

func TestEnsureReusesMatchingUnclaimedClient(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "1990-01-01")
	f := newFixture(t, p)
	existing := f.fake.SeedClient(ehr.ExternalClient{Email: "j@x.com", FirstName: "JANE", LastName: "doe", DateOfBirth: strptr("1990-01-01")})

	id, err := f.sync.EnsureExternalClient(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
	assert.Zero(t, f.fake.Calls(ehrtest.MethodCreateClient))

	found := f.entries(audit.ActionFindClient)
	require.Len(t, found, 1)
	assert.Equal(t, audit.StatusSuccess, found[0].Status)
	assert.Equal(t, audit.ReasonReused, found[0].Reason)
}

func TestEnsureSharedInboxGetsAlias(t *testing.T) {
	alice := newPatient("caseworker@org.com", "Alice", "Smith", "1980-02-02")
	bob := newPatient("caseworker@org.com", "Bob", "Smith", "1980-02-02")
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	aliceID, err := f.sync.EnsureExternalClient(ctx, alice)
	require.NoError(t, err)
	bobID, err := f.sync.EnsureExternalClient(ctx, bob)
	require.NoError(t, err)
	assert.NotEqual(t, aliceID, bobID)

	// Alice's external record is untouched.
	aliceClient, _ := f.fake.Client(aliceID)
	assert.Equal(t, "caseworker@org.com", aliceClient.Email)
	assert.Equal(t, "Alice", aliceClient.FirstName)

	bobClient, _ := f.fake.Client(bobID)
	assert.Equal(t, "caseworker+"+bob.ID.String()+"@org.com", bobClient.Email)

	stored, _ := f.patients.GetByID(ctx, bob.ID)
	assert.Equal(t, patient.LinkedAliased, stored.Linkage())
	assert.Equal(t, bobClient.Email, *stored.ExternalEmailAlias)

	dup, err := f.audit.Query(ctx, audit.Filter{Action: audit.ActionFindClient, Status: audit.StatusDuplicateDetected})
	require.NoError(t, err)
	require.Len(t, dup, 1)
	assert.Equal(t, bob.ID, dup[0].PatientID)
	assert.Equal(t, audit.ReasonEmailCollision, dup[0].Reason)

	created := f.entries(audit.ActionCreateClient)
	require.Len(t, created, 2)
	assert.Equal(t, audit.ReasonCreatedAliased, created[1].Reason)
}

func TestEnsureSamePersonClaimedByOtherPatientIsCollision(t *testing.T) {
	// Two local rows describing the same name without a date of birth, the
	// first already owning the external record.
	first := newPatient("j@x.com", "Jane", "Doe", "")
	second := newPatient("j@x.com", "Jane", "Doe", "")
	f := newFixture(t, first, second)
	ctx := context.Background()

	firstID, err := f.sync.EnsureExternalClient(ctx, first)
	require.NoError(t, err)
	secondID, err := f.sync.EnsureExternalClient(ctx, second)
	require.NoError(t, err)

	assert.NotEqual(t, firstID, secondID)
	stored, _ := f.patients.GetByID(ctx, second.ID)
	assert.Equal(t, patient.LinkedAliased, stored.Linkage())
}

func TestEnsureReusesAliasFromEarlierAttempt(t *testing.T) {
	owner := newPatient("caseworker@org.com", "Alice", "Smith", "")
	owner.ExternalClientID = strptr("cl-owner")
	bob := newPatient("caseworker@org.com", "Bob", "Smith", "")
	f := newFixture(t, owner, bob)
	f.fake.SeedClient(ehr.ExternalClient{ID: "cl-owner", Email: "caseworker@org.com", FirstName: "Alice", LastName: "Smith"})
	alias := Alias("caseworker@org.com", bob.ID)
	prior := f.fake.SeedClient(ehr.ExternalClient{Email: alias, FirstName: "Bob", LastName: "Smith"})

	id, err := f.sync.EnsureExternalClient(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, prior.ID, id)
	assert.Zero(t, f.fake.Calls(ehrtest.MethodCreateClient))
	assert.Equal(t, 2, f.fake.ClientCount())
}

func TestEnsureCreateFailureLeavesPatientUnlinked(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "")
	f := newFixture(t, p)
	f.fake.FailNext(ehrtest.MethodCreateClient, &ehr.APIError{Method: "POST", Path: "/clients", StatusCode: 422})

	_, err := f.sync.EnsureExternalClient(context.Background(), p)
	require.ErrorIs(t, err, ehr.ErrPermanent)

	stored, _ := f.patients.GetByID(context.Background(), p.ID)
	assert.Equal(t, patient.Unlinked, stored.Linkage())

	created := f.entries(audit.ActionCreateClient)
	require.Len(t, created, 1)
	assert.Equal(t, audit.StatusFailed, created[0].Status)
}

func TestEnsureRereadsLinkUnderLock(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "")
	f := newFixture(t, p)
	stale := *p
	_, err := f.patients.LinkExternal(context.Background(), p.ID, "cl-9", nil)
	require.NoError(t, err)

	id, err := f.sync.EnsureExternalClient(context.Background(), &stale)
	require.NoError(t, err)
	assert.Equal(t, "cl-9", id)
	assert.Zero(t, f.fake.Calls(ehrtest.MethodFindClientByEmail))
}

func TestSamePerson(t *testing.T) {
	p := newPatient("j@x.com", "Jane", "Doe", "1990-01-01")

	tests := []struct {
		name string
		c    ehr.ExternalClient
		want bool
	}{
		{"exact", ehr.ExternalClient{FirstName: "Jane", LastName: "Doe", DateOfBirth: strptr("1990-01-01")}, true},
		{"case and spacing", ehr.ExternalClient{FirstName: " jane ", LastName: "DOE"}, true},
		{"external dob unknown", ehr.ExternalClient{FirstName: "Jane", LastName: "Doe"}, true},
		{"different dob", ehr.ExternalClient{FirstName: "Jane", LastName: "Doe", DateOfBirth: strptr("1991-01-01")}, false},
		{"unreadable dob", ehr.ExternalClient{FirstName: "Jane", LastName: "Doe", DateOfBirth: strptr("01/01/1990")}, false},
		{"different name", ehr.ExternalClient{FirstName: "John", LastName: "Doe"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SamePerson(p, &tt.c))
		})
	}
}

func TestAlias(t *testing.T) {
	id := uuid.MustParse("6f1c2a5e-0000-4000-8000-000000000001")
	assert.Equal(t, "caseworker+6f1c2a5e-0000-4000-8000-000000000001@org.com", Alias(" CaseWorker@Org.com", id))
}
