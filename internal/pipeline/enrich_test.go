package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/ehr/ehrtest"
)

func strptr(s string) *string { return &s }

func newTestPipeline(t *testing.T) (*Pipeline, *ehrtest.Fake, *audit.MemStore) {
	t.Helper()
	e, store, _ := newTestExecutor(testPolicy())
	fake := ehrtest.NewFake()
	return New(fake, e), fake, store
}

func seedBooking(t *testing.T, fake *ehrtest.Fake) (*ehr.ExternalClient, *ehr.ExternalAppointment) {
	t.Helper()
	c := fake.SeedClient(ehr.ExternalClient{
		Email:       "jane@x.com",
		FirstName:   "Jane",
		LastName:    "Doe",
		DateOfBirth: strptr("1990-01-01"),
	})
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	a, err := fake.CreateAppointment(context.Background(), ehr.AppointmentInput{
		ClientID: c.ID, ProviderID: "p-1", ServiceID: "s-1",
		Start: start, End: start.Add(time.Hour), Reference: uuid.NewString(),
	})
	require.NoError(t, err)
	return c, a
}

func TestEnrichWritesChangedFields(t *testing.T) {
	p, fake, store := newTestPipeline(t)
	c, a := seedBooking(t, fake)

	res, err := p.Enrich(context.Background(), EnrichInput{
		PatientID:             uuid.New(),
		AppointmentID:         uuid.New(),
		ExternalClientID:      c.ID,
		ExternalAppointmentID: a.ID,
		Fields: Fields{
			DateOfBirth:       strptr("1985-05-05"),
			InsurancePlanID:   strptr("plan-9"),
			InsuranceMemberID: strptr("M123"),
			ReferrerEmail:     strptr("dr@clinic.com"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, EnrichUpdated, res.Status)
	assert.Equal(t, []string{"insurance_plan_id", "insurance_member_id", "referrer_email"}, res.ClientFields)
	assert.Equal(t, []string{"referrer_email"}, res.AppointmentFields)

	got, _ := fake.Client(c.ID)
	// An existing date of birth is never replaced.
	assert.Equal(t, "1990-01-01", *got.DateOfBirth)
	assert.Equal(t, "M123", *got.InsuranceMemberID)
	assert.Equal(t, "dr@clinic.com", *got.ReferrerEmail)
	assert.Nil(t, got.ReferrerPhone)

	gotAppt, _ := fake.Appointment(a.ID)
	assert.Equal(t, "dr@clinic.com", *gotAppt.ReferrerEmail)

	var actions []audit.Action
	for _, e := range store.All() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []audit.Action{
		audit.ActionGetClient, audit.ActionUpdateClient,
		audit.ActionGetAppointment, audit.ActionUpdateAppointment,
	}, actions)
}

func TestEnrichSkipsWritesWhenNothingChanges(t *testing.T) {
	p, fake, _ := newTestPipeline(t)
	c, a := seedBooking(t, fake)
	in := EnrichInput{
		PatientID:             uuid.New(),
		AppointmentID:         uuid.New(),
		ExternalClientID:      c.ID,
		ExternalAppointmentID: a.ID,
		Fields:                Fields{InsuranceMemberID: strptr("M123"), ReferrerPhone: strptr("5551234567")},
	}

	_, err := p.Enrich(context.Background(), in)
	require.NoError(t, err)

	res, err := p.Enrich(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, EnrichUnchanged, res.Status)
	assert.Empty(t, res.ClientFields)
	assert.Empty(t, res.AppointmentFields)
	assert.Equal(t, 1, fake.Calls(ehrtest.MethodUpdateClient))
	assert.Equal(t, 1, fake.Calls(ehrtest.MethodUpdateAppointment))
}

func TestEnrichFillsMissingDOB(t *testing.T) {
	p, fake, _ := newTestPipeline(t)
	c := fake.SeedClient(ehr.ExternalClient{Email: "a@b.com", FirstName: "A", LastName: "B"})

	res, err := p.Enrich(context.Background(), EnrichInput{
		PatientID:        uuid.New(),
		AppointmentID:    uuid.New(),
		ExternalClientID: c.ID,
		Fields:           Fields{DateOfBirth: strptr("1970-07-07")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"date_of_birth"}, res.ClientFields)

	got, _ := fake.Client(c.ID)
	assert.Equal(t, "1970-07-07", *got.DateOfBirth)
	assert.Zero(t, fake.Calls(ehrtest.MethodGetAppointment))
}

func TestEnrichSkipsAppointmentWithoutReferrer(t *testing.T) {
	p, fake, _ := newTestPipeline(t)
	c, a := seedBooking(t, fake)

	_, err := p.Enrich(context.Background(), EnrichInput{
		PatientID:             uuid.New(),
		AppointmentID:         uuid.New(),
		ExternalClientID:      c.ID,
		ExternalAppointmentID: a.ID,
		Fields:                Fields{InsurancePlanID: strptr("plan-1")},
	})
	require.NoError(t, err)
	assert.Zero(t, fake.Calls(ehrtest.MethodGetAppointment))
}

func TestEnrichUpdateFailureSurfaces(t *testing.T) {
	p, fake, store := newTestPipeline(t)
	c, _ := seedBooking(t, fake)
	fake.FailNext(ehrtest.MethodUpdateClient, &ehr.APIError{Method: "PUT", Path: "/clients/{id}", StatusCode: 400})

	_, err := p.Enrich(context.Background(), EnrichInput{
		PatientID:        uuid.New(),
		AppointmentID:    uuid.New(),
		ExternalClientID: c.ID,
		Fields:           Fields{InsuranceMemberID: strptr("M1")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ehr.ErrPermanent)

	failed, err := store.Query(context.Background(), audit.Filter{Action: audit.ActionUpdateClient, Status: audit.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}
