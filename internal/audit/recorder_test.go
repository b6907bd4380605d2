package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ err error }

func (f failingStore) Insert(context.Context, Entry) error { return f.err }

func TestRecorderRedactsBeforeStoring(t *testing.T) {
	store := NewMemStore()
	rec := NewRecorder(store, nil)
	patientID := uuid.New()
	apptID := uuid.New()

	err := rec.Record(context.Background(), Entry{
		Action:        ActionCreateClient,
		Status:        StatusFailed,
		PatientID:     patientID,
		AppointmentID: &apptID,
		Payload:       map[string]any{"email": "jane@x.com", "first_name": "Jane"},
		ErrorMessage:  "rejected jane@x.com",
		Duration:      120 * time.Millisecond,
	})
	require.NoError(t, err)

	all := store.All()
	require.Len(t, all, 1)
	e := all[0]
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, 1, e.Attempts)
	assert.Nil(t, e.Payload)
	assert.JSONEq(t, `{"email":"[REDACTED]","first_name":"[REDACTED]"}`, string(e.RedactedPayload))
	assert.Nil(t, e.RedactedResponse)
	assert.Equal(t, "rejected [EMAIL]", e.ErrorMessage)

	byAppt, err := store.Query(context.Background(), Filter{AppointmentID: &apptID})
	require.NoError(t, err)
	assert.Len(t, byAppt, 1)

	byStatus, err := store.Query(context.Background(), Filter{Action: ActionCreateClient, Status: StatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func TestRecorderReturnsStoreError(t *testing.T) {
	boom := errors.New("insert failed")
	rec := NewRecorder(failingStore{err: boom}, nil)

	err := rec.Record(context.Background(), Entry{Action: ActionFindClient, Status: StatusSuccess, PatientID: uuid.New()})
	assert.ErrorIs(t, err, boom)
}

func TestFilterValidate(t *testing.T) {
	id := uuid.New()
	assert.NoError(t, Filter{AppointmentID: &id}.Validate())
	assert.NoError(t, Filter{PatientID: &id}.Validate())
	assert.NoError(t, Filter{Action: ActionFindClient, Status: StatusDuplicateDetected}.Validate())
	assert.ErrorIs(t, Filter{Action: ActionFindClient}.Validate(), ErrEmptyFilter)
	assert.ErrorIs(t, Filter{}.Validate(), ErrEmptyFilter)
}
