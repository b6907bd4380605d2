package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/booking-sync/internal/availability"
)

var appointmentCols = []string{
	"id", "patient_id", "provider_id", "payer_id", "start_at", "end_at", "status",
	"external_appointment_id", "idempotency_key", "request_fingerprint", "notes", "enrichment", "enriched_at",
	"sync_attempts", "last_sync_error", "created_at", "updated_at",
}

type rowFixture struct {
	id, patientID uuid.UUID
	start, end    time.Time
	status        string
	externalID    *string
	enrichment    []byte
	enrichedAt    *time.Time
}

func (f rowFixture) rows() *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(appointmentCols).AddRow(
		f.id, f.patientID, "dr-a", (*string)(nil), f.start, f.end, f.status,
		f.externalID, "k1", "fp-1", (*string)(nil), f.enrichment, f.enrichedAt,
		0, (*string)(nil), now, now,
	)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func sampleNew() NewAppointment {
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	member := "M-100"
	return NewAppointment{
		PatientID:          uuid.New(),
		ProviderID:         "dr-a",
		StartAt:            start,
		EndAt:              start.Add(30 * time.Minute),
		IdempotencyKey:     "k1",
		RequestFingerprint: "fp-1",
		Enrichment:         Enrichment{InsuranceMemberID: &member},
	}
}

func expectOverlap(mock pgxmock.PgxPoolIface, na NewAppointment, exists bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(na.ProviderID, na.StartAt, na.EndAt).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectInsert(mock pgxmock.PgxPoolIface, na NewAppointment) *pgxmock.ExpectedQuery {
	return mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), na.PatientID, na.ProviderID, na.PayerID, na.StartAt, na.EndAt,
			na.IdempotencyKey, na.RequestFingerprint, na.Notes, pgxmock.AnyArg())
}

func TestPgRepositoryInsert(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	na := sampleNew()
	id := uuid.New()

	mock.ExpectBegin()
	expectOverlap(mock, na, false)
	expectInsert(mock, na).
		WillReturnRows(rowFixture{
			id: id, patientID: na.PatientID, start: na.StartAt, end: na.EndAt, status: "pending",
			enrichment: []byte(`{"v":1,"insurance_member_id":"M-100"}`),
		}.rows())
	mock.ExpectCommit()

	a, err := repo.Insert(context.Background(), na)
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 1, a.Enrichment.Version)
	require.NotNil(t, a.Enrichment.InsuranceMemberID)
	assert.Equal(t, "M-100", *a.Enrichment.InsuranceMemberID)
	assert.True(t, a.NeedsSync())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryInsertConflicts(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(mock pgxmock.PgxPoolIface, na NewAppointment)
		want    error
	}{
		{
			name: "overlap seen in transaction",
			prepare: func(mock pgxmock.PgxPoolIface, na NewAppointment) {
				expectOverlap(mock, na, true)
			},
			want: availability.ErrSlotBooked,
		},
		{
			name: "exclusion constraint",
			prepare: func(mock pgxmock.PgxPoolIface, na NewAppointment) {
				expectOverlap(mock, na, false)
				expectInsert(mock, na).
					WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"})
			},
			want: availability.ErrSlotBooked,
		},
		{
			name: "idempotency key taken",
			prepare: func(mock pgxmock.PgxPoolIface, na NewAppointment) {
				expectOverlap(mock, na, false)
				expectInsert(mock, na).
					WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_idempotency_key_key"})
			},
			want: ErrDuplicateKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			repo := NewPgRepository(mock)
			na := sampleNew()

			mock.ExpectBegin()
			tt.prepare(mock, na)
			mock.ExpectRollback()

			_, err := repo.Insert(context.Background(), na)
			assert.ErrorIs(t, err, tt.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPgRepositoryInsertUnexpectedError(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	boom := errors.New("connection reset")
	na := sampleNew()

	mock.ExpectBegin()
	expectOverlap(mock, na, false)
	expectInsert(mock, na).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := repo.Insert(context.Background(), na)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryMarkScheduled(t *testing.T) {
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	ext := "ehr-appt-1"

	t.Run("pending becomes scheduled", func(t *testing.T) {
		mock := newMock(t)
		repo := NewPgRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("UPDATE appointments SET status = 'scheduled'").
			WithArgs(id, ext).
			WillReturnRows(rowFixture{id: id, patientID: uuid.New(), start: start, end: start.Add(time.Hour), status: "scheduled", externalID: &ext}.rows())

		a, err := repo.MarkScheduled(context.Background(), id, ext)
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, a.Status)
		assert.True(t, a.NeedsSync())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already scheduled returns stored row", func(t *testing.T) {
		mock := newMock(t)
		repo := NewPgRepository(mock)
		id := uuid.New()
		stored := "ehr-appt-0"
		enrichedAt := time.Now()

		mock.ExpectQuery("UPDATE appointments SET status = 'scheduled'").
			WithArgs(id, ext).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM appointments WHERE id").
			WithArgs(id).
			WillReturnRows(rowFixture{id: id, patientID: uuid.New(), start: start, end: start.Add(time.Hour), status: "scheduled", externalID: &stored, enrichedAt: &enrichedAt}.rows())

		a, err := repo.MarkScheduled(context.Background(), id, ext)
		require.NoError(t, err)
		require.NotNil(t, a.ExternalAppointmentID)
		assert.Equal(t, stored, *a.ExternalAppointmentID)
		assert.False(t, a.NeedsSync())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgRepositorySyncBookkeeping(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectExec("UPDATE appointments SET sync_attempts").
		WithArgs(id, "ehr unavailable").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointments SET status = 'error'").
		WithArgs(id, "rejected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointments SET enriched_at").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.RecordSyncFailure(ctx, id, "ehr unavailable"))
	require.NoError(t, repo.MarkError(ctx, id, "rejected"))
	require.NoError(t, repo.MarkEnriched(ctx, id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryCancelIsIdempotent(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	id := uuid.New()
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	fixture := rowFixture{id: id, patientID: uuid.New(), start: start, end: start.Add(time.Hour), status: "cancelled"}

	mock.ExpectQuery("UPDATE appointments SET status = 'cancelled'").WithArgs(id).WillReturnRows(fixture.rows())
	mock.ExpectQuery("UPDATE appointments SET status = 'cancelled'").WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM appointments WHERE id").WithArgs(id).WillReturnRows(fixture.rows())

	for i := 0; i < 2; i++ {
		a, err := repo.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, a.Status)
		assert.False(t, a.Status.Active())
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryGetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)

	mock.ExpectQuery("FROM appointments WHERE idempotency_key").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindByIdempotencyKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgRepositoryListUnsynced(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	cutoff := time.Now().Add(-2 * time.Minute)
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(appointmentCols)
	now := time.Now()
	for i := 0; i < 2; i++ {
		rows.AddRow(uuid.New(), uuid.New(), "dr-a", (*string)(nil), start, start.Add(time.Hour), "pending",
			(*string)(nil), "k", "fp", (*string)(nil), []byte(`{"v":1}`), (*time.Time)(nil),
			i+1, (*string)(nil), now, now)
	}
	mock.ExpectQuery("FROM appointments WHERE created_at < \\$1 AND sync_attempts < \\$2").
		WithArgs(cutoff, 10, 50).WillReturnRows(rows)

	got, err := repo.ListUnsynced(context.Background(), cutoff, 10, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].SyncAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryHasOverlap(t *testing.T) {
	mock := newMock(t)
	repo := NewPgRepository(mock)
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	iv := availability.Interval{Start: start, End: start.Add(time.Hour)}

	mock.ExpectQuery(`SELECT EXISTS (.+) AND status IN \('pending', 'scheduled'\) AND tstzrange`).WithArgs("dr-a", iv.Start, iv.End).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	overlap, err := repo.HasOverlap(context.Background(), "dr-a", iv)
	require.NoError(t, err)
	assert.True(t, overlap)
}
