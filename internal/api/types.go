package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/audit"
)

type PatientRequest struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

type EnrichmentRequest struct {
	InsuranceMemberID *string `json:"insurance_member_id,omitempty"`
	ReferrerEmail     *string `json:"referrer_email,omitempty"`
	ReferrerPhone     *string `json:"referrer_phone,omitempty"`
}

type CreateAppointmentRequest struct {
	Patient        PatientRequest     `json:"patient"`
	ProviderID     string             `json:"provider_id"`
	PayerID        *string            `json:"payer_id,omitempty"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	IdempotencyKey string             `json:"idempotency_key"`
	Notes          *string            `json:"notes,omitempty"`
	Enrichment     *EnrichmentRequest `json:"enrichment,omitempty"`
}

type BookingResponse struct {
	AppointmentID         uuid.UUID `json:"appointment_id"`
	ExternalAppointmentID *string   `json:"external_appointment_id"`
	Status                string    `json:"status"`
	PatientID             uuid.UUID `json:"patient_id"`
	Replayed              bool      `json:"replayed"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID  `json:"id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	ProviderID            string     `json:"provider_id"`
	PayerID               *string    `json:"payer_id,omitempty"`
	Start                 time.Time  `json:"start"`
	End                   time.Time  `json:"end"`
	Status                string     `json:"status"`
	ExternalAppointmentID *string    `json:"external_appointment_id"`
	EnrichedAt            *time.Time `json:"enriched_at,omitempty"`
	SyncAttempts          int        `json:"sync_attempts"`
	LastSyncError         *string    `json:"last_sync_error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                    a.ID,
		PatientID:             a.PatientID,
		ProviderID:            a.ProviderID,
		PayerID:               a.PayerID,
		Start:                 a.StartAt,
		End:                   a.EndAt,
		Status:                string(a.Status),
		ExternalAppointmentID: a.ExternalAppointmentID,
		EnrichedAt:            a.EnrichedAt,
		SyncAttempts:          a.SyncAttempts,
		LastSyncError:         a.LastSyncError,
		CreatedAt:             a.CreatedAt,
	}
}

type AuditEntryResponse struct {
	ID               uuid.UUID       `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	Action           string          `json:"action"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	PatientID        uuid.UUID       `json:"patient_id"`
	AppointmentID    *uuid.UUID      `json:"appointment_id,omitempty"`
	ExternalClientID *string         `json:"external_client_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Attempts         int             `json:"attempts"`
	DurationMS       int64           `json:"duration_ms"`
}

func toAuditResponse(e audit.Entry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:               e.ID,
		CreatedAt:        e.CreatedAt,
		Action:           string(e.Action),
		Status:           string(e.Status),
		Reason:           e.Reason,
		PatientID:        e.PatientID,
		AppointmentID:    e.AppointmentID,
		ExternalClientID: e.ExternalClientID,
		Payload:          e.RedactedPayload,
		Response:         e.RedactedResponse,
		ErrorMessage:     e.ErrorMessage,
		Attempts:         e.Attempts,
		DurationMS:       e.Duration.Milliseconds(),
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
