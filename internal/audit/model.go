package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action names one logical call to the external system.
type Action string

const (
	ActionFindClient        Action = "find_client"
	ActionGetClient         Action = "get_client"
	ActionCreateClient      Action = "create_client"
	ActionUpdateClient      Action = "update_client"
	ActionCreateAppointment Action = "create_appointment"
	ActionGetAppointment    Action = "get_appointment"
	ActionUpdateAppointment Action = "update_appointment"
	ActionCancelAppointment Action = "cancel_appointment"
)

type Status string

const (
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusDuplicateDetected Status = "duplicate_detected"
)

// Reasons recorded on client creation and reuse.
const (
	ReasonCreatedCanonical = "created_canonical"
	ReasonCreatedAliased   = "created_aliased"
	ReasonReused           = "reused"
	ReasonEmailCollision   = "email_collision"
)

var ErrEmptyFilter = errors.New("audit query needs an appointment, a patient, or an action and status")

// Entry is one append-only audit record. Payload and Response are redacted
// by the Recorder before storage; queries return the redacted forms.
type Entry struct {
	ID               uuid.UUID
	CreatedAt        time.Time
	Action           Action
	Status           Status
	Reason           string
	PatientID        uuid.UUID
	AppointmentID    *uuid.UUID
	ExternalClientID *string
	Payload          any
	Response         any
	RedactedPayload  json.RawMessage
	RedactedResponse json.RawMessage
	ErrorMessage     string
	Attempts         int
	Duration         time.Duration
}

type Filter struct {
	AppointmentID *uuid.UUID
	PatientID     *uuid.UUID
	Action        Action
	Status        Status
	Limit         int
}

func (f Filter) Validate() error {
	if f.AppointmentID != nil || f.PatientID != nil {
		return nil
	}
	if f.Action != "" && f.Status != "" {
		return nil
	}
	return ErrEmptyFilter
}
