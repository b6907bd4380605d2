package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
)

// Fields are the values a booking may carry onto the external records.
// Nil means "not provided" and never clears anything.
type Fields struct {
	DateOfBirth       *string
	InsurancePlanID   *string
	InsuranceMemberID *string
	ReferrerEmail     *string
	ReferrerPhone     *string
}

type EnrichInput struct {
	PatientID             uuid.UUID
	AppointmentID         uuid.UUID
	ExternalClientID      string
	ExternalAppointmentID string
	Fields                Fields
}

const (
	EnrichUpdated   = "updated"
	EnrichUnchanged = "unchanged"
)

type EnrichmentResult struct {
	Status            string
	ClientFields      []string
	AppointmentFields []string
}

type Pipeline struct {
	client ehr.Client
	exec   *Executor
}

func New(client ehr.Client, exec *Executor) *Pipeline {
	return &Pipeline{client: client, exec: exec}
}

func (p *Pipeline) Executor() *Executor { return p.exec }

// Enrich re-reads the external client and appointment right before writing
// and only writes the ones that actually change.
func (p *Pipeline) Enrich(ctx context.Context, in EnrichInput) (EnrichmentResult, error) {
	result := EnrichmentResult{Status: EnrichUnchanged}
	apptID := in.AppointmentID
	clientID := in.ExternalClientID

	call := func(action audit.Action, payload any) Call {
		return Call{
			Action:           action,
			PatientID:        in.PatientID,
			AppointmentID:    &apptID,
			ExternalClientID: &clientID,
			Payload:          payload,
		}
	}

	client, err := Run(ctx, p.exec, call(audit.ActionGetClient, map[string]string{"id": clientID}),
		func(ctx context.Context) (*ehr.ExternalClient, error) {
			return p.client.GetClient(ctx, clientID)
		})
	if err != nil {
		return result, fmt.Errorf("fetch client: %w", err)
	}

	result.ClientFields = mergeClient(client, in.Fields)
	if len(result.ClientFields) > 0 {
		_, err = Run(ctx, p.exec, call(audit.ActionUpdateClient, client),
			func(ctx context.Context) (*ehr.ExternalClient, error) {
				return p.client.UpdateClient(ctx, client)
			})
		if err != nil {
			return result, fmt.Errorf("update client: %w", err)
		}
		result.Status = EnrichUpdated
	}

	if in.ExternalAppointmentID == "" || (in.Fields.ReferrerEmail == nil && in.Fields.ReferrerPhone == nil) {
		return result, nil
	}

	appt, err := Run(ctx, p.exec, call(audit.ActionGetAppointment, map[string]string{"id": in.ExternalAppointmentID}),
		func(ctx context.Context) (*ehr.ExternalAppointment, error) {
			return p.client.GetAppointment(ctx, in.ExternalAppointmentID)
		})
	if err != nil {
		return result, fmt.Errorf("fetch appointment: %w", err)
	}

	result.AppointmentFields = mergeAppointment(appt, in.Fields)
	if len(result.AppointmentFields) > 0 {
		_, err = Run(ctx, p.exec, call(audit.ActionUpdateAppointment, appt),
			func(ctx context.Context) (*ehr.ExternalAppointment, error) {
				return p.client.UpdateAppointment(ctx, appt)
			})
		if err != nil {
			return result, fmt.Errorf("update appointment: %w", err)
		}
		result.Status = EnrichUpdated
	}
	return result, nil
}

// mergeClient applies f onto c and returns the names of changed fields.
// Date of birth is only filled in, never replaced.
func mergeClient(c *ehr.ExternalClient, f Fields) []string {
	var changed []string
	if f.DateOfBirth != nil && c.DateOfBirth == nil {
		c.DateOfBirth = f.DateOfBirth
		changed = append(changed, "date_of_birth")
	}
	if set(&c.InsurancePlanID, f.InsurancePlanID) {
		changed = append(changed, "insurance_plan_id")
	}
	if set(&c.InsuranceMemberID, f.InsuranceMemberID) {
		changed = append(changed, "insurance_member_id")
	}
	if set(&c.ReferrerEmail, f.ReferrerEmail) {
		changed = append(changed, "referrer_email")
	}
	if set(&c.ReferrerPhone, f.ReferrerPhone) {
		changed = append(changed, "referrer_phone")
	}
	return changed
}

func mergeAppointment(a *ehr.ExternalAppointment, f Fields) []string {
	var changed []string
	if set(&a.ReferrerEmail, f.ReferrerEmail) {
		changed = append(changed, "referrer_email")
	}
	if set(&a.ReferrerPhone, f.ReferrerPhone) {
		changed = append(changed, "referrer_phone")
	}
	return changed
}

func set(dst **string, v *string) bool {
	if v == nil {
		return false
	}
	if *dst != nil && **dst == *v {
		return false
	}
	val := *v
	*dst = &val
	return true
}
