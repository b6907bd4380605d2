package ehr

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Client is the slice of the external practice-management API the sync
// engine uses.
type Client interface {
	FindClientByEmail(ctx context.Context, email string) ([]ExternalClient, error)
	GetClient(ctx context.Context, id string) (*ExternalClient, error)
	CreateClient(ctx context.Context, in ClientInput) (*ExternalClient, error)
	UpdateClient(ctx context.Context, c *ExternalClient) (*ExternalClient, error)

	CreateAppointment(ctx context.Context, in AppointmentInput) (*ExternalAppointment, error)
	GetAppointment(ctx context.Context, id string) (*ExternalAppointment, error)
	UpdateAppointment(ctx context.Context, a *ExternalAppointment) (*ExternalAppointment, error)
}

// ExternalClient is a patient record on the external side. Attributes this
// engine does not model are kept in Extra and written back untouched.
type ExternalClient struct {
	ID                string  `json:"id"`
	Email             string  `json:"email"`
	FirstName         string  `json:"first_name"`
	LastName          string  `json:"last_name"`
	DateOfBirth       *string `json:"date_of_birth,omitempty"`
	Phone             *string `json:"phone,omitempty"`
	InsurancePlanID   *string `json:"insurance_plan_id,omitempty"`
	InsuranceMemberID *string `json:"insurance_member_id,omitempty"`
	ReferrerEmail     *string `json:"referrer_email,omitempty"`
	ReferrerPhone     *string `json:"referrer_phone,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type ClientInput struct {
	Email       string  `json:"email"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

type ExternalAppointment struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	ProviderID    string    `json:"provider_id"`
	ServiceID     string    `json:"service_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        string    `json:"status"`
	Notes         *string   `json:"notes,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	ReferrerEmail *string   `json:"referrer_email,omitempty"`
	ReferrerPhone *string   `json:"referrer_phone,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

const (
	AppointmentBooked    = "booked"
	AppointmentCancelled = "cancelled"
)

type AppointmentInput struct {
	ClientID   string    `json:"client_id"`
	ProviderID string    `json:"provider_id"`
	ServiceID  string    `json:"service_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Notes      *string   `json:"notes,omitempty"`
	// Reference is the local appointment id.
	Reference string `json:"reference"`
}

func (c *ExternalClient) UnmarshalJSON(b []byte) error {
	type plain ExternalClient
	if err := json.Unmarshal(b, (*plain)(c)); err != nil {
		return err
	}
	extra, err := unknownFields(b, plain{})
	c.Extra = extra
	return err
}

func (c ExternalClient) MarshalJSON() ([]byte, error) {
	type plain ExternalClient
	return withExtra(plain(c), c.Extra)
}

func (a *ExternalAppointment) UnmarshalJSON(b []byte) error {
	type plain ExternalAppointment
	if err := json.Unmarshal(b, (*plain)(a)); err != nil {
		return err
	}
	extra, err := unknownFields(b, plain{})
	a.Extra = extra
	return err
}

func (a ExternalAppointment) MarshalJSON() ([]byte, error) {
	type plain ExternalAppointment
	return withExtra(plain(a), a.Extra)
}

func unknownFields(b []byte, known any) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for _, k := range jsonKeys(known) {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func withExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func jsonKeys(v any) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		keys = append(keys, name)
	}
	return keys
}
