// Package ehrtest provides an in-memory external system for tests and local
// simulation.
package ehrtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hackgods/booking-sync/internal/ehr"
)

// Fake implements ehr.Client in memory. Failures can be queued per method.
type Fake struct {
	mu           sync.Mutex
	clients      map[string]*ehr.ExternalClient
	appointments map[string]*ehr.ExternalAppointment
	failures     map[string][]error
	calls        map[string]int
	seq          int
}

func NewFake() *Fake {
	return &Fake{
		clients:      map[string]*ehr.ExternalClient{},
		appointments: map[string]*ehr.ExternalAppointment{},
		failures:     map[string][]error{},
		calls:        map[string]int{},
	}
}

// Method names accepted by FailNext and Calls.
const (
	MethodFindClientByEmail = "FindClientByEmail"
	MethodGetClient         = "GetClient"
	MethodCreateClient      = "CreateClient"
	MethodUpdateClient      = "UpdateClient"
	MethodCreateAppointment = "CreateAppointment"
	MethodGetAppointment    = "GetAppointment"
	MethodUpdateAppointment = "UpdateAppointment"
)

// FailNext queues errs to be returned by the next calls to method.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SeedClient stores c as if it had been created out of band.
func (f *Fake) SeedClient(c ehr.ExternalClient) *ehr.ExternalClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.nextID("cl")
	}
	cp := c
	f.clients[c.ID] = &cp
	return &cp
}

func (f *Fake) Client(id string) (ehr.ExternalClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return ehr.ExternalClient{}, false
	}
	return *c, true
}

func (f *Fake) Appointment(id string) (ehr.ExternalAppointment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appointments[id]
	if !ok {
		return ehr.ExternalAppointment{}, false
	}
	return *a, true
}

func (f *Fake) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func notFound(path string) error {
	return &ehr.APIError{Method: "GET", Path: path, StatusCode: 404}
}

func (f *Fake) FindClientByEmail(_ context.Context, email string) ([]ehr.ExternalClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodFindClientByEmail); err != nil {
		return nil, err
	}
	var out []ehr.ExternalClient
	for _, c := range f.clients {
		if strings.EqualFold(c.Email, email) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *Fake) GetClient(_ context.Context, id string) (*ehr.ExternalClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetClient); err != nil {
		return nil, err
	}
	c, ok := f.clients[id]
	if !ok {
		return nil, notFound("/clients/{id}")
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) CreateClient(_ context.Context, in ehr.ClientInput) (*ehr.ExternalClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodCreateClient); err != nil {
		return nil, err
	}
	c := &ehr.ExternalClient{
		ID:          f.nextID("cl"),
		Email:       in.Email,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		DateOfBirth: in.DateOfBirth,
		Phone:       in.Phone,
	}
	f.clients[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *Fake) UpdateClient(_ context.Context, c *ehr.ExternalClient) (*ehr.ExternalClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodUpdateClient); err != nil {
		return nil, err
	}
	if _, ok := f.clients[c.ID]; !ok {
		return nil, notFound("/clients/{id}")
	}
	cp := *c
	f.clients[c.ID] = &cp
	out := cp
	return &out, nil
}

func (f *Fake) CreateAppointment(_ context.Context, in ehr.AppointmentInput) (*ehr.ExternalAppointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodCreateAppointment); err != nil {
		return nil, err
	}
	a := &ehr.ExternalAppointment{
		ID:         f.nextID("ap"),
		ClientID:   in.ClientID,
		ProviderID: in.ProviderID,
		ServiceID:  in.ServiceID,
		Start:      in.Start,
		End:        in.End,
		Status:     ehr.AppointmentBooked,
		Notes:      in.Notes,
		Reference:  in.Reference,
	}
	f.appointments[a.ID] = a
	cp := *a
	return &cp, nil
}

func (f *Fake) GetAppointment(_ context.Context, id string) (*ehr.ExternalAppointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetAppointment); err != nil {
		return nil, err
	}
	a, ok := f.appointments[id]
	if !ok {
		return nil, notFound("/appointments/{id}")
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) UpdateAppointment(_ context.Context, a *ehr.ExternalAppointment) (*ehr.ExternalAppointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodUpdateAppointment); err != nil {
		return nil, err
	}
	if _, ok := f.appointments[a.ID]; !ok {
		return nil, notFound("/appointments/{id}")
	}
	cp := *a
	f.appointments[a.ID] = &cp
	out := cp
	return &out, nil
}

var _ ehr.Client = (*Fake)(nil)
