package audit

import (
	"context"
	"sync"
)

// MemStore keeps entries in memory. It backs tests and the simulator.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if f.AppointmentID != nil && (e.AppointmentID == nil || *e.AppointmentID != *f.AppointmentID) {
			continue
		}
		if f.PatientID != nil && e.PatientID != *f.PatientID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// All returns a copy of every stored entry in insertion order.
func (m *MemStore) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
