package identitysync

import (
	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
)

const (
	decisionCreate    = "create"
	decisionReuse     = "reuse"
	decisionCollision = "collision"
)

// lookupResult is the outcome of a find call. Only counts and ids are kept
// so the audit response carries no identity fields.
type lookupResult struct {
	Decision string `json:"decision"`
	Matched  int    `json:"matched"`
	ClientID string `json:"client_id,omitempty"`
}

func (r lookupResult) Annotate(e *audit.Entry) {
	switch r.Decision {
	case decisionCollision:
		e.Status = audit.StatusDuplicateDetected
		e.Reason = audit.ReasonEmailCollision
	case decisionReuse:
		e.Reason = audit.ReasonReused
		id := r.ClientID
		e.ExternalClientID = &id
	}
}

type createResult struct {
	*ehr.ExternalClient
	reason string
}

func (r createResult) Annotate(e *audit.Entry) {
	e.Reason = r.reason
	if r.ExternalClient != nil {
		id := r.ID
		e.ExternalClientID = &id
	}
}
