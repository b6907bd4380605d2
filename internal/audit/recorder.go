package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Inserter interface {
	Insert(ctx context.Context, e Entry) error
}

// Recorder redacts and appends entries.
type Recorder struct {
	store  Inserter
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store Inserter, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record stores e with its payload, response and error text redacted.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.Attempts == 0 {
		e.Attempts = 1
	}
	if e.Payload != nil {
		e.RedactedPayload = Redact(e.Payload)
	}
	if e.Response != nil {
		e.RedactedResponse = Redact(e.Response)
	}
	e.Payload, e.Response = nil, nil
	e.ErrorMessage = ScrubText(e.ErrorMessage)

	if err := r.store.Insert(ctx, e); err != nil {
		r.logger.Error("audit entry not stored",
			zap.String("action", string(e.Action)),
			zap.String("status", string(e.Status)),
			zap.String("patient_id", e.PatientID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}
