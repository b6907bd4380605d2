package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrKeyConflict = errors.New("idempotency key was already used for a different request")
	ErrEmptyKey    = errors.New("idempotency key is required")
)

const MaxKeyLength = 255

// Record is what a key resolved to the first time it was used.
type Record struct {
	Key           string
	Fingerprint   string
	AppointmentID uuid.UUID
}

// Store looks up a persisted key. The operation itself persists keys inside
// its own transaction, so the guard only reads.
type Store interface {
	Lookup(ctx context.Context, key string) (Record, bool, error)
}

// Op performs the guarded work once and returns the id it created.
type Op func(ctx context.Context) (uuid.UUID, error)

type Guard struct {
	store Store
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Do runs op at most once per key. A replay with the same fingerprint
// returns the stored record with replayed=true; a different fingerprint
// returns ErrKeyConflict.
func (g *Guard) Do(ctx context.Context, key, fingerprint string, op Op) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	if len(key) > MaxKeyLength {
		return Record{}, false, fmt.Errorf("idempotency key longer than %d bytes", MaxKeyLength)
	}

	if rec, ok, err := g.replay(ctx, key, fingerprint); err != nil || ok {
		return rec, ok, err
	}

	id, opErr := op(ctx)
	if opErr == nil {
		return Record{Key: key, Fingerprint: fingerprint, AppointmentID: id}, false, nil
	}

	// A concurrent request may have claimed the key between our lookup and
	// our insert. If so, answer as its replay instead of surfacing the race.
	rec, ok, err := g.replay(ctx, key, fingerprint)
	switch {
	case errors.Is(err, ErrKeyConflict):
		return Record{}, false, err
	case err != nil:
		return Record{}, false, errors.Join(opErr, err)
	case ok:
		return rec, true, nil
	}
	return Record{}, false, opErr
}

func (g *Guard) replay(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	rec, found, err := g.store.Lookup(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !found {
		return Record{}, false, nil
	}
	if rec.Fingerprint != fingerprint {
		return Record{}, false, ErrKeyConflict
	}
	return rec, true, nil
}

// Fingerprint hashes the normalized request fields in order.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
