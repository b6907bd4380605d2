package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tier is the matching tier that produced a resolution.
type Tier string

const (
	TierStrong   Tier = "strong"
	TierFallback Tier = "fallback"
	TierNone     Tier = "none"
)

// Store is what the resolver needs from patient storage.
type Store interface {
	FindByEmail(ctx context.Context, canonicalEmail string) ([]Patient, error)
	Create(ctx context.Context, p NewPatient) (*Patient, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Resolver finds or creates the canonical patient for a submitted identity.
// It never merges rows and never rewrites identifying fields of an
// existing patient.
type Resolver struct {
	store  Store
	locker Locker
	logger *zap.Logger
}

func NewResolver(store Store, locker Locker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, locker: locker, logger: logger}
}

// Resolve returns the patient id for in, and whether it was created.
func (r *Resolver) Resolve(ctx context.Context, in Identity) (uuid.UUID, bool, error) {
	id, err := in.Normalize()
	if err != nil {
		return uuid.Nil, false, err
	}

	var (
		patientID uuid.UUID
		isNew     bool
	)
	run := func(ctx context.Context) error {
		var err error
		patientID, isNew, err = r.resolveNormalized(ctx, id)
		return err
	}

	if r.locker == nil {
		err = run(ctx)
	} else {
		err = r.locker.WithLock(ctx, LockKey("identity", id.Email), run)
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return patientID, isNew, nil
}

func (r *Resolver) resolveNormalized(ctx context.Context, id Normalized) (uuid.UUID, bool, error) {
	candidates, err := r.store.FindByEmail(ctx, id.Email)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("load candidates: %w", err)
	}

	if p, tier := Match(id, candidates); p != nil {
		r.logger.Debug("patient resolved", zap.String("patient_id", p.ID.String()), zap.String("tier", string(tier)))
		return p.ID, false, nil
	}

	created, err := r.store.Create(ctx, NewPatient{
		CanonicalEmail: id.Email,
		FirstName:      id.FirstName,
		LastName:       id.LastName,
		DateOfBirth:    id.DateOfBirth,
		Phone:          id.Phone,
	})
	if errors.Is(err, ErrStrongIdentityExists) {
		// Lost a race with a concurrent insert of the same person.
		candidates, err = r.store.FindByEmail(ctx, id.Email)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reload candidates: %w", err)
		}
		if p, _ := Match(id, candidates); p != nil {
			return p.ID, false, nil
		}
		return uuid.Nil, false, errors.New("strong identity conflict without a match")
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("create patient: %w", err)
	}

	r.logger.Info("patient created", zap.String("patient_id", created.ID.String()), zap.Int("email_siblings", len(candidates)))
	return created.ID, true, nil
}

// Match applies the tiered policy to candidates sharing the canonical email.
//
// Strong: first, last and date of birth equal. Fallback, only when the
// submission has no date of birth: first, last and phone equal. The fallback
// is ambiguous, and resolves to no match, as soon as more than one candidate
// shares the email and name, whatever their phones.
func Match(id Normalized, candidates []Patient) (*Patient, Tier) {
	if id.DateOfBirth != nil {
		for i := range candidates {
			c := &candidates[i]
			if c.CanonicalEmail != id.Email || c.DateOfBirth == nil {
				continue
			}
			if sameName(c.FirstName, id.FirstName) && sameName(c.LastName, id.LastName) && sameDate(c.DateOfBirth, id.DateOfBirth) {
				return c, TierStrong
			}
		}
		return nil, TierNone
	}

	if id.Phone == nil {
		return nil, TierNone
	}

	var named *Patient
	for i := range candidates {
		c := &candidates[i]
		if c.CanonicalEmail != id.Email || !sameName(c.FirstName, id.FirstName) || !sameName(c.LastName, id.LastName) {
			continue
		}
		if named != nil {
			return nil, TierNone
		}
		named = c
	}
	if named == nil || named.Phone == nil || NormalizePhone(*named.Phone) != *id.Phone {
		return nil, TierNone
	}
	return named, TierFallback
}
