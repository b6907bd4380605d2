package patient

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var ErrInvalidIdentity = errors.New("invalid patient identity")

// Identity is the demographic block submitted with a booking.
type Identity struct {
	Email       string
	FirstName   string
	LastName    string
	DateOfBirth string // optional, 2006-01-02 or RFC3339
	Phone       string // optional
}

// Normalized is an Identity after canonicalization. DateOfBirth is a UTC
// midnight calendar date; Phone holds digits only.
type Normalized struct {
	Email       string
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
	Phone       *string
}

func (in Identity) Normalize() (Normalized, error) {
	var out Normalized

	out.Email = NormalizeEmail(in.Email)
	if out.Email == "" {
		return Normalized{}, fmt.Errorf("%w: email is required", ErrInvalidIdentity)
	}
	at := strings.LastIndex(out.Email, "@")
	if at <= 0 || at == len(out.Email)-1 || strings.ContainsAny(out.Email, " \t") {
		return Normalized{}, fmt.Errorf("%w: email is malformed", ErrInvalidIdentity)
	}

	out.FirstName = NormalizeName(in.FirstName)
	if out.FirstName == "" {
		return Normalized{}, fmt.Errorf("%w: first name is required", ErrInvalidIdentity)
	}
	out.LastName = NormalizeName(in.LastName)
	if out.LastName == "" {
		return Normalized{}, fmt.Errorf("%w: last name is required", ErrInvalidIdentity)
	}

	if strings.TrimSpace(in.DateOfBirth) != "" {
		dob, err := ParseDate(in.DateOfBirth)
		if err != nil {
			return Normalized{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		out.DateOfBirth = &dob
	}

	if phone := NormalizePhone(in.Phone); phone != "" {
		out.Phone = &phone
	}

	return out, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims and collapses inner whitespace. Case is preserved for
// storage; comparisons are case-insensitive.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseDate reads a calendar date, discarding any time of day and zone.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("date of birth %q is not a date", raw)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameName(a, b string) bool {
	return strings.EqualFold(NormalizeName(a), NormalizeName(b))
}

// LockKey derives a lock name for an email without putting the address
// itself into Redis.
func LockKey(scope, email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return scope + ":" + hex.EncodeToString(sum[:])
}
