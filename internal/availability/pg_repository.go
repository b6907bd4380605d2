package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/booking-sync/internal/db"
)

type PgRepository struct {
	pool db.Pool
}

func NewPgRepository(pool db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	err := r.pool.QueryRow(ctx, `
		SELECT id, external_provider_id, external_service_id, timezone
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.ExternalProviderID, &p.ExternalServiceID, &p.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

// Times of day are read as whole seconds so no TIME codec is involved.

func (r *PgRepository) RulesFor(ctx context.Context, providerID string, weekday time.Weekday) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day_of_week,
		       EXTRACT(EPOCH FROM start_time)::int,
		       EXTRACT(EPOCH FROM end_time)::int,
		       recurring
		FROM availability_rules
		WHERE provider_id = $1
		  AND day_of_week = $2
		ORDER BY start_time
	`, providerID, int(weekday))
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var result []Rule
	for rows.Next() {
		var (
			dow, start, end int
			recurring       bool
		)
		if err := rows.Scan(&dow, &start, &end, &recurring); err != nil {
			return nil, err
		}
		result = append(result, Rule{
			DayOfWeek: time.Weekday(dow),
			Start:     TimeOfDay(start),
			End:       TimeOfDay(end),
			Recurring: recurring,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ExceptionsOn(ctx context.Context, providerID string, date time.Time) ([]Exception, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT kind,
		       EXTRACT(EPOCH FROM start_time)::int,
		       EXTRACT(EPOCH FROM end_time)::int
		FROM availability_exceptions
		WHERE provider_id = $1
		  AND exception_date = $2::date
		ORDER BY id
	`, providerID, date.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()

	var result []Exception
	for rows.Next() {
		var (
			kind       string
			start, end *int
		)
		if err := rows.Scan(&kind, &start, &end); err != nil {
			return nil, err
		}
		e := Exception{Date: date, Kind: ExceptionKind(kind)}
		if start != nil && end != nil {
			s, en := TimeOfDay(*start), TimeOfDay(*end)
			e.Start, e.End = &s, &en
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
