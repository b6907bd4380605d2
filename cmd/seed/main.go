package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/db"
	"github.com/hackgods/booking-sync/internal/logging"
)

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"UTC",
}

func main() {
	providers := flag.Int("providers", 20, "number of providers to create")
	days := flag.Int("exception-days", 30, "days ahead to scatter availability exceptions over")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("seed starting", zap.Int("providers", *providers))

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedProviders(context.Background(), pool, faker, logger, *providers, *days); err != nil {
		logger.Fatal("seed providers", zap.Error(err))
	}

	logger.Info("seed complete")
}

// providerID matches the ids cmd/simulate books against.
func providerID(n int) string {
	return fmt.Sprintf("prov-%03d", n)
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, logger *zap.Logger, count, exceptionDays int) error {

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	today := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 1; i <= count; i++ {
		id := providerID(i)
		tz := timezones[faker.Number(0, len(timezones)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, external_provider_id, external_service_id, timezone, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO NOTHING
		`, id, faker.UUID(), faker.UUID(), tz)
		if err != nil {
			return err
		}

		// Weekday office hours with a lunch break, some providers also on Saturday.
		lastDay := 5
		if faker.Bool() {
			lastDay = 6
		}
		for dow := 1; dow <= lastDay; dow++ {
			if err := insertRule(ctx, tx, id, dow, "09:00", "12:00"); err != nil {
				return err
			}
			if err := insertRule(ctx, tx, id, dow, "13:00", "17:00"); err != nil {
				return err
			}
		}

		for n := faker.Number(0, 3); n > 0; n-- {
			date := today.AddDate(0, 0, faker.Number(1, exceptionDays))
			switch faker.RandomString([]string{"block", "add", "modify"}) {
			case "block":
				_, err = tx.Exec(ctx, `
					INSERT INTO availability_exceptions (provider_id, exception_date, kind)
					VALUES ($1, $2::date, 'block')
				`, id, date.Format("2006-01-02"))
			case "add":
				_, err = tx.Exec(ctx, `
					INSERT INTO availability_exceptions (provider_id, exception_date, kind, start_time, end_time)
					VALUES ($1, $2::date, 'add', '18:00', '20:00')
				`, id, date.Format("2006-01-02"))
			case "modify":
				_, err = tx.Exec(ctx, `
					INSERT INTO availability_exceptions (provider_id, exception_date, kind, start_time, end_time)
					VALUES ($1, $2::date, 'modify', '10:00', '14:00')
				`, id, date.Format("2006-01-02"))
			}
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info("providers seeded", zap.Int("count", count))
	return nil
}

func insertRule(ctx context.Context, tx pgx.Tx, providerID string, dow int, start, end string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO availability_rules (provider_id, day_of_week, start_time, end_time, recurring)
		VALUES ($1, $2, $3::time, $4::time, TRUE)
	`, providerID, dow, start, end)
	return err
}
