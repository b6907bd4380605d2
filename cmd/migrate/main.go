package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/db"
	"github.com/hackgods/booking-sync/internal/logging"
)

func main() {
	force := flag.Int("force", -1, "force the schema version instead of migrating up")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}

	if err := db.Migrate(dsn, *force); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}

	if *force >= 0 {
		logger.Info("schema version forced", zap.Int("version", *force))
		return
	}
	logger.Info("migrations applied")
}
