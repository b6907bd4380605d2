package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/booking-sync/internal/api"
	"github.com/hackgods/booking-sync/internal/config"
	"github.com/hackgods/booking-sync/internal/db"
	"github.com/hackgods/booking-sync/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	BookingRatio   float64
	DuplicateRatio float64
	InboxRatio     float64
	OverlapRatio   float64
	ReadRatio      float64
	ProviderLimit  int
	HorizonDays    int
	PostgresDSN    string
}

type provider struct {
	ID  string
	Loc *time.Location
}

// DataPool holds what workers draw on: seeded providers plus the requests
// and appointments produced so far.
type DataPool struct {
	Providers []provider

	mu           sync.RWMutex
	sent         []api.CreateAppointmentRequest
	appointments []uuid.UUID
}

func (dp *DataPool) AddSent(req api.CreateAppointmentRequest) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.sent = append(dp.sent, req)
}

func (dp *DataPool) RandomSent(rng *rand.Rand) (api.CreateAppointmentRequest, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.sent) == 0 {
		return api.CreateAppointmentRequest{}, false
	}
	return dp.sent[rng.Intn(len(dp.sent))], true
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking     OperationMetrics
	Duplicate   OperationMetrics
	SharedInbox OperationMetrics
	Overlap     OperationMetrics
	ReadByID    OperationMetrics

	Replayed  int64
	Scheduled int64
	Pending   int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *resty.Client
	logger  *zap.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(baseCfg.Env, baseCfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("duplicate", cfg.DuplicateRatio),
		zap.Float64("inbox", cfg.InboxRatio),
		zap.Float64("overlap", cfg.OverlapRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data pool loaded", zap.Int("providers", len(dataPool.Providers)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		logger: logger,
		client: resty.New().
			SetBaseURL(cfg.APIBaseURL).
			SetTimeout(time.Minute).
			SetHeader("Content-Type", "application/json"),
	}

	if err := sim.Run(); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	sim.PrintReport()
}

func loadConfig(baseCfg config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.4),
		DuplicateRatio: getFloat("SIM_DUPLICATE_RATIO", 0.2),
		InboxRatio:     getFloat("SIM_INBOX_RATIO", 0.1),
		OverlapRatio:   getFloat("SIM_OVERLAP_RATIO", 0.1),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.2),
		ProviderLimit:  getInt("SIM_PROVIDER_LIMIT", 50),
		HorizonDays:    getInt("SIM_HORIZON_DAYS", 28),
		PostgresDSN:    baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.DuplicateRatio + cfg.InboxRatio + cfg.OverlapRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.DuplicateRatio /= total
		cfg.InboxRatio /= total
		cfg.OverlapRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.HorizonDays <= 0 {
		return errors.New("SIM_HORIZON_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, timezone FROM providers ORDER BY id LIMIT $1
	`, cfg.ProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	dataPool := &DataPool{}
	for rows.Next() {
		var id, tz string
		if err := rows.Scan(&id, &tz); err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		dataPool.Providers = append(dataPool.Providers, provider{ID: id, Loc: loc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Providers) == 0 {
		return nil, errors.New("no providers loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(gctx, workerID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("simulation complete")
	return nil
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	seed := time.Now().UnixNano() + int64(workerID)
	rng := rand.New(rand.NewSource(seed))
	faker := gofakeit.New(uint64(seed))

	c := s.config
	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, &s.metrics.Booking, s.newRequest(rng, faker))
		case r < c.BookingRatio+c.DuplicateRatio:
			s.doDuplicate(ctx, rng)
		case r < c.BookingRatio+c.DuplicateRatio+c.InboxRatio:
			s.doSharedInbox(ctx, rng, faker)
		case r < c.BookingRatio+c.DuplicateRatio+c.InboxRatio+c.OverlapRatio:
			s.doOverlap(ctx, rng, faker)
		default:
			s.doReadByID(ctx, rng)
		}
	}
}

// newRequest builds a booking for a fresh person on a slot inside the
// seeded office hours of a random provider.
func (s *Simulator) newRequest(rng *rand.Rand, faker *gofakeit.Faker) api.CreateAppointmentRequest {
	p := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	start := s.randomSlot(rng, p.Loc)

	dob := faker.DateRange(time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC))
	req := api.CreateAppointmentRequest{
		Patient: api.PatientRequest{
			Email:       faker.Email(),
			FirstName:   faker.FirstName(),
			LastName:    faker.LastName(),
			DateOfBirth: dob.Format("2006-01-02"),
			Phone:       faker.Phone(),
		},
		ProviderID:     p.ID,
		Start:          start,
		End:            start.Add(30 * time.Minute),
		IdempotencyKey: uuid.NewString(),
	}
	if rng.Intn(2) == 0 {
		member := faker.Numerify("MBR#######")
		referrer := faker.Email()
		req.Enrichment = &api.EnrichmentRequest{
			InsuranceMemberID: &member,
			ReferrerEmail:     &referrer,
		}
	}
	return req
}

func (s *Simulator) randomSlot(rng *rand.Rand, loc *time.Location) time.Time {
	day := time.Now().In(loc).AddDate(0, 0, 1+rng.Intn(s.config.HorizonDays))
	switch day.Weekday() {
	case time.Saturday:
		day = day.AddDate(0, 0, 2)
	case time.Sunday:
		day = day.AddDate(0, 0, 1)
	}
	hours := []int{9, 10, 11, 13, 14, 15, 16}
	return time.Date(day.Year(), day.Month(), day.Day(), hours[rng.Intn(len(hours))], 30*rng.Intn(2), 0, 0, loc).UTC()
}

func (s *Simulator) doBooking(ctx context.Context, om *OperationMetrics, req api.CreateAppointmentRequest) {
	start := time.Now()

	var out api.BookingResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/appointments")
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, false, false)
		}
		return
	}

	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		s.pool.AddSent(req)
		s.pool.AddAppointment(out.AppointmentID)
		if out.Replayed {
			atomic.AddInt64(&s.metrics.Replayed, 1)
		}
		switch out.Status {
		case "scheduled":
			atomic.AddInt64(&s.metrics.Scheduled, 1)
		case "pending":
			atomic.AddInt64(&s.metrics.Pending, 1)
		}
		om.Record(latency, true, false)
	case http.StatusConflict:
		om.Record(latency, false, true)
	default:
		om.Record(latency, false, false)
	}
}

// doDuplicate resubmits an earlier request unchanged, as a client retry would.
func (s *Simulator) doDuplicate(ctx context.Context, rng *rand.Rand) {
	req, ok := s.pool.RandomSent(rng)
	if !ok {
		return
	}
	s.doBooking(ctx, &s.metrics.Duplicate, req)
}

// doSharedInbox books a different person under an email already in use.
func (s *Simulator) doSharedInbox(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	prev, ok := s.pool.RandomSent(rng)
	if !ok {
		return
	}
	req := s.newRequest(rng, faker)
	req.Patient.Email = strings.ToUpper(prev.Patient.Email)
	s.doBooking(ctx, &s.metrics.SharedInbox, req)
}

// doOverlap targets a slot that is already taken.
func (s *Simulator) doOverlap(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	prev, ok := s.pool.RandomSent(rng)
	if !ok {
		return
	}
	req := s.newRequest(rng, faker)
	req.ProviderID = prev.ProviderID
	req.Start = prev.Start.Add(15 * time.Minute)
	req.End = req.Start.Add(30 * time.Minute)
	s.doBooking(ctx, &s.metrics.Overlap, req)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		Get("/appointments/{id}")
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() == nil {
			s.metrics.ReadByID.Record(latency, false, false)
		}
		return
	}
	s.metrics.ReadByID.Record(latency, resp.StatusCode() == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Replays: %d  Scheduled on first sync: %d  Left pending: %d\n",
		atomic.LoadInt64(&s.metrics.Replayed), atomic.LoadInt64(&s.metrics.Scheduled), atomic.LoadInt64(&s.metrics.Pending))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Duplicate submission", &s.metrics.Duplicate)
	printOperationReport("Shared inbox", &s.metrics.SharedInbox)
	printOperationReport("Overlapping slot", &s.metrics.Overlap)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
