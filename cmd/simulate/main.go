package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AntonyNeal/bloom-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	ReserveRatio  float64
	CheckoutRatio float64
	ReadRatio     float64
	HotSlotRatio  float64 // share of reservations aimed at the single hottest slot
	SlotLimit     int
	ProviderID    string
	AmountMinor   int64
}

// simSlot is the subset of the slot listing the simulator needs.
type simSlot struct {
	ID              uuid.UUID `json:"id"`
	ProviderID      string    `json:"provider_id"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
}

type simHold struct {
	SlotID    uuid.UUID `json:"slot_id"`
	LockToken string    `json:"lock_token"`
}

type DataPool struct {
	Slots []simSlot
	mu    sync.Mutex
	holds []simHold
}

func (dp *DataPool) AddHold(h simHold) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.holds = append(dp.holds, h)
}

// TakeHold removes a random hold so two workers never spend the same token.
func (dp *DataPool) TakeHold(rng *rand.Rand) (simHold, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.holds) == 0 {
		return simHold{}, false
	}
	idx := rng.Intn(len(dp.holds))
	h := dp.holds[idx]
	dp.holds[idx] = dp.holds[len(dp.holds)-1]
	dp.holds = dp.holds[:len(dp.holds)-1]
	return h, true
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
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
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
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

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

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Reserve  OperationMetrics
	HotSlot  OperationMetrics
	Checkout OperationMetrics
	Release  OperationMetrics
	List     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	cfg := loadConfig()
	logging.Init("bloom-booking-simulate", getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("reserve", cfg.ReserveRatio).
		Float64("checkout", cfg.CheckoutRatio).
		Float64("read", cfg.ReadRatio).
		Float64("hot_slot", cfg.HotSlotRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	sim.pool = pool
	log.Info().Int("slots", len(pool.Slots)).Msg("loaded free slots")

	sim.Run()
	sim.PrintReport()
	sim.checkIntegrity()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		ReserveRatio:  getFloat("SIM_RESERVE_RATIO", 0.5),
		CheckoutRatio: getFloat("SIM_CHECKOUT_RATIO", 0.3),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.2),
		HotSlotRatio:  getFloat("SIM_HOT_SLOT_RATIO", 0.2),
		SlotLimit:     getInt("SIM_SLOT_LIMIT", 500),
		ProviderID:    os.Getenv("SIM_PROVIDER_ID"),
		AmountMinor:   int64(getInt("SIM_AMOUNT_MINOR", 25000)),
	}

	total := cfg.ReserveRatio + cfg.CheckoutRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.CheckoutRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlotRatio < 0 || cfg.HotSlotRatio > 1 {
		return fmt.Errorf("SIM_HOT_SLOT_RATIO must be within [0,1]")
	}
	return nil
}

func (s *Simulator) listSlots(ctx context.Context, status string, limit int) ([]simSlot, error) {
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	if s.config.ProviderID != "" {
		q.Set("provider_id", s.config.ProviderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/slots?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list slots: status %d", resp.StatusCode)
	}

	var slots []simSlot
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	return slots, nil
}

func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	slots, err := s.listSlots(ctx, "free", s.config.SlotLimit)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("no free slots; run the sync worker or seed first")
	}
	return &DataPool{Slots: slots}, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	holder := fmt.Sprintf("sim-%d", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.ReserveRatio:
				s.doReserve(ctx, rng, holder)
			case r < s.config.ReserveRatio+s.config.CheckoutRatio:
				s.doCheckoutOrRelease(ctx, rng)
			default:
				s.doList(ctx)
			}
		}
	}
}

func (s *Simulator) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

// doReserve races for a slot. The hot slot is always the first one listed, so
// concurrent workers pile onto it and at most one can hold it at a time.
func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand, holder string) {
	target := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	om := &s.metrics.Reserve
	if rng.Float64() < s.config.HotSlotRatio {
		target = s.pool.Slots[0]
		om = &s.metrics.HotSlot
	}

	start := time.Now()
	resp, err := s.post(ctx, "/reservations", map[string]any{
		"provider_id":      target.ProviderID,
		"start":            target.StartAt,
		"end":              target.EndAt,
		"duration_minutes": target.DurationMinutes,
		"holder_id":        holder,
	})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			var hold simHold
			if json.NewDecoder(resp.Body).Decode(&hold) == nil && hold.LockToken != "" {
				success = true
				s.pool.AddHold(hold)
			}
		case http.StatusConflict, http.StatusNotFound:
			conflict = true
		}
	}
	if ctx.Err() != nil {
		return
	}
	om.Record(latency, success, conflict)
}

// doCheckoutOrRelease spends a hold: mostly checkout, sometimes release.
func (s *Simulator) doCheckoutOrRelease(ctx context.Context, rng *rand.Rand) {
	hold, ok := s.pool.TakeHold(rng)
	if !ok {
		return
	}

	if rng.Intn(4) == 0 {
		start := time.Now()
		resp, err := s.post(ctx, "/reservations/"+hold.SlotID.String()+"/release", map[string]string{
			"lock_token": hold.LockToken,
		})
		s.recordStatus(ctx, &s.metrics.Release, time.Since(start), resp, err, http.StatusOK)
		return
	}

	start := time.Now()
	resp, err := s.post(ctx, "/checkout", map[string]any{
		"slot_id":    hold.SlotID.String(),
		"lock_token": hold.LockToken,
		"amount":     s.config.AmountMinor,
	})
	s.recordStatus(ctx, &s.metrics.Checkout, time.Since(start), resp, err, http.StatusOK)
}

func (s *Simulator) doList(ctx context.Context) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/slots?status=free&limit=20", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	s.recordStatus(ctx, &s.metrics.List, time.Since(start), resp, err, http.StatusOK)
}

func (s *Simulator) recordStatus(ctx context.Context, om *OperationMetrics, latency time.Duration, resp *http.Response, err error, want int) {
	if ctx.Err() != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == want
		conflict = resp.StatusCode == http.StatusConflict
	}
	om.Record(latency, success, conflict)
}

// checkIntegrity compares successful checkouts with the booked slots the API
// reports. Run against a freshly seeded database they should match.
func (s *Simulator) checkIntegrity() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	booked, err := s.listSlots(ctx, "booked", 100000)
	if err != nil {
		log.Warn().Err(err).Msg("integrity check skipped")
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(booked))
	for _, b := range booked {
		seen[b.ID] = struct{}{}
	}
	checkouts := atomic.LoadInt64(&s.metrics.Checkout.Success)

	fmt.Printf("Integrity: %d successful checkouts, %d booked slots\n", checkouts, len(seen))
	if int64(len(seen)) < checkouts {
		log.Error().Int64("checkouts", checkouts).Int("booked", len(seen)).Msg("more checkouts than booked slots")
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Reserve (hot slot)", &s.metrics.HotSlot)
	printOperationReport("Checkout", &s.metrics.Checkout)
	printOperationReport("Release", &s.metrics.Release)
	printOperationReport("List slots", &s.metrics.List)
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
