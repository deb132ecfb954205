package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantrail/tradingcore/core/background"
	"github.com/quantrail/tradingcore/core/breaker"
	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/handlers"
	"github.com/quantrail/tradingcore/core/idempotency"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/monitoring"
	"github.com/quantrail/tradingcore/core/orchestration"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/resilience"
	"github.com/quantrail/tradingcore/core/taskstore"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// buildStore selects the durable backend from STORE_BACKEND: "memory"
// (default, single-process), "redis", or "postgres". Redis also doubles as
// the taskstore.Coordinator engine.Activation elects leadership against;
// Postgres and memory deployments run with coord == nil, i.e. always-leader.
func buildStore(ctx context.Context, log *logging.Logger) (taskstore.Store, taskstore.Coordinator) {
	switch getenv("STORE_BACKEND", "memory") {
	case "redis":
		addr := getenv("REDIS_ADDR", "localhost:6379")
		rs, err := taskstore.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			logging.Log(log, "error", "main: failed to connect to redis", logging.Fields{"addr": addr, "error": err})
			os.Exit(1)
		}
		logging.Log(log, "info", "main: connected to redis", logging.Fields{"addr": addr})
		return rs, rs
	case "postgres":
		connString := getenv("DATABASE_URL", "postgres://localhost/tradingcore")
		ps, err := taskstore.NewPostgresStore(ctx, connString)
		if err != nil {
			logging.Log(log, "error", "main: failed to connect to postgres", logging.Fields{"error": err})
			os.Exit(1)
		}
		logging.Log(log, "info", "main: connected to postgres", nil)
		return ps, nil
	default:
		logging.Log(log, "info", "main: using in-process memory store (single-node only)", nil)
		return taskstore.NewMemoryStore(), nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New("tradingcore", logiface.LevelInformational)

	nodeID := getenv("NODE_ID", hostnameOrFallback())
	bus := eventbus.New("tradingcore", log)

	rawStore, coord := buildStore(ctx, log)

	breakers := breaker.NewManager(breaker.DefaultConfig(), bus)
	degraded := resilience.NewDegradedMode(log, 10000, 10000)
	store := resilience.NewStore(rawStore, breakers, degraded, log)

	activation := engine.NewActivation(coord, store, nodeID, getenvDuration("ACTIVATION_TTL", 15*time.Second), log)

	registry := engine.NewRegistry()

	budget := ratebudget.New()
	budget.Configure("broker", ratebudget.APIConfig{Capacity: 20, RefillPerSec: 5})
	budget.Configure("market_data", ratebudget.APIConfig{Capacity: 60, RefillPerSec: 10})
	budget.Configure("anthropic", ratebudget.APIConfig{Capacity: 10, RefillPerSec: 1})

	idem := idempotency.NewStore(nil, log)

	model := anthropic.Model(getenv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"))
	clients := handlers.NewClients(
		getenv("BROKER_BASE_URL", "http://localhost:9001"),
		getenv("MARKET_DATA_BASE_URL", "http://localhost:9002"),
		os.Getenv("ANTHROPIC_API_KEY"),
		model,
		idem,
		budget,
	)
	handlers.RegisterAll(registry, clients, bus)

	eng := engine.New(engine.DefaultConfig(), store, bus, budget, breakers, registry, log)

	orch := orchestration.New(eng, store, bus, log)
	sched := background.New(eng, store, log, background.DefaultMarketWindow())
	registerPeriodicJobs(sched)

	mon := monitoring.New(store, bus, breakers, log,
		[]taskstore.Queue{taskstore.QueuePortfolioSync, taskstore.QueueDataFetcher, taskstore.QueueAIAnalysis},
		monitoring.DefaultThresholds(), 30*time.Second, 5*time.Minute)

	watchdog := monitoring.NewDependencyWatchdog(bus, log, 30*time.Second, 5*time.Minute)
	watchdog.Watch("broker", monitoring.HTTPHealthProbe(nil, getenv("BROKER_BASE_URL", "http://localhost:9001")))
	watchdog.Watch("market_data", monitoring.HTTPHealthProbe(nil, getenv("MARKET_DATA_BASE_URL", "http://localhost:9002")))

	activation.SetCallbacks(func(leaderCtx context.Context) {
		logging.Log(log, "info", "main: activation acquired, starting run loops", logging.Fields{"node_id": nodeID})
		eng.Start(leaderCtx)
		sched.Start(leaderCtx)
		mon.Start(leaderCtx)
		watchdog.Start(leaderCtx)
		if err := orch.Recover(leaderCtx); err != nil {
			logging.Log(log, "warn", "main: workflow recovery failed", logging.Fields{"error": err})
		}
		go reconcileDegradedWrites(leaderCtx, store, log)
	}, func() {
		logging.Log(log, "warn", "main: activation lost, run loops cancelled", logging.Fields{"node_id": nodeID})
		sched.Stop()
	})
	activation.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/queues", queueStatusHandler(mon))
	mux.HandleFunc("/api/emergency-stop/", emergencyStopHandler(eng))

	addr := getenv("LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Log(log, "info", "main: listening", logging.Fields{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log(log, "error", "main: server failed", logging.Fields{"error": err})
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logging.Log(log, "info", "main: shutdown signal received", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return h
}

// registerPeriodicJobs installs the recurring background tasks spec.md §4.8
// names: morning prep and evening review, gated to market hours, plus an
// always-on portfolio sync.
func registerPeriodicJobs(sched *background.Scheduler) {
	sched.RegisterPeriodic("morning_prep", taskstore.QueueAIAnalysis, "MorningPrep",
		func() map[string]interface{} { return nil }, 24*time.Hour, 5, true)
	sched.RegisterPeriodic("evening_review", taskstore.QueueAIAnalysis, "EveningReview",
		func() map[string]interface{} { return nil }, 24*time.Hour, 5, true)
	sched.RegisterPeriodic("portfolio_sync", taskstore.QueuePortfolioSync, "SyncBalances",
		func() map[string]interface{} { return nil }, 5*time.Minute, 3, false)
}

// reconcileDegradedWrites periodically replays resilience.Store's buffered
// writes once the durable backend is reachable again, per SPEC_FULL.md §4.1b.
func reconcileDegradedWrites(ctx context.Context, store *resilience.Store, log *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Reconcile(ctx, 5*time.Minute); err != nil {
				logging.Log(log, "warn", "main: degraded-write reconciliation incomplete", logging.Fields{"error": err})
			}
		}
	}
}

func queueStatusHandler(mon *monitoring.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := mon.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, statuses)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func emergencyStopHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := eng.EmergencyStop(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
