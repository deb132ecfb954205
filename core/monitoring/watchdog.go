package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/logging"
	"github.com/quantrail/tradingcore/core/observability"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Probe checks one collaborator's reachability, returning an error describing
// why it is unreachable.
type Probe func(ctx context.Context) error

// HTTPHealthProbe builds a Probe that issues a GET against baseURL+"/health"
// and treats anything but 2xx as unreachable.
func HTTPHealthProbe(client *http.Client, baseURL string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &unhealthyStatus{code: resp.StatusCode}
		}
		return nil
	}
}

type unhealthyStatus struct{ code int }

func (e *unhealthyStatus) Error() string {
	return http.StatusText(e.code)
}

// DependencyWatchdog periodically probes external collaborators (broker,
// market data, the LLM provider) and raises a Critical AlertRaised the
// moment one stops answering, adapted from control_plane/coordination's
// AgentMonitor — the same ticker-driven liveness sweep, but watching
// outbound collaborators instead of inbound agent heartbeats.
type DependencyWatchdog struct {
	bus      *eventbus.Bus
	log      *logging.Logger
	interval time.Duration
	limiter  *catrate.Limiter

	mu      sync.Mutex
	probes  map[string]Probe
	healthy map[string]bool
}

// NewDependencyWatchdog constructs a watchdog that ticks every interval;
// alertWindow throttles repeated Critical alerts for the same dependency the
// same way Monitor throttles queue alerts.
func NewDependencyWatchdog(bus *eventbus.Bus, log *logging.Logger, interval, alertWindow time.Duration) *DependencyWatchdog {
	var limiter *catrate.Limiter
	if alertWindow > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{alertWindow: 1})
	}
	return &DependencyWatchdog{
		bus:      bus,
		log:      log,
		interval: interval,
		limiter:  limiter,
		probes:   make(map[string]Probe),
		healthy:  make(map[string]bool),
	}
}

// Watch registers a named dependency probe. Call before Start.
func (w *DependencyWatchdog) Watch(name string, probe Probe) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.probes[name] = probe
	w.healthy[name] = true
}

// Start launches the probe loop; it returns once ctx is cancelled.
func (w *DependencyWatchdog) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *DependencyWatchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAll(ctx)
		}
	}
}

func (w *DependencyWatchdog) checkAll(ctx context.Context) {
	w.mu.Lock()
	probes := make(map[string]Probe, len(w.probes))
	for name, p := range w.probes {
		probes[name] = p
	}
	w.mu.Unlock()

	for name, probe := range probes {
		err := probe(ctx)
		w.recordResult(ctx, name, err)
	}
}

func (w *DependencyWatchdog) recordResult(ctx context.Context, name string, err error) {
	w.mu.Lock()
	wasHealthy := w.healthy[name]
	w.healthy[name] = err == nil
	w.mu.Unlock()

	if err == nil {
		observability.DependencyHealthy.WithLabelValues(name).Set(1)
		if !wasHealthy {
			logging.Log(w.log, "info", "dependency watchdog: collaborator recovered", logging.Fields{"dependency": name})
		}
		return
	}
	observability.DependencyHealthy.WithLabelValues(name).Set(0)

	logging.Log(w.log, "warn", "dependency watchdog: collaborator unreachable", logging.Fields{
		"dependency": name, "error": err,
	})

	if w.limiter != nil {
		if _, ok := w.limiter.Allow(name); !ok {
			return
		}
	}
	observability.AlertsRaised.WithLabelValues(string(SeverityCritical)).Inc()
	ev := &taskstore.Event{
		ID:        uuid.NewString(),
		Type:      taskstore.EventAlertRaised,
		Source:    "monitoring",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"dependency": name,
			"severity":   string(SeverityCritical),
			"message":    "collaborator unreachable: " + err.Error(),
		},
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		logging.Log(w.log, "warn", "dependency watchdog: failed to publish alert", logging.Fields{"error": err})
	}
}

// Healthy reports the most recently observed reachability of name.
func (w *DependencyWatchdog) Healthy(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy[name]
}
