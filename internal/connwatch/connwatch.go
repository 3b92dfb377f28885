// Package connwatch tracks the reachability of the language model
// providers and other external services a turn depends on.
//
// Each service is probed on its own goroutine. A healthy service is
// re-checked every Interval; after a failure the probe retries with
// exponential backoff from RetryMin up to RetryMax, so an outage is
// noticed quickly and recovery is noticed soon after. Transitions are
// logged and published on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/synthia-ai/synthia/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probe timing. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	// Interval between checks of a healthy service.
	Interval time.Duration
	// RetryMin is the first retry delay after a failure.
	RetryMin time.Duration
	// RetryMax caps the retry delay.
	RetryMax time.Duration
	// Timeout bounds each probe call.
	Timeout time.Duration
}

// DefaultConfig returns a minute between healthy checks and retries
// growing 2s, 4s, 8s ... up to a minute.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		RetryMin: 2 * time.Second,
		RetryMax: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RetryMin <= 0 {
		c.RetryMin = d.RetryMin
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = c.RetryMin
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// State of a single service.
type State string

const (
	StateUnknown State = "unknown"
	StateUp      State = "up"
	StateDown    State = "down"
)

// Overall health values reported by Report.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStarting = "starting"
)

// ServiceStatus is the health of one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Report is the aggregate served on the health endpoint.
type Report struct {
	Status   string          `json:"status"`
	Services []ServiceStatus `json:"services"`
}

type service struct {
	probe  ProbeFunc
	status ServiceStatus
}

// Monitor probes a set of services.
type Monitor struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*service
}

// New creates a Monitor. bus may be nil.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		services: make(map[string]*service),
	}
}

// Add registers a service. Services added after Run starts are reported
// but not probed.
//
// Panics if name is empty or probe is nil.
func (m *Monitor) Add(name string, probe ProbeFunc) {
	if name == "" {
		panic("connwatch: service name must not be empty")
	}
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &service{
		probe:  probe,
		status: ServiceStatus{Name: name, State: StateUnknown},
	}
}

// Run probes every registered service until ctx ends. It always returns
// nil.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(ctx, name)
		}()
	}
	wg.Wait()
	return nil
}

// Check probes every service once and waits for the results.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.checkOne(ctx, name)
		}()
	}
	wg.Wait()
}

func (m *Monitor) watch(ctx context.Context, name string) {
	for {
		delay := m.checkOne(ctx, name)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// checkOne probes name, records the outcome and returns the delay until
// the next probe.
func (m *Monitor) checkOne(ctx context.Context, name string) time.Duration {
	m.mu.Lock()
	svc := m.services[name]
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := svc.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; a probe cut short says nothing about the service.
		return m.cfg.Interval
	}
	return m.record(name, err)
}

func (m *Monitor) record(name string, err error) time.Duration {
	now := time.Now()

	m.mu.Lock()
	st := &m.services[name].status
	prev := st.State
	st.LastCheck = now
	if err == nil {
		failures := st.Failures
		st.State = StateUp
		st.LastError = ""
		st.Failures = 0
		if prev != StateUp {
			st.Since = now
		}
		m.mu.Unlock()

		if prev != StateUp {
			if prev == StateDown {
				m.logger.Info("service recovered", "service", name, "after_failures", failures)
			} else {
				m.logger.Info("service connected", "service", name)
			}
			m.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{
				"service": name,
				"after":   failures,
			})
		}
		return m.cfg.Interval
	}

	st.State = StateDown
	st.LastError = err.Error()
	st.Failures++
	if prev != StateDown {
		st.Since = now
	}
	failures := st.Failures
	m.mu.Unlock()

	if prev != StateDown {
		m.logger.Warn("service unreachable", "service", name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": name,
			"error":   err.Error(),
		})
	} else {
		m.logger.Debug("service still unreachable", "service", name, "failures", failures, "error", err)
	}
	return m.backoff(failures)
}

// backoff returns RetryMin doubled for every failure after the first,
// capped at RetryMax.
func (m *Monitor) backoff(failures int) time.Duration {
	d := m.cfg.RetryMin
	for i := 1; i < failures && d < m.cfg.RetryMax; i++ {
		d *= 2
	}
	return min(d, m.cfg.RetryMax)
}

// Status returns the state of one service.
func (m *Monitor) Status(name string) (ServiceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return svc.status, true
}

// Report summarizes every service, sorted by name. The overall status
// is degraded when any service is down, starting while any service has
// not been checked yet, and healthy otherwise.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	r := Report{Status: StatusHealthy, Services: make([]ServiceStatus, 0, len(m.services))}
	for _, svc := range m.services {
		r.Services = append(r.Services, svc.status)
	}
	m.mu.Unlock()

	sort.Slice(r.Services, func(i, j int) bool { return r.Services[i].Name < r.Services[j].Name })
	for _, s := range r.Services {
		switch s.State {
		case StateDown:
			r.Status = StatusDegraded
		case StateUnknown:
			if r.Status == StatusHealthy {
				r.Status = StatusStarting
			}
		}
	}
	return r
}
