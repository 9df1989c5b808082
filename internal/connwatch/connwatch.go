// Package connwatch keeps an eye on the services toolrelay depends on:
// every pooled MCP server and, when configured, the MQTT broker.
//
// The protocol client retries a single request across sub-second
// transport faults. connwatch covers longer outages, such as a stdio
// server that crashed or a remote server being redeployed, by probing
// each service on a schedule and reporting when it comes and goes.
//
// A watcher starts with a burst of probes spaced by exponential
// backoff, then settles into fixed-interval polling. MCP server probes
// go through the pool, so a failed probe also makes the pool replace
// the dead connection.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/mcp"
)

// ProbeFunc checks a service once. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// Schedule says when a watcher probes.
type Schedule struct {
	// Startup spaces the initial probes. Attempts bounds how many are
	// made before the watcher falls back to polling.
	Startup  mcp.ExponentialDelay
	Attempts int

	// Poll is the steady-state interval between probes.
	Poll time.Duration

	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s up to 60s for ten attempts,
// then polls once a minute. Each probe gets ten seconds.
func DefaultSchedule() Schedule {
	return Schedule{
		Startup:  mcp.ExponentialDelay{Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2},
		Attempts: 10,
		Poll:     time.Minute,
		Timeout:  10 * time.Second,
	}
}

// complete returns s with every unset field taken from DefaultSchedule.
func (s Schedule) complete() Schedule {
	d := DefaultSchedule()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	s.Startup.Initial = pick(s.Startup.Initial, d.Startup.Initial)
	s.Startup.Max = pick(s.Startup.Max, d.Startup.Max)
	s.Poll = pick(s.Poll, d.Poll)
	s.Timeout = pick(s.Timeout, d.Timeout)
	if s.Startup.Multiplier <= 0 {
		s.Startup.Multiplier = d.Startup.Multiplier
	}
	if s.Attempts <= 0 {
		s.Attempts = d.Attempts
	}
	return s
}

// Service describes one thing to watch.
type Service struct {
	Name  string
	Probe ProbeFunc

	// Schedule fields left zero take DefaultSchedule values.
	Schedule Schedule

	// OnReady runs, in its own goroutine, each time the service turns
	// reachable. OnDown runs each time it stops being reachable.
	OnReady func(name string)
	OnDown  func(name string, err error)

	// Logger defaults to the manager's.
	Logger *slog.Logger
}

// ServiceStatus is a watcher's latest view of its service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	svc    Service
	logger *slog.Logger
	stop   context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  ServiceStatus
	lastErr error
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// LastError is the error from the last probe, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Wait blocks until the watcher has exited.
func (w *Watcher) Wait() { <-w.done }

// Stop ends the watcher and waits for it.
func (w *Watcher) Stop() {
	w.stop()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	sched := w.svc.Schedule
	log := w.logger.With("service", w.svc.Name)

	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Debug("startup probe succeeded", "attempt", attempt)
			break
		}
		if attempt >= sched.Attempts {
			log.Info("service unreachable at startup, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		delay := sched.Startup.Next(attempt)
		log.Debug("startup probe failed", "attempt", attempt, "next_delay", delay.String(), "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	tick := time.NewTicker(sched.Poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.probe(ctx)
		}
	}
}

// probe runs the probe once, updates status and fires the callback
// for a ready/down transition.
func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.svc.Schedule.Timeout)
	err := w.svc.Probe(pctx)
	cancel()

	w.mu.Lock()
	was := w.status.Ready
	w.lastErr = err
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err == nil {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.logger.Info("service ready", "service", w.svc.Name)
		if w.svc.OnReady != nil {
			go w.svc.OnReady(w.svc.Name)
		}
	case err != nil && was:
		w.logger.Warn("service became unreachable", "service", w.svc.Name, "error", err)
		if w.svc.OnDown != nil {
			go w.svc.OnDown(w.svc.Name, err)
		}
	}
	return err
}

// ServerPool is the part of *mcp.Pool a server probe needs.
type ServerPool interface {
	GetConnection(ctx context.Context, name string) (*mcp.Connection, error)
	IsConnectionHealthy(ctx context.Context, name string) bool
}

// ServerProbe returns a probe for the pooled server name. Getting the
// connection creates it, or replaces one the pool already knows is
// unhealthy; the health check then exercises it. A failed check marks
// the connection so the next probe replaces it.
func ServerProbe(pool ServerPool, name string) ProbeFunc {
	return func(ctx context.Context) error {
		if _, err := pool.GetConnection(ctx, name); err != nil {
			return err
		}
		if !pool.IsConnectionHealthy(ctx, name) {
			return fmt.Errorf("mcp server %s failed health check", name)
		}
		return nil
	}
}

// Manager owns a set of watchers keyed by service name.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager returns a manager with no watchers.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts watching svc until ctx ends or the manager stops. A
// service already watched under the same name is stopped and replaced.
// An empty Name or nil Probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, svc Service) *Watcher {
	if svc.Name == "" || svc.Probe == nil {
		panic("connwatch: Service needs a Name and a Probe")
	}
	svc.Schedule = svc.Schedule.complete()
	logger := svc.Logger
	if logger == nil {
		logger = m.logger
	}

	wctx, stop := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		logger: logger,
		stop:   stop,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: svc.Name},
	}

	m.mu.Lock()
	prev := m.watchers[svc.Name]
	m.watchers[svc.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	go w.run(wctx)
	return w
}

// WatchServers watches each named pool server with a ServerProbe.
// Name and Probe in tmpl are replaced per server.
func (m *Manager) WatchServers(ctx context.Context, pool ServerPool, names []string, tmpl Service) {
	for _, name := range names {
		svc := tmpl
		svc.Name = name
		svc.Probe = ServerProbe(pool, name)
		m.Watch(ctx, svc)
	}
}

// Watcher looks up the watcher for name.
func (m *Manager) Watcher(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

func (m *Manager) snapshot() []*Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w)
	}
	return out
}

// Status reports every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	watchers := m.snapshot()
	out := make([]ServiceStatus, 0, len(watchers))
	for _, w := range watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, func(a, b ServiceStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Unreachable lists, sorted, the services whose last probe failed.
// A service not yet probed is not listed.
func (m *Manager) Unreachable() []string {
	var out []string
	for _, s := range m.Status() {
		if !s.Ready && s.Failures > 0 {
			out = append(out, s.Name)
		}
	}
	return out
}

// Stop ends every watcher and waits for them.
func (m *Manager) Stop() {
	for _, w := range m.snapshot() {
		w.Stop()
	}
}
