package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/events"
)

// State is the lifecycle state of one named slot in the pool.
type State int

// Slot states. Unhealthy returns to Connecting on the next
// GetConnection; Closed is terminal until the server is registered again.
const (
	StateUnregistered State = iota
	StateRegistered
	StateConnecting
	StateHealthy
	StateUnhealthy
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithTransportFactory replaces NewTransport, mainly for tests.
func WithTransportFactory(f TransportFactory) PoolOption {
	return func(p *Pool) { p.factory = f }
}

// WithClientOptions applies opts to every Client the pool creates.
func WithClientOptions(opts ...ClientOption) PoolOption {
	return func(p *Pool) { p.clientOpts = append(p.clientOpts, opts...) }
}

// WithConnectTimeout bounds connection setup and health probes. A
// non-positive d keeps DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithPoolEventBus publishes connection_up and connection_down events.
func WithPoolEventBus(bus *events.Bus) PoolOption {
	return func(p *Pool) { p.bus = bus }
}

// DefaultConnectTimeout bounds connection setup when no other limit
// is configured.
const DefaultConnectTimeout = 30 * time.Second

// pendingConn is an in-progress connection attempt. Callers that find
// one wait on done and share its outcome.
type pendingConn struct {
	done chan struct{}
	conn *Connection
	err  error
}

// wait blocks until the attempt finishes or ctx ends. Giving up does
// not cancel the attempt.
func (pc *pendingConn) wait(ctx context.Context) (*Connection, error) {
	select {
	case <-pc.done:
		return pc.conn, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slot is the pool's record for one server name.
type slot struct {
	cfg        ServerConfig
	conn       *Connection
	connecting *pendingConn
	closed     bool
}

// Pool maps server names to configurations and live connections. It
// creates connections lazily, keeps at most one per name, and replaces
// connections that fail a health probe.
type Pool struct {
	logger         *slog.Logger
	factory        TransportFactory
	clientOpts     []ClientOption
	connectTimeout time.Duration
	bus            *events.Bus

	mu    sync.RWMutex
	slots map[string]*slot
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:         logger,
		factory:        NewTransport,
		connectTimeout: DefaultConnectTimeout,
		slots:          make(map[string]*slot),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterServer stores cfg under cfg.Name. Re-registering replaces
// the configuration without touching a live connection; the new
// configuration is used the next time a connection is created. It also
// reopens a slot closed with CloseConnection.
func (p *Pool) RegisterServer(cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("register server: name is required")
	}
	if (cfg.Command == "") == (cfg.URL == "") {
		return fmt.Errorf("register server %q: exactly one of command or url is required", cfg.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.slots[cfg.Name]; ok {
		s.cfg = cfg
		s.closed = false
		p.logger.Debug("MCP server re-registered", "mcp_server", cfg.Name)
		return nil
	}
	p.slots[cfg.Name] = &slot{cfg: cfg}
	p.logger.Debug("MCP server registered", "mcp_server", cfg.Name)
	return nil
}

// ServerConfig returns the registered configuration for name.
func (p *Pool) ServerConfig(name string) (ServerConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.slots[name]
	if !ok {
		return ServerConfig{}, false
	}
	return s.cfg, true
}

// GetConnection returns the live connection for name, creating and
// initializing one if none exists. A connection marked unhealthy is
// probed first and replaced if the probe fails. Concurrent callers for
// the same name share a single creation.
func (p *Pool) GetConnection(ctx context.Context, name string) (*Connection, error) {
	for {
		p.mu.RLock()
		s, ok := p.slots[name]
		if !ok {
			p.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrServerNotRegistered, name)
		}
		closed, conn, pending := s.closed, s.conn, s.connecting
		p.mu.RUnlock()

		switch {
		case closed:
			return nil, &ConnectionError{Server: name, Err: ErrConnectionClosed}
		case pending != nil:
			return pending.wait(ctx)
		case conn != nil && conn.Healthy():
			return conn, nil
		case conn != nil:
			if err := p.probe(ctx, conn); err == nil {
				return conn, nil
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if pending := p.startCreate(ctx, name, conn); pending != nil {
			return pending.wait(ctx)
		}
		// Lost a race with another caller; look again.
	}
}

// startCreate begins replacing stale (possibly nil) with a new
// connection and returns the attempt, or nil when the slot changed
// since the caller looked at it. The attempt runs apart from ctx's
// cancellation, bounded by the connect timeout, so one caller giving
// up does not fail the others sharing it.
func (p *Pool) startCreate(ctx context.Context, name string, stale *Connection) *pendingConn {
	p.mu.Lock()
	s, found := p.slots[name]
	if !found || s.closed || s.connecting != nil || s.conn != stale {
		p.mu.Unlock()
		return nil
	}
	pending := &pendingConn{done: make(chan struct{})}
	s.connecting = pending
	p.mu.Unlock()

	go p.create(context.WithoutCancel(ctx), name, s, stale, pending)
	return pending
}

// create runs the attempt started by startCreate and publishes its
// outcome on pending.
func (p *Pool) create(ctx context.Context, name string, s *slot, stale *Connection, pending *pendingConn) {
	p.mu.RLock()
	cfg := s.cfg
	p.mu.RUnlock()

	conn, err := p.connect(ctx, cfg)

	p.mu.Lock()
	s.connecting = nil
	closedMeanwhile := s.closed
	if closedMeanwhile {
		if conn != nil {
			_ = conn.close()
		}
		conn, err = nil, &ConnectionError{Server: name, Err: ErrConnectionClosed}
	}
	s.conn = conn
	p.mu.Unlock()

	pending.conn, pending.err = conn, err
	defer close(pending.done)

	// CloseConnection already disposed of the stale connection when the
	// slot was closed meanwhile.
	if stale != nil && !closedMeanwhile {
		p.logger.Info("replacing unhealthy MCP connection", "mcp_server", name)
		if cerr := stale.close(); cerr != nil {
			p.logger.Debug("error closing stale MCP connection", "mcp_server", name, "error", cerr)
		}
		p.publish(events.KindConnectionDown, name, "unhealthy")
	}
	if err != nil {
		p.logger.Warn("MCP connection failed", "mcp_server", name, "error", err)
		return
	}
	p.publish(events.KindConnectionUp, name, "")
}

// connect builds a transport and client for cfg and runs the handshake.
func (p *Pool) connect(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	logger := p.logger.With("mcp_server", cfg.Name)

	transport, err := p.factory(cfg, logger)
	if err != nil {
		return nil, &ConnectionError{Server: cfg.Name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	client := NewClient(cfg.Name, transport, p.logger, p.clientOpts...)
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConnectionError{Server: cfg.Name, Err: err}
	}
	return newConnection(cfg.Name, client), nil
}

// probe runs the health check: a tools/list round trip that bypasses
// the cache.
func (p *Pool) probe(ctx context.Context, conn *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	_, err := conn.RefreshTools(ctx)
	if err != nil {
		p.logger.Info("MCP health probe failed", "mcp_server", conn.Server(), "error", err)
	}
	return err
}

// IsConnectionHealthy probes the live connection for name. It reports
// false when there is no live connection.
func (p *Pool) IsConnectionHealthy(ctx context.Context, name string) bool {
	p.mu.RLock()
	var conn *Connection
	if s, ok := p.slots[name]; ok && !s.closed {
		conn = s.conn
	}
	p.mu.RUnlock()

	if conn == nil {
		return false
	}
	return p.probe(ctx, conn) == nil
}

// State reports the lifecycle state of name.
func (p *Pool) State(name string) State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.slots[name]
	switch {
	case !ok:
		return StateUnregistered
	case s.closed:
		return StateClosed
	case s.connecting != nil:
		return StateConnecting
	case s.conn == nil:
		return StateRegistered
	case s.conn.Healthy():
		return StateHealthy
	default:
		return StateUnhealthy
	}
}

// CloseConnection shuts down the connection for name and moves the
// slot to Closed. Later GetConnection calls fail until the server is
// registered again.
func (p *Pool) CloseConnection(name string) error {
	p.mu.Lock()
	s, ok := p.slots[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotRegistered, name)
	}
	conn := s.conn
	s.conn = nil
	s.closed = true
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.close()
	p.publish(events.KindConnectionDown, name, "closed")
	if err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// CloseAllConnections closes every live connection. A failure to close
// one is logged and does not stop the sweep; all failures are returned
// joined.
func (p *Pool) CloseAllConnections() error {
	p.mu.Lock()
	conns := make(map[string]*Connection)
	for name, s := range p.slots {
		if s.conn != nil {
			conns[name] = s.conn
		}
		s.conn = nil
		s.closed = true
	}
	p.mu.Unlock()

	var errs []error
	for _, name := range sortedKeys(conns) {
		if err := conns[name].close(); err != nil {
			p.logger.Warn("error closing MCP connection", "mcp_server", name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		p.publish(events.KindConnectionDown, name, "closed")
	}
	return errors.Join(errs...)
}

// ListRegisteredServers returns the sorted names of registered servers.
func (p *Pool) ListRegisteredServers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.slots)
}

// ListActiveConnections returns the sorted names of servers with a
// live connection.
func (p *Pool) ListActiveConnections() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for name, s := range p.slots {
		if s.conn != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (p *Pool) publish(kind, server, reason string) {
	data := map[string]any{"server": server}
	if reason != "" {
		data["reason"] = reason
	}
	p.bus.Publish(events.Event{Source: events.SourcePool, Kind: kind, Data: data})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
