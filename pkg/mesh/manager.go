package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/config"
	"github.com/tinyland-inc/meshgram/pkg/logger"
)

// State of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDraining     State = "draining"
)

// Options tune the manager's health and reconnect cadence.
type Options struct {
	HealthInterval    time.Duration
	ReconnectInterval time.Duration
	FailureThreshold  int
	DialTimeout       time.Duration
}

func (o *Options) fill() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
}

// Manager owns the device link lifecycle: connect, health probing,
// automatic reconnect and teardown. The link is replaced wholesale on
// every (re)connect; a generation counter discards results from
// superseded attempts.
type Manager struct {
	opts    Options
	bus     *bus.EventBus
	newLink func() DeviceLink

	mu          sync.Mutex
	state       State
	link        DeviceLink
	host        string
	port        int
	generation  uint64
	failures    int
	manual      bool // operator asked to disconnect; no auto-reconnect
	attempts    int
	connectedAt time.Time
	longName    string // last long name pushed to the device
}

// NewManager wires a manager over the bus. newLink builds a fresh
// transport per connection attempt; pass NewTCPLink-backed factory in
// production.
func NewManager(b *bus.EventBus, opts Options, newLink func() DeviceLink) *Manager {
	opts.fill()
	if newLink == nil {
		newLink = func() DeviceLink { return NewTCPLink() }
	}
	return &Manager{
		opts:    opts,
		bus:     b,
		newLink: newLink,
		state:   StateDisconnected,
	}
}

// Run drives the health and reconnect tickers until ctx is done, then
// tears the connection down.
func (m *Manager) Run(ctx context.Context) {
	health := time.NewTicker(m.opts.HealthInterval)
	defer health.Stop()
	reconnect := time.NewTicker(m.opts.ReconnectInterval)
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-health.C:
			m.checkHealth(ctx)
		case <-reconnect.C:
			m.maybeReconnect(ctx)
		}
	}
}

// Connect establishes a new connection to host:port, replacing any
// existing link. It clears the manual-disconnect latch.
func (m *Manager) Connect(ctx context.Context, host string, port int) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateDraining {
		m.mu.Unlock()
		return fmt.Errorf("connection busy (%s)", m.state)
	}
	old := m.link
	m.link = nil
	m.state = StateConnecting
	m.host = host
	m.port = port
	m.manual = false
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	link := m.newLink()
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	err := link.Connect(dialCtx, host, port)
	cancel()

	m.mu.Lock()
	if m.generation != gen {
		// A newer Connect or Disconnect superseded this attempt.
		m.mu.Unlock()
		if err == nil {
			_ = link.Close()
		}
		return fmt.Errorf("connect superseded")
	}
	if err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}
	m.link = link
	m.state = StateConnected
	m.failures = 0
	m.attempts = 0
	m.connectedAt = time.Now()
	m.mu.Unlock()

	go m.pump(link, gen)
	m.publishLifecycle(bus.Lifecycle{
		State:    bus.LinkConnected,
		Endpoint: fmt.Sprintf("%s:%d", host, port),
	})
	return nil
}

// Disconnect tears the link down and suppresses auto-reconnect until
// the next explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	link := m.link
	m.link = nil
	endpoint := fmt.Sprintf("%s:%d", m.host, m.port)
	wasConnected := m.state == StateConnected
	m.state = StateDraining
	m.manual = true
	m.generation++
	m.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasConnected {
		m.publishLifecycle(bus.Lifecycle{
			State:    bus.LinkDisconnected,
			Endpoint: endpoint,
		})
	}
	logger.InfoC("mesh", "Disconnected by operator; auto-reconnect paused")
}

// Send writes one text packet over the current link.
func (m *Manager) Send(ctx context.Context, req SendRequest) (uint32, error) {
	m.mu.Lock()
	link := m.link
	state := m.state
	m.mu.Unlock()
	if link == nil || state != StateConnected {
		return 0, ErrNotConnected
	}
	return link.SendText(ctx, req)
}

// Nodes returns the device node database snapshot, or nil when
// disconnected.
func (m *Manager) Nodes() []NodeInfo {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.Nodes()
}

// SetPreset applies a modem preset and frequency slot on the device.
func (m *Manager) SetPreset(ctx context.Context, preset string, slot int) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.SetModemPreset(ctx, preset, slot)
}

// SetLongName renames the connected device.
func (m *Manager) SetLongName(ctx context.Context, name string) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	if err := link.SetOwnerLongName(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	m.longName = name
	m.mu.Unlock()
	return nil
}

// ApplyConfig picks up endpoint and device-name changes from a config
// reload. A changed endpoint takes effect on the next (re)connect; the
// live link is not torn down. A changed long name is pushed to the
// device immediately when connected, otherwise it is applied by the
// next Connect caller.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	// Before the first Connect there is no endpoint to retarget; the
	// initial dial reads the store directly.
	endpointChanged := m.host != "" && (m.host != cfg.Host || m.port != cfg.Port)
	if endpointChanged {
		m.host = cfg.Host
		m.port = cfg.Port
	}
	link := m.link
	connected := m.state == StateConnected
	nameChanged := cfg.NodeLongName != "" && cfg.NodeLongName != m.longName
	m.mu.Unlock()

	if endpointChanged {
		logger.InfoCF("mesh", "Radio endpoint updated from config", map[string]any{
			"endpoint": cfg.Endpoint(), "live": connected,
		})
	}
	if connected && nameChanged && link != nil {
		if err := link.SetOwnerLongName(ctx, cfg.NodeLongName); err != nil {
			logger.WarnCF("mesh", "Device rename from config failed", map[string]any{"error": err.Error()})
			return
		}
		m.mu.Lock()
		m.longName = cfg.NodeLongName
		m.mu.Unlock()
	}
}

// Info describes the connection for /status.
type Info struct {
	State       State
	Endpoint    string
	ConnectedAt time.Time
	Failures    int
}

func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		State:       m.state,
		Endpoint:    fmt.Sprintf("%s:%d", m.host, m.port),
		ConnectedAt: m.connectedAt,
		Failures:    m.failures,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// pump forwards decoded packets from one link generation onto the bus.
// When the packet channel closes the link has died; mark the state so
// the reconnect ticker picks it up.
func (m *Manager) pump(link DeviceLink, gen uint64) {
	for pkt := range link.Packets() {
		if err := m.bus.PublishMesh(context.Background(), pkt); err != nil {
			return
		}
	}

	m.mu.Lock()
	stale := m.generation != gen
	endpoint := fmt.Sprintf("%s:%d", m.host, m.port)
	if !stale {
		m.link = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	if stale {
		return
	}

	logger.WarnC("mesh", "Radio stream ended")
	m.publishLifecycle(bus.Lifecycle{
		State:    bus.LinkDisconnected,
		Endpoint: endpoint,
		Err:      "stream closed",
	})
}

// checkHealth pings the device; after FailureThreshold consecutive
// failures the link is declared dead and torn down.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	link := m.link
	state := m.state
	m.mu.Unlock()
	if link == nil || state != StateConnected {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := link.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	if err == nil {
		m.failures = 0
		m.mu.Unlock()
		return
	}
	m.failures++
	failures := m.failures
	if failures < m.opts.FailureThreshold {
		m.mu.Unlock()
		logger.WarnCF("mesh", "Health probe failed", map[string]any{
			"failures": failures, "threshold": m.opts.FailureThreshold,
		})
		return
	}
	m.link = nil
	m.state = StateDisconnected
	m.failures = 0
	m.generation++
	endpoint := fmt.Sprintf("%s:%d", m.host, m.port)
	m.mu.Unlock()

	_ = link.Close()
	logger.ErrorC("mesh", "Health threshold exceeded, dropping connection")
	m.publishLifecycle(bus.Lifecycle{
		State:    bus.LinkDisconnected,
		Endpoint: endpoint,
		Err:      err.Error(),
	})
}

// maybeReconnect re-dials the last endpoint unless the operator asked
// for the disconnect.
func (m *Manager) maybeReconnect(ctx context.Context) {
	m.mu.Lock()
	idle := m.state == StateDisconnected && !m.manual && m.host != ""
	if idle {
		m.attempts++
	}
	attempt := m.attempts
	host, port := m.host, m.port
	m.mu.Unlock()
	if !idle {
		return
	}

	m.publishLifecycle(bus.Lifecycle{
		State:    bus.LinkReconnectAttempt,
		Endpoint: fmt.Sprintf("%s:%d", host, port),
		Attempt:  attempt,
	})
	if err := m.Connect(ctx, host, port); err != nil {
		logger.WarnCF("mesh", "Reconnect attempt failed", map[string]any{
			"attempt": attempt, "error": err.Error(),
		})
	}
}

func (m *Manager) teardown() {
	m.mu.Lock()
	link := m.link
	m.link = nil
	m.state = StateDisconnected
	m.generation++
	m.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (m *Manager) publishLifecycle(lc bus.Lifecycle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.PublishLifecycle(ctx, lc); err != nil {
		logger.DebugC("mesh", "Lifecycle event dropped")
	}
}
