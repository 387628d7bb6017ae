package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/config"
)

type fakeLink struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	closed     bool
	sent       []SendRequest
	packets    chan bus.MeshPacket
	nextID     uint32
	dialedHost string
	dialedPort int
	ownerNames []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{packets: make(chan bus.MeshPacket, 8)}
}

func (f *fakeLink) Connect(ctx context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialedHost = host
	f.dialedPort = port
	return f.connectErr
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.packets)
	}
	return nil
}

func (f *fakeLink) SendText(ctx context.Context, req SendRequest) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeLink) Packets() <-chan bus.MeshPacket { return f.packets }

func (f *fakeLink) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeLink) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLink) Nodes() []NodeInfo { return nil }

func (f *fakeLink) SetModemPreset(ctx context.Context, preset string, slot int) error { return nil }

func (f *fakeLink) SetOwnerLongName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerNames = append(f.ownerNames, name)
	return nil
}

func (f *fakeLink) dialed() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialedHost, f.dialedPort
}

func (f *fakeLink) owners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ownerNames...)
}

// linkSequence hands out pre-built fakes, one per connection attempt.
type linkSequence struct {
	mu    sync.Mutex
	links []*fakeLink
	used  int
}

func (s *linkSequence) factory() DeviceLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.links[s.used]
	s.used++
	return l
}

func (s *linkSequence) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerConnectAndSend(t *testing.T) {
	b := bus.NewEventBus()
	seq := &linkSequence{links: []*fakeLink{newFakeLink()}}
	m := NewManager(b, Options{}, seq.factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state %s", m.State())
	}

	id, err := m.Send(ctx, SendRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == 0 {
		t.Error("Send returned zero packet id")
	}

	ev, ok := b.Consume(ctx)
	if !ok || ev.Lifecycle == nil || ev.Lifecycle.State != bus.LinkConnected {
		t.Errorf("expected connected lifecycle event, got %+v", ev)
	}
}

func TestManagerSendWhenDisconnected(t *testing.T) {
	b := bus.NewEventBus()
	m := NewManager(b, Options{}, func() DeviceLink { return newFakeLink() })

	if _, err := m.Send(context.Background(), SendRequest{Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerHealthFailureThreshold(t *testing.T) {
	b := bus.NewEventBus()
	link := newFakeLink()
	seq := &linkSequence{links: []*fakeLink{link, newFakeLink()}}
	m := NewManager(b, Options{FailureThreshold: 3}, seq.factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}

	link.setPingErr(errors.New("radio gone"))
	m.checkHealth(ctx)
	m.checkHealth(ctx)
	if m.State() != StateConnected {
		t.Fatalf("dropped before threshold: %s", m.State())
	}
	m.checkHealth(ctx)
	if m.State() != StateDisconnected {
		t.Fatalf("state %s after threshold", m.State())
	}
	if !link.isClosed() {
		t.Error("dead link not closed")
	}

	// The reconnect tick re-dials the same endpoint.
	m.maybeReconnect(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected }, "reconnect")
	if seq.count() != 2 {
		t.Errorf("expected 2 connection attempts, got %d", seq.count())
	}
}

func TestManagerHealthRecoversCounter(t *testing.T) {
	b := bus.NewEventBus()
	link := newFakeLink()
	m := NewManager(b, Options{FailureThreshold: 3}, (&linkSequence{links: []*fakeLink{link}}).factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}

	link.setPingErr(errors.New("blip"))
	m.checkHealth(ctx)
	m.checkHealth(ctx)
	link.setPingErr(nil)
	m.checkHealth(ctx)
	if m.Info().Failures != 0 {
		t.Errorf("failure counter not reset: %d", m.Info().Failures)
	}
	link.setPingErr(errors.New("blip"))
	m.checkHealth(ctx)
	if m.State() != StateConnected {
		t.Error("single failure after recovery dropped the link")
	}
}

func TestManagerManualDisconnectSuppressesReconnect(t *testing.T) {
	b := bus.NewEventBus()
	seq := &linkSequence{links: []*fakeLink{newFakeLink(), newFakeLink()}}
	m := NewManager(b, Options{}, seq.factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state %s after disconnect", m.State())
	}

	m.maybeReconnect(ctx)
	m.maybeReconnect(ctx)
	if seq.count() != 1 {
		t.Errorf("auto-reconnect ran after manual disconnect: %d attempts", seq.count())
	}

	// An explicit connect clears the latch.
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConnected {
		t.Errorf("state %s after explicit reconnect", m.State())
	}
}

func TestManagerApplyConfigRetargetsReconnect(t *testing.T) {
	b := bus.NewEventBus()
	link := newFakeLink()
	next := newFakeLink()
	seq := &linkSequence{links: []*fakeLink{link, next}}
	m := NewManager(b, Options{FailureThreshold: 1}, seq.factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "10.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Host = "10.0.0.2"
	cfg.Port = 4404
	m.ApplyConfig(ctx, cfg)

	// The live link stays up on the old endpoint.
	if m.State() != StateConnected {
		t.Fatalf("state %s after ApplyConfig", m.State())
	}

	// Once the link dies, the reconnect dials the reloaded endpoint.
	link.setPingErr(errors.New("radio gone"))
	m.checkHealth(ctx)
	if m.State() != StateDisconnected {
		t.Fatalf("state %s after health failure", m.State())
	}
	m.maybeReconnect(ctx)
	waitFor(t, func() bool { return m.State() == StateConnected }, "reconnect")

	host, port := next.dialed()
	if host != "10.0.0.2" || port != 4404 {
		t.Errorf("reconnect dialed %s:%d, want 10.0.0.2:4404", host, port)
	}
}

func TestManagerApplyConfigPushesLongName(t *testing.T) {
	b := bus.NewEventBus()
	link := newFakeLink()
	m := NewManager(b, Options{}, (&linkSequence{links: []*fakeLink{link}}).factory)

	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.NodeLongName = "Bridge Node"

	// Disconnected: nothing to push, no error.
	m.ApplyConfig(ctx, cfg)
	if len(link.owners()) != 0 {
		t.Fatal("rename pushed without a connection")
	}

	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}
	m.ApplyConfig(ctx, cfg)
	if got := link.owners(); len(got) != 1 || got[0] != "Bridge Node" {
		t.Fatalf("owner pushes %v", got)
	}

	// An unchanged name is not re-pushed; a new one is.
	m.ApplyConfig(ctx, cfg)
	if got := link.owners(); len(got) != 1 {
		t.Errorf("unchanged name re-pushed: %v", got)
	}
	cfg.NodeLongName = "Relay Node"
	m.ApplyConfig(ctx, cfg)
	if got := link.owners(); len(got) != 2 || got[1] != "Relay Node" {
		t.Errorf("owner pushes %v", got)
	}
}

func TestManagerEndpointFollowsStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Host = "10.0.0.1"
	writeManagerConfig(t, path, cfg)

	store, err := config.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.NewEventBus()
	m := NewManager(b, Options{}, (&linkSequence{links: []*fakeLink{newFakeLink()}}).factory)
	ctx := context.Background()
	store.OnReload(func(c *config.Config) { m.ApplyConfig(ctx, c) })

	cur := store.Current()
	if err := m.Connect(ctx, cur.Host, cur.Port); err != nil {
		t.Fatal(err)
	}

	cfg.Host = "10.0.0.2"
	cfg.Port = 4404
	writeManagerConfig(t, path, cfg)
	if err := store.Reload(); err != nil {
		t.Fatal(err)
	}

	if got := m.Info().Endpoint; got != "10.0.0.2:4404" {
		t.Errorf("manager endpoint %q after reload, want 10.0.0.2:4404", got)
	}
}

func writeManagerConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerApplyConfigBeforeConnectStaysIdle(t *testing.T) {
	b := bus.NewEventBus()
	seq := &linkSequence{links: []*fakeLink{newFakeLink()}}
	m := NewManager(b, Options{}, seq.factory)

	ctx := context.Background()
	m.ApplyConfig(ctx, config.DefaultConfig())

	// A reload before any connect must not start auto-dialing.
	m.maybeReconnect(ctx)
	if seq.count() != 0 {
		t.Errorf("reconnect ran without a prior connect: %d attempts", seq.count())
	}
}

type blockingLink struct {
	*fakeLink
	started chan struct{}
	release chan struct{}
}

func (b *blockingLink) Connect(ctx context.Context, host string, port int) error {
	close(b.started)
	<-b.release
	return nil
}

func TestManagerDisconnectDuringConnecting(t *testing.T) {
	b := bus.NewEventBus()
	link := &blockingLink{
		fakeLink: newFakeLink(),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	seq := &linkSequence{links: []*fakeLink{newFakeLink()}}
	first := true
	m := NewManager(b, Options{}, func() DeviceLink {
		if first {
			first = false
			return link
		}
		return seq.factory()
	})

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(ctx, "127.0.0.1", 4403) }()
	<-link.started

	// Disconnect lands while the dial is still in flight.
	m.Disconnect()
	close(link.release)

	if err := <-errCh; err == nil {
		t.Error("superseded connect reported success")
	}
	waitFor(t, link.isClosed, "superseded link teardown")
	if m.State() != StateDisconnected {
		t.Fatalf("state %s", m.State())
	}

	m.maybeReconnect(ctx)
	if seq.count() != 0 {
		t.Error("auto-reconnect ran after disconnect during connecting")
	}
}

func TestManagerPumpForwardsPackets(t *testing.T) {
	b := bus.NewEventBus()
	link := newFakeLink()
	m := NewManager(b, Options{}, (&linkSequence{links: []*fakeLink{link}}).factory)

	ctx := context.Background()
	if err := m.Connect(ctx, "127.0.0.1", 4403); err != nil {
		t.Fatal(err)
	}
	// Drain the connected lifecycle event.
	b.Consume(ctx)

	link.packets <- bus.MeshPacket{FromNodeID: "!cafe0001", Text: "hi"}
	ev, ok := b.Consume(ctx)
	if !ok || ev.Mesh == nil || ev.Mesh.Text != "hi" {
		t.Fatalf("expected forwarded packet, got %+v", ev)
	}

	// A dying stream flips the state and emits a lifecycle event.
	link.Close()
	waitFor(t, func() bool { return m.State() == StateDisconnected }, "stream death detection")
	ev, ok = b.Consume(ctx)
	if !ok || ev.Lifecycle == nil || ev.Lifecycle.State != bus.LinkDisconnected {
		t.Errorf("expected disconnected lifecycle event, got %+v", ev)
	}
}
