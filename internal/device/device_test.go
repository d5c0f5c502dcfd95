package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkbridge-agent/internal/capability"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeLink is one end of an in-memory link; the test drives the peer end.
type pipeLink struct {
	toPeer   chan model.Packet
	fromPeer chan model.Packet
	closed   chan struct{}
	once     sync.Once
}

func newPipeLink() *pipeLink {
	return &pipeLink{
		toPeer:   make(chan model.Packet, 16),
		fromPeer: make(chan model.Packet, 16),
		closed:   make(chan struct{}),
	}
}

func (l *pipeLink) Send(ctx context.Context, p model.Packet) error {
	select {
	case <-l.closed:
		return stream.ErrLinkClosed
	case l.toPeer <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *pipeLink) Receive(ctx context.Context) (model.Packet, error) {
	select {
	case <-l.closed:
		return model.Packet{}, stream.ErrLinkClosed
	case p := <-l.fromPeer:
		return p, nil
	case <-ctx.Done():
		return model.Packet{}, ctx.Err()
	}
}

func (l *pipeLink) Close(context.Context) error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type fakeDialer struct {
	links chan *pipeLink
	fails int
	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (stream.Link, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.fails
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	select {
	case l := <-d.links:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingPlugin struct {
	mu        sync.Mutex
	packets   []string
	connCtx   context.Context
	connected chan struct{}
	gone      chan struct{}
	failOn    string
}

func newRecordingPlugin() *recordingPlugin {
	return &recordingPlugin{connected: make(chan struct{}, 4), gone: make(chan struct{}, 4)}
}

func (p *recordingPlugin) HandlePacket(_ context.Context, pkt model.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packets = append(p.packets, pkt.String("id"))
	if pkt.String("id") == p.failOn {
		return errors.New("boom")
	}
	return nil
}

func (p *recordingPlugin) Connected(ctx context.Context) error {
	p.mu.Lock()
	p.connCtx = ctx
	p.mu.Unlock()
	p.connected <- struct{}{}
	return nil
}

func (p *recordingPlugin) Disconnected() {
	p.gone <- struct{}{}
}

func (p *recordingPlugin) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.packets...)
}

func testMetadata() capability.Metadata {
	return capability.Metadata{
		ID:       "test.plugin",
		Incoming: []string{model.TypeNotification},
		Outgoing: []string{model.TypeNotification, model.TypeNotificationRequest},
	}
}

func remoteIdentity(incoming ...string) model.Packet {
	return model.NewPacket(model.TypeIdentity, map[string]any{
		"deviceId":             "phone_1",
		"deviceName":           "Pixel",
		"deviceType":           "phone",
		"incomingCapabilities": toAny(incoming),
		"outgoingCapabilities": []any{model.TypeNotification},
	})
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func newTestDevice(t *testing.T, dialer *fakeDialer) (*Device, *recordingPlugin) {
	t.Helper()
	d := New(Options{
		ID:       "desk_1",
		Name:     "Desk",
		Conns:    NewConnManager(dialer, 10*time.Millisecond, 0, testLogger()),
		Registry: capability.NewRegistry(),
		Logger:   testLogger(),
	})
	p := newRecordingPlugin()
	require.NoError(t, d.AddPlugin(testMetadata(), p))
	return d, p
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDeviceHandshakeAndDispatch(t *testing.T) {
	dialer := &fakeDialer{links: make(chan *pipeLink, 1), fails: 2}
	d, p := newTestDevice(t, dialer)
	p.failOn = "2"
	link := newPipeLink()
	dialer.links <- link
	link.fromPeer <- remoteIdentity(model.TypeNotification)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, p.connected)
	ident := <-link.toPeer
	assert.Equal(t, model.TypeIdentity, ident.Type)
	assert.Equal(t, "desk_1", ident.String("deviceId"))
	assert.Equal(t, []string{model.TypeNotification}, ident.Strings("incomingCapabilities"))
	assert.True(t, d.Connected())
	assert.Equal(t, "Pixel", d.Status().Remote.Name)

	for _, id := range []string{"1", "2", "3"} {
		link.fromPeer <- model.NewPacket(model.TypeNotification, map[string]any{"id": id})
	}
	link.fromPeer <- model.NewPacket("kdeconnect.ping", map[string]any{"id": "ping"})
	link.fromPeer <- model.NewPacket(model.TypeNotification, map[string]any{"id": "4"})

	require.Eventually(t, func() bool { return len(p.seen()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, p.seen(), "arrival order, failures contained")
	require.Eventually(t, func() bool { return d.Status().Dropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), d.Status().Failed)

	require.NoError(t, d.SendPacket(ctx, model.NewPacket(model.TypeNotification, map[string]any{"id": "out"})))
	assert.Equal(t, "out", (<-link.toPeer).String("id"))
	err := d.SendPacket(ctx, model.NewPacket(model.TypeNotificationRequest, nil))
	assert.ErrorIs(t, err, ErrPeerIncapable)

	cancel()
	require.NoError(t, <-done)
	waitFor(t, p.gone)
	assert.False(t, d.Connected())
	assert.ErrorIs(t, d.SendPacket(context.Background(), model.NewPacket(model.TypeNotification, nil)), ErrNotConnected)
	assert.Equal(t, 3, dialer.dials)
}

func TestDeviceDisconnectCancelsPluginContext(t *testing.T) {
	dialer := &fakeDialer{links: make(chan *pipeLink, 2)}
	d, p := newTestDevice(t, dialer)
	first := newPipeLink()
	first.fromPeer <- remoteIdentity(model.TypeNotification)
	dialer.links <- first

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, p.connected)
	p.mu.Lock()
	connCtx := p.connCtx
	p.mu.Unlock()

	require.NoError(t, first.Close(context.Background()))
	waitFor(t, p.gone)
	select {
	case <-connCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("connection context not cancelled")
	}

	second := newPipeLink()
	second.fromPeer <- remoteIdentity(model.TypeNotification)
	dialer.links <- second
	waitFor(t, p.connected)
	assert.True(t, d.Connected())

	cancel()
	require.NoError(t, <-done)
}

func TestDeviceWithoutIdentityDispatchesFirstPacket(t *testing.T) {
	dialer := &fakeDialer{links: make(chan *pipeLink, 1)}
	d, p := newTestDevice(t, dialer)
	link := newPipeLink()
	link.fromPeer <- model.NewPacket(model.TypeNotification, map[string]any{"id": "early"})
	dialer.links <- link

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, p.connected)
	require.Eventually(t, func() bool { return len(p.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, d.Actions())
	require.NoError(t, d.SendPacket(ctx, model.NewPacket(model.TypeNotificationRequest, nil)), "unknown peer capabilities do not gate sends")

	cancel()
	require.NoError(t, <-done)
}
