// Package device owns the link to the paired device and dispatches its
// packets to plugins in arrival order.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linkbridge-agent/internal/capability"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/stream"
)

const ProtocolVersion = 7

var (
	ErrNotConnected  = errors.New("device: not connected")
	ErrPeerIncapable = errors.New("device: peer does not accept packet type")
)

// Plugin handles packets for one capability set and follows the connection.
type Plugin interface {
	capability.Handler
	// Connected receives a context that is cancelled when the link drops.
	Connected(ctx context.Context) error
	Disconnected()
}

// Remote is what the peer announced in its identity packet.
type Remote struct {
	ID       string
	Name     string
	Type     string
	Incoming []string
	Outgoing []string
}

type Status struct {
	ID         string
	Name       string
	Connected  bool
	Remote     Remote
	LastPacket time.Time
	Received   int64
	Dropped    int64
	Failed     int64
}

type Options struct {
	ID       string
	Name     string
	Type     string
	Conns    *ConnManager
	Registry *capability.Registry
	Logger   *slog.Logger
}

type Device struct {
	id       string
	name     string
	kind     string
	conns    *ConnManager
	registry *capability.Registry
	logger   *slog.Logger

	pluginMu sync.Mutex
	plugins  []Plugin

	mu     sync.RWMutex
	link   stream.Link
	remote *Remote

	connected  atomic.Bool
	lastPacket atomic.Int64
	received   atomic.Int64
	dropped    atomic.Int64
	failed     atomic.Int64
}

func New(opts Options) *Device {
	kind := opts.Type
	if kind == "" {
		kind = "desktop"
	}
	return &Device{
		id:       opts.ID,
		name:     opts.Name,
		kind:     kind,
		conns:    opts.Conns,
		registry: opts.Registry,
		logger:   opts.Logger.With("device_id", opts.ID),
	}
}

// AddPlugin registers the plugin's capabilities and attaches it to the
// connection lifecycle. Plugins must be added before Run.
func (d *Device) AddPlugin(meta capability.Metadata, p Plugin) error {
	if err := d.registry.Register(meta, p); err != nil {
		return err
	}
	d.pluginMu.Lock()
	d.plugins = append(d.plugins, p)
	d.pluginMu.Unlock()
	return nil
}

// Run keeps the link up until ctx ends.
func (d *Device) Run(ctx context.Context) error {
	for {
		link, err := d.conns.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.serve(ctx, link); err != nil && ctx.Err() == nil {
			d.logger.Warn("link lost", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := d.conns.Backoff(ctx); err != nil {
			return nil
		}
	}
}

func (d *Device) identityPacket() model.Packet {
	return model.NewPacket(model.TypeIdentity, map[string]any{
		"deviceId":             d.id,
		"deviceName":           d.name,
		"deviceType":           d.kind,
		"protocolVersion":      ProtocolVersion,
		"incomingCapabilities": d.registry.Incoming(),
		"outgoingCapabilities": d.registry.Outgoing(),
	})
}

func (d *Device) serve(ctx context.Context, link stream.Link) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		if err := link.Close(closeCtx); err != nil {
			d.logger.Debug("link close failed", "error", err)
		}
	}()

	if err := link.Send(connCtx, d.identityPacket()); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}
	first, err := link.Receive(connCtx)
	if err != nil {
		return fmt.Errorf("receive identity: %w", err)
	}

	var remote *Remote
	if first.Type == model.TypeIdentity {
		remote = &Remote{
			ID:       first.String("deviceId"),
			Name:     first.String("deviceName"),
			Type:     first.String("deviceType"),
			Incoming: first.Strings("incomingCapabilities"),
			Outgoing: first.Strings("outgoingCapabilities"),
		}
	}

	d.mu.Lock()
	d.link = link
	d.remote = remote
	d.mu.Unlock()
	d.connected.Store(true)
	if remote != nil {
		d.logger.Info("device connected", "remote_id", remote.ID, "remote_name", remote.Name)
	} else {
		d.logger.Info("device connected without identity")
	}

	defer func() {
		d.connected.Store(false)
		d.mu.Lock()
		d.link = nil
		d.mu.Unlock()
		cancel()
		for _, p := range d.pluginList() {
			p.Disconnected()
		}
		d.logger.Info("device disconnected")
	}()

	for _, p := range d.pluginList() {
		if err := p.Connected(connCtx); err != nil {
			d.logger.Warn("plugin connect hook failed", "error", err)
		}
	}

	if remote == nil {
		d.dispatch(connCtx, first)
	}
	for {
		pkt, err := link.Receive(connCtx)
		if err != nil {
			return err
		}
		d.dispatch(connCtx, pkt)
	}
}

func (d *Device) pluginList() []Plugin {
	d.pluginMu.Lock()
	defer d.pluginMu.Unlock()
	return append([]Plugin(nil), d.plugins...)
}

// dispatch hands one packet to every plugin declaring its type. Failures are
// contained to the packet.
func (d *Device) dispatch(ctx context.Context, pkt model.Packet) {
	d.received.Add(1)
	d.lastPacket.Store(time.Now().UnixMilli())

	handlers, err := d.registry.Route(pkt.Type)
	if err != nil {
		d.dropped.Add(1)
		d.logger.Debug("dropping packet", "packet_type", pkt.Type, "error", err)
		return
	}
	for _, h := range handlers {
		if err := h.HandlePacket(ctx, pkt); err != nil {
			d.failed.Add(1)
			d.logger.Warn("packet handling failed", "packet_type", pkt.Type, "error", err)
		}
	}
}

// SendPacket writes pkt to the current link. Packets the peer did not declare
// as incoming are refused.
func (d *Device) SendPacket(ctx context.Context, pkt model.Packet) error {
	d.mu.RLock()
	link, remote := d.link, d.remote
	d.mu.RUnlock()
	if link == nil {
		return ErrNotConnected
	}
	if remote != nil && !capability.CanSend(pkt.Type, remote.Incoming) {
		return fmt.Errorf("%w: %s", ErrPeerIncapable, pkt.Type)
	}
	return link.Send(ctx, pkt)
}

func (d *Device) Connected() bool {
	return d.connected.Load()
}

// Actions lists the plugin actions usable against the connected peer.
func (d *Device) Actions() []string {
	d.mu.RLock()
	remote := d.remote
	d.mu.RUnlock()
	if remote == nil {
		return nil
	}
	return d.registry.Actions(remote.Incoming, remote.Outgoing)
}

func (d *Device) Status() Status {
	s := Status{
		ID:        d.id,
		Name:      d.name,
		Connected: d.connected.Load(),
		Received:  d.received.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
	if ms := d.lastPacket.Load(); ms > 0 {
		s.LastPacket = time.UnixMilli(ms)
	}
	d.mu.RLock()
	if d.remote != nil {
		s.Remote = *d.remote
	}
	d.mu.RUnlock()
	return s
}
