// Package capability holds the static packet-type and action declarations of
// each plugin and routes inbound packets by type.
package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"linkbridge-agent/internal/model"
)

var (
	ErrUnknownPacketType = errors.New("capability: no plugin accepts packet type")
	ErrInvalidMetadata   = errors.New("capability: invalid plugin metadata")
	ErrDuplicatePlugin   = errors.New("capability: plugin already registered")
)

var packetTypePattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)+$`)

// Action describes a user-facing action and the packet types it needs.
// ParameterType is a D-Bus type signature, empty for actions without a parameter.
type Action struct {
	Label         string
	IconName      string
	ParameterType string
	Incoming      []string
	Outgoing      []string
}

type Metadata struct {
	ID       string
	Label    string
	Incoming []string
	Outgoing []string
	Actions  map[string]Action
}

type Handler interface {
	HandlePacket(ctx context.Context, p model.Packet) error
}

type entry struct {
	meta    Metadata
	handler Handler
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]entry
	order   []string
	byType  map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		plugins: map[string]entry{},
		byType:  map[string][]string{},
	}
}

// Validate checks packet type names, action parameter signatures and that
// every action only uses packet types the plugin itself declares.
func (m Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMetadata)
	}
	for _, t := range append(append([]string(nil), m.Incoming...), m.Outgoing...) {
		if !packetTypePattern.MatchString(t) {
			return fmt.Errorf("%w: %s: bad packet type %q", ErrInvalidMetadata, m.ID, t)
		}
	}
	for name, a := range m.Actions {
		if a.ParameterType != "" {
			if _, err := dbus.ParseSignature(a.ParameterType); err != nil {
				return fmt.Errorf("%w: %s.%s: parameter type %q: %v", ErrInvalidMetadata, m.ID, name, a.ParameterType, err)
			}
		}
		for _, t := range a.Incoming {
			if !slices.Contains(m.Incoming, t) {
				return fmt.Errorf("%w: %s.%s: incoming %q not declared by plugin", ErrInvalidMetadata, m.ID, name, t)
			}
		}
		for _, t := range a.Outgoing {
			if !slices.Contains(m.Outgoing, t) {
				return fmt.Errorf("%w: %s.%s: outgoing %q not declared by plugin", ErrInvalidMetadata, m.ID, name, t)
			}
		}
	}
	return nil
}

func (m Metadata) clone() Metadata {
	out := Metadata{
		ID:       m.ID,
		Label:    m.Label,
		Incoming: slices.Clone(m.Incoming),
		Outgoing: slices.Clone(m.Outgoing),
		Actions:  make(map[string]Action, len(m.Actions)),
	}
	for name, a := range m.Actions {
		a.Incoming = slices.Clone(a.Incoming)
		a.Outgoing = slices.Clone(a.Outgoing)
		out.Actions[name] = a
	}
	return out
}

// Register validates meta once and stores a private copy of it.
func (r *Registry) Register(meta Metadata, h Handler) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrInvalidMetadata, meta.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, meta.ID)
	}
	r.plugins[meta.ID] = entry{meta: meta.clone(), handler: h}
	r.order = append(r.order, meta.ID)
	for _, t := range meta.Incoming {
		r.byType[t] = append(r.byType[t], meta.ID)
	}
	return nil
}

// Route returns every handler that declared packetType as incoming, in registration order.
func (r *Registry) Route(packetType string) ([]Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byType[packetType]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacketType, packetType)
	}
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.plugins[id].handler)
	}
	return out, nil
}

func (r *Registry) Metadata(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return Metadata{}, false
	}
	return e.meta.clone(), true
}

// Incoming is the union of all declared incoming types, as advertised to the peer.
func (r *Registry) Incoming() []string {
	return r.union(func(m Metadata) []string { return m.Incoming })
}

func (r *Registry) Outgoing() []string {
	return r.union(func(m Metadata) []string { return m.Outgoing })
}

func (r *Registry) union(pick func(Metadata) []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]struct{}{}
	for _, e := range r.plugins {
		for _, t := range pick(e.meta) {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CanSend reports whether the peer accepts packetType.
func CanSend(packetType string, remoteIncoming []string) bool {
	return slices.Contains(remoteIncoming, packetType)
}

// Actions lists the actions usable against a peer with the given capabilities:
// everything the action sends must be accepted by the peer and everything it
// waits for must be sent by the peer.
func (r *Registry) Actions(remoteIncoming, remoteOutgoing []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		for name, a := range r.plugins[id].meta.Actions {
			if compatible(a, remoteIncoming, remoteOutgoing) {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func compatible(a Action, remoteIncoming, remoteOutgoing []string) bool {
	for _, t := range a.Outgoing {
		if !slices.Contains(remoteIncoming, t) {
			return false
		}
	}
	for _, t := range a.Incoming {
		if !slices.Contains(remoteOutgoing, t) {
			return false
		}
	}
	return true
}
