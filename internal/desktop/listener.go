package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"linkbridge-agent/internal/identity"
	"linkbridge-agent/internal/model"
)

var monitorRules = []string{
	"type='method_call',interface='org.freedesktop.Notifications',member='Notify'",
	"type='method_return'",
	"type='signal',interface='org.freedesktop.Notifications',member='NotificationClosed'",
	"type='method_call',interface='org.gtk.Notifications',member='AddNotification'",
	"type='method_call',interface='org.gtk.Notifications',member='RemoveNotification'",
}

type callKey struct {
	sender string
	serial uint32
}

// Listener observes notifications posted by local applications. It needs a
// connection of its own: once it becomes a monitor the connection cannot be
// used for anything else.
type Listener struct {
	conn   *dbus.Conn
	self   string
	logger *slog.Logger

	onNotify func(model.NotificationEvent)
	onClosed func(id string)

	mu      sync.Mutex
	pending map[callKey]model.NotificationEvent
	// active maps fdo server ids to the composite ids reported upstream.
	active map[uint32]string
}

// NewListener skips notifications posted under self, which are our own.
func NewListener(conn *dbus.Conn, self string, onNotify func(model.NotificationEvent), onClosed func(string), logger *slog.Logger) *Listener {
	return &Listener{
		conn:     conn,
		self:     self,
		logger:   logger,
		onNotify: onNotify,
		onClosed: onClosed,
		pending:  map[callKey]model.NotificationEvent{},
		active:   map[uint32]string{},
	}
}

func (l *Listener) Run(ctx context.Context) error {
	call := l.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, monitorRules, uint32(0))
	if call.Err != nil {
		return fmt.Errorf("become monitor: %w", call.Err)
	}
	ch := make(chan *dbus.Message, 64)
	l.conn.Eavesdrop(ch)
	l.logger.Info("notification listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.handleMessage(msg)
		}
	}
}

func header(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch s := v.Value().(type) {
	case string:
		return s
	case dbus.ObjectPath:
		return string(s)
	default:
		return ""
	}
}

func (l *Listener) handleMessage(msg *dbus.Message) {
	switch msg.Type {
	case dbus.TypeMethodCall:
		iface, member := header(msg, dbus.FieldInterface), header(msg, dbus.FieldMember)
		switch {
		case iface == fdoIface && member == "Notify":
			l.handleNotify(msg)
		case iface == gtkIface && member == "AddNotification":
			l.handleGTKAdd(msg)
		case iface == gtkIface && member == "RemoveNotification":
			l.handleGTKRemove(msg)
		}
	case dbus.TypeMethodReply:
		l.handleReturn(msg)
	case dbus.TypeSignal:
		if header(msg, dbus.FieldInterface) == fdoIface && header(msg, dbus.FieldMember) == "NotificationClosed" {
			l.handleClosed(msg)
		}
	}
}

func (l *Listener) handleNotify(msg *dbus.Message) {
	var (
		appName  string
		replaces uint32
		appIcon  string
		summary  string
		body     string
		actions  []string
		hints    map[string]dbus.Variant
		timeout  int32
	)
	if err := dbus.Store(msg.Body, &appName, &replaces, &appIcon, &summary, &body, &actions, &hints, &timeout); err != nil {
		l.logger.Debug("malformed Notify call", "error", err)
		return
	}
	if appName == l.self {
		return
	}

	ev := model.NotificationEvent{
		AppID: appName,
		Title: summary,
		Text:  body,
		Icon:  model.ParseIcon(appIcon),
		Time:  time.Now(),
	}
	if ev.AppID == "" {
		ev.AppID, _ = hints["desktop-entry"].Value().(string)
	}
	if ev.AppID == "" {
		ev.AppID = "unknown"
	}
	if ev.Icon.Kind == model.IconNone {
		if path, ok := hints["image-path"].Value().(string); ok {
			ev.Icon = model.ParseIcon(path)
		}
	}
	// Action pairs are key, label; only labels travel.
	for i := 1; i < len(actions); i += 2 {
		if actions[i-1] != defaultActionKey {
			ev.Actions = append(ev.Actions, actions[i])
		}
	}

	if replaces != 0 {
		l.emit(replaces, ev)
		return
	}
	l.mu.Lock()
	l.pending[callKey{header(msg, dbus.FieldSender), msg.Serial()}] = ev
	l.mu.Unlock()
}

func (l *Listener) handleReturn(msg *dbus.Message) {
	v, ok := msg.Headers[dbus.FieldReplySerial]
	if !ok {
		return
	}
	serial, _ := v.Value().(uint32)
	key := callKey{header(msg, dbus.FieldDestination), serial}

	l.mu.Lock()
	ev, ok := l.pending[key]
	delete(l.pending, key)
	l.mu.Unlock()
	if !ok {
		return
	}
	var id uint32
	if err := dbus.Store(msg.Body, &id); err != nil {
		return
	}
	l.emit(id, ev)
}

func (l *Listener) emit(id uint32, ev model.NotificationEvent) {
	composite, err := identity.Encode(identity.CategoryFDO, ev.AppID, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		l.logger.Debug("cannot encode notification id", "app", ev.AppID, "error", err)
		return
	}
	ev.ID = composite
	l.mu.Lock()
	l.active[id] = composite
	l.mu.Unlock()
	if l.onNotify != nil {
		l.onNotify(ev)
	}
}

func (l *Listener) handleClosed(msg *dbus.Message) {
	var id, reason uint32
	if err := dbus.Store(msg.Body, &id, &reason); err != nil {
		return
	}
	l.mu.Lock()
	composite, ok := l.active[id]
	delete(l.active, id)
	l.mu.Unlock()
	if ok && l.onClosed != nil {
		l.onClosed(composite)
	}
}

func (l *Listener) handleGTKAdd(msg *dbus.Message) {
	var (
		appID string
		id    string
		props map[string]dbus.Variant
	)
	if err := dbus.Store(msg.Body, &appID, &id, &props); err != nil {
		l.logger.Debug("malformed AddNotification call", "error", err)
		return
	}
	composite, err := identity.Encode(identity.CategoryGTK, appID, id)
	if err != nil {
		l.logger.Debug("cannot encode notification id", "app", appID, "error", err)
		return
	}
	ev := model.NotificationEvent{ID: composite, AppID: appID, Time: time.Now()}
	ev.Title, _ = props["title"].Value().(string)
	ev.Text, _ = props["body"].Value().(string)
	if l.onNotify != nil {
		l.onNotify(ev)
	}
}

func (l *Listener) handleGTKRemove(msg *dbus.Message) {
	var appID, id string
	if err := dbus.Store(msg.Body, &appID, &id); err != nil {
		return
	}
	composite, err := identity.Encode(identity.CategoryGTK, appID, id)
	if err != nil {
		return
	}
	if l.onClosed != nil {
		l.onClosed(composite)
	}
}
