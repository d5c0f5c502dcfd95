// Package desktop talks to the local notification services on the session bus.
package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"

	"linkbridge-agent/internal/identity"
	"linkbridge-agent/internal/model"
)

const (
	fdoDest  = "org.freedesktop.Notifications"
	fdoPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	fdoIface = "org.freedesktop.Notifications"

	gtkDest  = "org.gtk.Notifications"
	gtkPath  = dbus.ObjectPath("/org/gtk/Notifications")
	gtkIface = "org.gtk.Notifications"

	defaultActionKey = "default"
)

// caller is the slice of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

type shownNotification struct {
	id      string
	actions map[string]model.Action
}

// DBusNotifier shows remote notifications through org.freedesktop.Notifications
// and closes local ones on behalf of the peer.
type DBusNotifier struct {
	conn    *dbus.Conn
	fdo     caller
	gtk     caller
	appName string
	logger  *slog.Logger

	mu       sync.Mutex
	serverID map[string]uint32
	shown    map[uint32]shownNotification
	onAction func(model.Action)
}

func NewDBusNotifier(conn *dbus.Conn, appName string, logger *slog.Logger) *DBusNotifier {
	n := newDBusNotifier(conn.Object(fdoDest, fdoPath), conn.Object(gtkDest, gtkPath), appName, logger)
	n.conn = conn
	return n
}

func newDBusNotifier(fdo, gtk caller, appName string, logger *slog.Logger) *DBusNotifier {
	return &DBusNotifier{
		fdo:      fdo,
		gtk:      gtk,
		appName:  appName,
		logger:   logger,
		serverID: map[string]uint32{},
		shown:    map[uint32]shownNotification{},
	}
}

// OnAction registers the callback for activated actions and buttons.
func (n *DBusNotifier) OnAction(fn func(model.Action)) {
	n.mu.Lock()
	n.onAction = fn
	n.mu.Unlock()
}

func (n *DBusNotifier) Show(ctx context.Context, note model.Notification) error {
	actions := map[string]model.Action{}
	var pairs []string
	if note.Action != nil {
		actions[defaultActionKey] = *note.Action
		pairs = append(pairs, defaultActionKey, "")
	}
	for i, b := range note.Buttons {
		key := "button-" + strconv.Itoa(i)
		actions[key] = b.Action
		pairs = append(pairs, key, b.Label)
	}
	hints := map[string]dbus.Variant{
		"desktop-entry": dbus.MakeVariant(n.appName),
	}

	n.mu.Lock()
	replaces := n.serverID[note.ID]
	n.mu.Unlock()

	var id uint32
	call := n.fdo.CallWithContext(ctx, fdoIface+".Notify", 0,
		n.appName, replaces, note.Icon.Name(), note.Title, note.Body, pairs, hints, int32(-1))
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify %s: %w", note.ID, err)
	}

	n.mu.Lock()
	if replaces != 0 && replaces != id {
		delete(n.shown, replaces)
	}
	n.serverID[note.ID] = id
	n.shown[id] = shownNotification{id: note.ID, actions: actions}
	n.mu.Unlock()
	return nil
}

func (n *DBusNotifier) Hide(ctx context.Context, id string) error {
	n.mu.Lock()
	sid, ok := n.serverID[id]
	delete(n.serverID, id)
	delete(n.shown, sid)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.closeFDO(ctx, sid)
}

// RemoveNotification closes a notification owned by another local application.
func (n *DBusNotifier) RemoveNotification(ctx context.Context, category identity.Category, appID, localID string) error {
	switch category {
	case identity.CategoryFDO:
		id, err := strconv.ParseUint(localID, 10, 32)
		if err != nil {
			return fmt.Errorf("fdo notification id %q: %w", localID, err)
		}
		return n.closeFDO(ctx, uint32(id))
	case identity.CategoryGTK:
		call := n.gtk.CallWithContext(ctx, gtkIface+".RemoveNotification", 0, appID, localID)
		if call.Err != nil {
			return fmt.Errorf("remove gtk notification %s/%s: %w", appID, localID, call.Err)
		}
		return nil
	default:
		return fmt.Errorf("%w: category %q", identity.ErrMalformedIdentity, category)
	}
}

func (n *DBusNotifier) closeFDO(ctx context.Context, id uint32) error {
	call := n.fdo.CallWithContext(ctx, fdoIface+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("close notification %d: %w", id, call.Err)
	}
	return nil
}

// Watch delivers ActionInvoked and NotificationClosed signals until ctx ends.
func (n *DBusNotifier) Watch(ctx context.Context) error {
	if n.conn == nil {
		<-ctx.Done()
		return nil
	}
	if err := n.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(fdoPath),
		dbus.WithMatchInterface(fdoIface),
	); err != nil {
		return fmt.Errorf("match notification signals: %w", err)
	}
	ch := make(chan *dbus.Signal, 32)
	n.conn.Signal(ch)
	defer n.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			n.handleSignal(sig)
		}
	}
}

func (n *DBusNotifier) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case fdoIface + ".ActionInvoked":
		var (
			id  uint32
			key string
		)
		if err := dbus.Store(sig.Body, &id, &key); err != nil {
			n.logger.Debug("malformed ActionInvoked", "error", err)
			return
		}
		n.mu.Lock()
		action, ok := n.shown[id].actions[key]
		fn := n.onAction
		n.mu.Unlock()
		if ok && fn != nil {
			fn(action)
		}
	case fdoIface + ".NotificationClosed":
		var id, reason uint32
		if err := dbus.Store(sig.Body, &id, &reason); err != nil {
			return
		}
		n.mu.Lock()
		if s, ok := n.shown[id]; ok {
			delete(n.serverID, s.id)
			delete(n.shown, id)
		}
		n.mu.Unlock()
	}
}

// LogNotifier stands in for the desktop when no session bus is available.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Show(_ context.Context, note model.Notification) error {
	n.logger.Info("notification", "id", note.ID, "title", note.Title, "body", note.Body, "icon", note.Icon.Name(), "buttons", len(note.Buttons))
	return nil
}

func (n *LogNotifier) Hide(_ context.Context, id string) error {
	n.logger.Info("notification withdrawn", "id", id)
	return nil
}

func (n *LogNotifier) RemoveNotification(_ context.Context, category identity.Category, appID, localID string) error {
	n.logger.Info("close local notification", "category", category, "app", appID, "local_id", localID)
	return nil
}
