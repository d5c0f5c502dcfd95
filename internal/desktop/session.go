package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverDest  = "org.gnome.ScreenSaver"
	screenSaverPath  = dbus.ObjectPath("/org/gnome/ScreenSaver")
	screenSaverIface = "org.gnome.ScreenSaver"
)

// SessionMonitor reports whether the user is at the desktop, i.e. the
// session exists and the screen is not locked.
type SessionMonitor struct {
	conn   *dbus.Conn
	logger *slog.Logger
	active atomic.Bool
}

func NewSessionMonitor(conn *dbus.Conn, logger *slog.Logger) *SessionMonitor {
	return &SessionMonitor{conn: conn, logger: logger}
}

func (m *SessionMonitor) Active() bool {
	return m.active.Load()
}

func (m *SessionMonitor) SetActive(active bool) {
	if m.active.Swap(active) != active {
		m.logger.Debug("session activity changed", "active", active)
	}
}

func (m *SessionMonitor) Run(ctx context.Context) error {
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(screenSaverPath),
		dbus.WithMatchInterface(screenSaverIface),
		dbus.WithMatchMember("ActiveChanged"),
	); err != nil {
		return fmt.Errorf("match screensaver signals: %w", err)
	}
	ch := make(chan *dbus.Signal, 8)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	var locked bool
	err := m.conn.Object(screenSaverDest, screenSaverPath).
		CallWithContext(ctx, screenSaverIface+".GetActive", 0).Store(&locked)
	if err != nil {
		m.logger.Warn("screensaver state unavailable, assuming away", "error", err)
	} else {
		m.SetActive(!locked)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			m.handleSignal(sig)
		}
	}
}

func (m *SessionMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != screenSaverIface+".ActiveChanged" {
		return
	}
	var locked bool
	if err := dbus.Store(sig.Body, &locked); err != nil {
		return
	}
	m.SetActive(!locked)
}
