package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"linkbridge-agent/internal/capability"
	"linkbridge-agent/internal/config"
	"linkbridge-agent/internal/desktop"
	"linkbridge-agent/internal/device"
	"linkbridge-agent/internal/icon"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/plugin/notification"
	"linkbridge-agent/internal/policy"
	"linkbridge-agent/internal/settings"
	"linkbridge-agent/internal/stream"
	"linkbridge-agent/internal/transfer"
)

// appName is what our own desktop notifications are posted as.
const appName = "linkbridge"

type Agent struct {
	cfg       config.Config
	logger    *slog.Logger
	settings  *settings.FileStore
	policy    *policy.Store
	device    *device.Device
	transfers *transfer.Orchestrator
	plugin    *notification.Plugin
	health    *HealthStatus

	bus        *dbus.Conn
	monitorBus *dbus.Conn
	notifier   *desktop.DBusNotifier
	session    *desktop.SessionMonitor
	listener   *desktop.Listener
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	dialer, err := stream.NewDialerFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("link dialer: %w", err)
	}

	store, err := settings.OpenFile(cfg.SettingsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	pol := policy.New(store, logger)

	health := NewHealthStatus()
	dev := device.New(device.Options{
		ID:       cfg.DeviceID,
		Name:     cfg.DeviceName,
		Conns:    device.NewConnManager(dialer, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger),
		Registry: capability.NewRegistry(),
		Logger:   logger,
	})
	sender := &healthSender{sender: dev, health: health}

	transfers := transfer.NewOrchestrator(stream.NewPayloadChannelFromConfig(cfg, tlsCfg, logger), sender, cfg.TransferTimeout, logger)
	theme := icon.NewTheme(icon.DefaultBaseDirs(), cfg.IconTheme)
	cache, err := icon.NewCache(cfg.CacheDir, transfers, logger)
	if err != nil {
		pol.Close()
		return nil, fmt.Errorf("icon cache: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		settings:  store,
		policy:    pol,
		device:    dev,
		transfers: transfers,
		health:    health,
	}

	var (
		notifier notification.Notifier
		closer   notification.LocalCloser
		session  notification.Session
	)
	switch cfg.Notifier {
	case config.NotifierDBus:
		bus, err := dbus.ConnectSessionBus()
		if err != nil {
			pol.Close()
			return nil, fmt.Errorf("session bus: %w", err)
		}
		a.bus = bus
		a.notifier = desktop.NewDBusNotifier(bus, appName, logger)
		a.session = desktop.NewSessionMonitor(bus, logger)
		notifier, closer, session = a.notifier, a.notifier, a.session
	default:
		logNotifier := desktop.NewLogNotifier(logger)
		notifier, closer = logNotifier, logNotifier
	}

	a.plugin = notification.New(notification.Options{
		Sender:     sender,
		Icons:      icon.NewUploader(icon.NewResolver(theme), transfers, sender, logger),
		Cache:      cache,
		Notifier:   notifier,
		Closer:     closer,
		Session:    session,
		Toggles:    store,
		Policy:     pol,
		Prompter:   desktop.NewLogPrompter(logger),
		DeviceIcon: cfg.DeviceIcon,
		Logger:     logger,
	})
	if err := dev.AddPlugin(notification.Metadata(), a.plugin); err != nil {
		a.closeBuses()
		pol.Close()
		return nil, fmt.Errorf("register notification plugin: %w", err)
	}

	if a.notifier != nil {
		a.notifier.OnAction(a.invokeAction)
	}
	if a.bus != nil && cfg.ForwardLocal {
		monitorBus, err := dbus.ConnectSessionBus()
		if err != nil {
			logger.Warn("local notification forwarding disabled", "error", err)
		} else {
			a.monitorBus = monitorBus
			a.listener = desktop.NewListener(monitorBus, appName, a.plugin.Forward, a.plugin.ForwardClosed, logger)
		}
	}
	return a, nil
}

func (a *Agent) invokeAction(act model.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.plugin.Invoke(ctx, act); err != nil {
		a.logger.Warn("notification action failed", "action", act.Name, "error", err)
	}
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting linkbridge-agent", "device_id", a.cfg.DeviceID, "link_mode", a.cfg.LinkMode)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Agent terminated by itself (startup error/runtime error/parent ctx canceled).
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("linkbridge-agent stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}

func (a *Agent) closeBuses() {
	for _, c := range []*dbus.Conn{a.monitorBus, a.bus} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			a.logger.Debug("session bus close failed", "error", err)
		}
	}
}
