package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

func (a *Agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.device.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.settings.Watch(gctx, a.cfg.SettingsPollInterval)
	})
	g.Go(func() error {
		return a.runControlListener(gctx)
	})
	if a.notifier != nil {
		g.Go(func() error {
			return optional(a.logger, "notification actions", a.notifier.Watch(gctx))
		})
	}
	if a.session != nil {
		g.Go(func() error {
			return optional(a.logger, "session monitor", a.session.Run(gctx))
		})
	}
	if a.listener != nil {
		g.Go(func() error {
			return optional(a.logger, "notification listener", a.listener.Run(gctx))
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// optional keeps desktop integrations from taking the agent down.
func optional(logger *slog.Logger, name string, err error) error {
	if err != nil {
		logger.Warn(name+" stopped", "error", err)
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			connected := a.device.Connected()
			a.health.SetLinkConnected(connected)
			status := "ok"
			if !connected {
				status = "disconnected"
			}
			a.logHealth(status)
		}
	}
}

func (a *Agent) logHealth(status string) {
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", a.snapshot())
}

func (a *Agent) snapshot() map[string]any {
	out := a.health.Snapshot()
	dev := a.device.Status()
	out["device_connected"] = dev.Connected
	out["remote_name"] = dev.Remote.Name
	out["packets_received"] = dev.Received
	out["packets_dropped"] = dev.Dropped
	out["packets_failed"] = dev.Failed
	if !dev.LastPacket.IsZero() {
		out["last_packet_at"] = dev.LastPacket.UTC()
	}
	ts := a.transfers.Stats()
	out["uploads"] = ts.Uploads
	out["upload_failures"] = ts.UploadFailures
	out["downloads"] = ts.Downloads
	out["download_failures"] = ts.DownloadFailures
	out["transfer_bytes"] = ts.Bytes
	ps := a.plugin.Stats()
	out["notifications_forwarded"] = ps.Forwarded
	out["notifications_suppressed"] = ps.Suppressed
	out["notifications_shown"] = ps.Shown
	out["notifications_hidden"] = ps.Hidden
	return out
}

func (a *Agent) shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.plugin.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("notification chains still running at shutdown")
	}
	a.health.SetLinkConnected(false)
	a.policy.Close()
	a.closeBuses()
}
