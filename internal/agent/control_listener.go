package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"linkbridge-agent/internal/agent/version"
	"linkbridge-agent/internal/config"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/plugin/notification"
)

type notificationActions interface {
	WithdrawNotification(ctx context.Context, id string) error
	CloseNotification(ctx context.Context, id string) error
	ActivateNotification(ctx context.Context, id, action string) error
	ReplyNotification(ctx context.Context, uuid, message string, origin map[string]string) error
	CompleteReply(ctx context.Context, uuid, message string) error
	PendingReplies() []notification.PendingReply
}

type appPolicies interface {
	Snapshot() map[string]model.AppPolicy
	SetEnabled(appID string, enabled bool) error
}

// controller answers one line-oriented command per request.
type controller struct {
	cfg      config.Config
	actions  notificationActions
	policies appPolicies
	status   func() map[string]any
	timeout  time.Duration
}

func (a *Agent) controller() *controller {
	return &controller{
		cfg:      a.cfg,
		actions:  a.plugin,
		policies: a.policy,
		status:   a.snapshot,
		timeout:  10 * time.Second,
	}
}

func (a *Agent) runControlListener(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.ControlListenAddr)
	if addr == "" {
		a.logger.Info("control endpoint disabled")
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen control endpoint %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	a.logger.Info("control endpoint listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	ctl := a.controller()
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("accept control connection failed", "error", acceptErr)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go ctl.serve(ctx, conn)
	}
}

func (c *controller) serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, c.handle(ctx, line)); err != nil {
			return
		}
	}
}

// handle runs one command and returns the reply line.
func (c *controller) handle(ctx context.Context, line string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields := strings.SplitN(line, " ", 3)
	cmd := fields[0]
	arg := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	var err error
	switch cmd {
	case "status":
		return encodeJSON(c.status())
	case "version":
		return encodeJSON(version.Get(c.cfg))
	case "apps":
		return encodeJSON(c.policies.Snapshot())
	case "pending":
		pending := c.actions.PendingReplies()
		sort.Slice(pending, func(i, j int) bool { return pending[i].UUID < pending[j].UUID })
		return encodeJSON(pending)
	case "enable", "disable":
		app := strings.TrimSpace(strings.TrimPrefix(line, cmd))
		if app == "" {
			return "error: usage: " + cmd + " <app>"
		}
		err = c.policies.SetEnabled(app, cmd == "enable")
	case "withdraw":
		if arg(1) == "" {
			return "error: usage: withdraw <id>"
		}
		err = c.actions.WithdrawNotification(ctx, arg(1))
	case "close":
		if arg(1) == "" {
			return "error: usage: close <id>"
		}
		err = c.actions.CloseNotification(ctx, arg(1))
	case "activate":
		if arg(1) == "" || arg(2) == "" {
			return "error: usage: activate <id> <action>"
		}
		err = c.actions.ActivateNotification(ctx, arg(1), arg(2))
	case "reply":
		if arg(1) == "" {
			return "error: usage: reply <uuid> [message]"
		}
		err = c.actions.CompleteReply(ctx, arg(1), arg(2))
		if errors.Is(err, notification.ErrUnknownReply) {
			err = c.actions.ReplyNotification(ctx, arg(1), arg(2), nil)
		}
	default:
		return fmt.Sprintf("error: unknown command %q", cmd)
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(raw)
}
