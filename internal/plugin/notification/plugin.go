// Package notification bridges notifications between the desktop and the
// paired device: local events are forwarded with their icons, remote
// notifications are classified and shown, and close/withdraw requests are
// routed to the backend that owns the notification.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"linkbridge-agent/internal/classify"
	"linkbridge-agent/internal/identity"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/settings"
)

var (
	ErrNotImplemented = errors.New("notification: not implemented")
	ErrUnknownReply   = errors.New("notification: unknown reply id")
)

type PacketSender interface {
	SendPacket(ctx context.Context, p model.Packet) error
}

// IconSender sends a packet with its icon attached as payload when possible.
type IconSender interface {
	Send(ctx context.Context, pkt model.Packet, icon model.Icon) error
}

// IconFetcher returns the locally cached icon for a packet's payload, or an
// icon of kind IconNone.
type IconFetcher interface {
	Fetch(ctx context.Context, pkt model.Packet) model.Icon
}

type Notifier interface {
	Show(ctx context.Context, n model.Notification) error
	Hide(ctx context.Context, id string) error
}

// LocalCloser closes a notification owned by a local notification backend.
type LocalCloser interface {
	RemoveNotification(ctx context.Context, category identity.Category, appID, localID string) error
}

type Session interface {
	Active() bool
}

type Toggles interface {
	Bool(key string, fallback bool) bool
}

type Policy interface {
	Ensure(appID, iconName string) (model.AppPolicy, bool, error)
}

// ReplyPrompter asks the user to compose a reply that was requested without text.
type ReplyPrompter interface {
	PromptReply(ctx context.Context, r PendingReply) error
}

type PendingReply struct {
	UUID    string
	AppName string
	Title   string
	Text    string
}

type Options struct {
	Sender     PacketSender
	Icons      IconSender
	Cache      IconFetcher
	Notifier   Notifier
	Closer     LocalCloser
	Session    Session
	Toggles    Toggles
	Policy     Policy
	Prompter   ReplyPrompter
	DeviceIcon string
	Logger     *slog.Logger
}

type Stats struct {
	Forwarded  int64
	Suppressed int64
	Shown      int64
	Hidden     int64
	Failed     int64
}

type Plugin struct {
	opts   Options
	logger *slog.Logger
	seq    *sequencer

	mu      sync.Mutex
	linkCtx context.Context
	// shown maps a remote notification id to the id it is displayed under.
	shown   map[string]string
	pending map[string]PendingReply

	forwarded  atomic.Int64
	suppressed atomic.Int64
	displayed  atomic.Int64
	hidden     atomic.Int64
	failed     atomic.Int64
}

func New(opts Options) *Plugin {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		opts:    opts,
		logger:  logger.With("plugin", PluginID),
		seq:     newSequencer(),
		shown:   map[string]string{},
		pending: map[string]PendingReply{},
	}
}

// Connected is called by the device once the link is up; ctx lives as long
// as the connection.
func (p *Plugin) Connected(ctx context.Context) error {
	p.mu.Lock()
	p.linkCtx = ctx
	p.mu.Unlock()

	return p.opts.Sender.SendPacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{"request": true}))
}

func (p *Plugin) Disconnected() {
	p.mu.Lock()
	p.linkCtx = nil
	p.mu.Unlock()
}

// Wait blocks until every in-flight notification chain has finished.
func (p *Plugin) Wait() {
	p.seq.Wait()
}

func (p *Plugin) Stats() Stats {
	return Stats{
		Forwarded:  p.forwarded.Load(),
		Suppressed: p.suppressed.Load(),
		Shown:      p.displayed.Load(),
		Hidden:     p.hidden.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Plugin) connection() (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkCtx, p.linkCtx != nil && p.linkCtx.Err() == nil
}

// Forward queues a local event for sending on the current connection.
// Events for the same local id keep their order.
func (p *Plugin) Forward(ev model.NotificationEvent) {
	ctx, ok := p.connection()
	if !ok {
		p.logger.Debug("dropping local notification, device not connected", "app", ev.AppID)
		return
	}
	p.seq.Go("local|"+ev.ID, func() {
		if err := p.SendNotification(ctx, ev); err != nil {
			p.failed.Add(1)
			p.logger.Warn("forward notification failed", "app", ev.AppID, "error", err)
		}
	})
}

// ForwardClosed reports a dismissed local notification, after any pending
// forward of the same id.
func (p *Plugin) ForwardClosed(id string) {
	ctx, ok := p.connection()
	if !ok {
		return
	}
	p.seq.Go("local|"+id, func() {
		if err := p.WithdrawNotification(ctx, id); err != nil {
			p.logger.Debug("withdraw notification failed", "id", id, "error", err)
		}
	})
}

// SendNotification forwards one local notification event to the device.
func (p *Plugin) SendNotification(ctx context.Context, ev model.NotificationEvent) error {
	if !p.opts.Toggles.Bool(settings.KeySendNotifications, true) {
		p.suppressed.Add(1)
		return nil
	}
	if p.opts.Session != nil && p.opts.Session.Active() && !p.opts.Toggles.Bool(settings.KeySendActive, false) {
		p.suppressed.Add(1)
		return nil
	}

	pol, created, err := p.opts.Policy.Ensure(ev.AppID, defaultIconName(ev.Icon))
	if err != nil {
		p.logger.Warn("persist application policy failed", "app", ev.AppID, "error", err)
	}
	if created {
		p.logger.Info("registered application", "app", ev.AppID, "icon", pol.IconName)
	}
	if !pol.Enabled {
		p.suppressed.Add(1)
		return nil
	}

	if err := p.opts.Icons.Send(ctx, outboundPacket(ev), ev.Icon); err != nil {
		return fmt.Errorf("send notification %s: %w", ev.ID, err)
	}
	p.forwarded.Add(1)
	return nil
}

func defaultIconName(icon model.Icon) string {
	if icon.Kind == model.IconThemed && len(icon.Names) > 0 {
		return icon.Names[0]
	}
	return ""
}

func outboundPacket(ev model.NotificationEvent) model.Packet {
	body := map[string]any{
		"id":          ev.ID,
		"appName":     ev.AppID,
		"title":       ev.Title,
		"text":        ev.Text,
		"ticker":      ev.Title + ": " + ev.Text,
		"isClearable": true,
	}
	if !ev.Time.IsZero() {
		body["time"] = strconv.FormatInt(ev.Time.UnixMilli(), 10)
	}
	if len(ev.Actions) > 0 {
		body["actions"] = append([]string(nil), ev.Actions...)
	}
	if ev.ReplyID != "" {
		body["requestReplyId"] = ev.ReplyID
	}
	return model.NewPacket(model.TypeNotification, body)
}

// HandlePacket is called serially in arrival order. Display and withdrawal
// run as chains keyed by the remote notification id, so a later cancel
// always lands after the show it refers to.
func (p *Plugin) HandlePacket(ctx context.Context, pkt model.Packet) error {
	switch pkt.Kind() {
	case model.KindNotification:
		return p.handleNotification(ctx, pkt)
	case model.KindNotificationRequest:
		return p.handleRequest(ctx, pkt)
	case model.KindNotificationAction:
		return fmt.Errorf("%s: %w", pkt.Type, ErrNotImplemented)
	case model.KindNotificationReply:
		p.logger.Debug("desktop notifications cannot be replied to", "packet_type", pkt.Type)
		return nil
	default:
		p.logger.Debug("unknown notification packet", "packet_type", pkt.Type)
		return nil
	}
}

func (p *Plugin) handleNotification(ctx context.Context, pkt model.Packet) error {
	id := pkt.String("id")
	if pkt.Has("isCancel") {
		p.seq.Go("remote|"+id, func() { p.hide(ctx, id) })
		return nil
	}
	if !p.opts.Toggles.Bool(settings.KeyReceiveNotifications, true) {
		p.suppressed.Add(1)
		return nil
	}
	p.seq.Go("remote|"+id, func() { p.show(ctx, pkt) })
	return nil
}

func (p *Plugin) show(ctx context.Context, pkt model.Packet) {
	icon := model.Icon{}
	if pkt.HasPayload() {
		icon = p.opts.Cache.Fetch(ctx, pkt)
	}
	res := classify.Classify(pkt, icon, p.opts.DeviceIcon)

	if id := pkt.String("id"); res.ID != id {
		p.mu.Lock()
		p.shown[id] = res.ID
		p.mu.Unlock()
	}

	if err := p.opts.Notifier.Show(ctx, res.Notification()); err != nil {
		p.failed.Add(1)
		p.logger.Warn("show notification failed", "id", res.ID, "error", err)
		return
	}
	p.displayed.Add(1)
}

func (p *Plugin) hide(ctx context.Context, id string) {
	p.mu.Lock()
	localID, ok := p.shown[id]
	delete(p.shown, id)
	p.mu.Unlock()
	if !ok {
		localID = id
	}

	if err := p.opts.Notifier.Hide(ctx, localID); err != nil {
		p.logger.Debug("hide notification failed", "id", localID, "error", err)
		return
	}
	p.hidden.Add(1)
}

func (p *Plugin) handleRequest(ctx context.Context, pkt model.Packet) error {
	switch {
	case pkt.Has("request"):
		// Listing local notifications back to the peer is not supported.
		return nil
	case pkt.Has("cancel"):
		category, appID, localID, err := identity.Decode(pkt.String("cancel"))
		if err != nil {
			return err
		}
		if p.opts.Closer == nil {
			return fmt.Errorf("close %s notification: %w", category, ErrNotImplemented)
		}
		return p.opts.Closer.RemoveNotification(ctx, category, appID, localID)
	default:
		return nil
	}
}

// WithdrawNotification tells the device a local notification went away.
func (p *Plugin) WithdrawNotification(ctx context.Context, id string) error {
	return p.opts.Sender.SendPacket(ctx, model.NewPacket(model.TypeNotification, map[string]any{
		"isCancel": true,
		"id":       id,
	}))
}

// CloseNotification asks the device to dismiss one of its notifications.
func (p *Plugin) CloseNotification(ctx context.Context, id string) error {
	return p.opts.Sender.SendPacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{
		"cancel": id,
	}))
}

// ReplyNotification sends message as the reply to uuid. An empty message
// opens the compose prompt instead; the reply is sent once text is supplied.
func (p *Plugin) ReplyNotification(ctx context.Context, uuid, message string, origin map[string]string) error {
	if message == "" {
		r := PendingReply{UUID: uuid}
		if origin != nil {
			r.AppName, r.Title, r.Text = origin["appName"], origin["title"], origin["text"]
		}
		p.mu.Lock()
		p.pending[uuid] = r
		p.mu.Unlock()

		if p.opts.Prompter == nil {
			return fmt.Errorf("reply prompt: %w", ErrNotImplemented)
		}
		return p.opts.Prompter.PromptReply(ctx, r)
	}

	err := p.opts.Sender.SendPacket(ctx, model.NewPacket(model.TypeNotificationReply, map[string]any{
		"requestReplyId": uuid,
		"message":        message,
	}))
	if err == nil {
		p.mu.Lock()
		delete(p.pending, uuid)
		p.mu.Unlock()
	}
	return err
}

// CompleteReply sends text for a reply that was previously prompted for.
func (p *Plugin) CompleteReply(ctx context.Context, uuid, message string) error {
	p.mu.Lock()
	_, ok := p.pending[uuid]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReply, uuid)
	}
	if message == "" {
		return errors.New("notification: reply text is empty")
	}
	return p.ReplyNotification(ctx, uuid, message, nil)
}

func (p *Plugin) PendingReplies() []PendingReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingReply, 0, len(p.pending))
	for _, r := range p.pending {
		out = append(out, r)
	}
	return out
}

// ActivateNotification triggers a remote notification action by label.
func (p *Plugin) ActivateNotification(ctx context.Context, id, action string) error {
	return p.opts.Sender.SendPacket(ctx, model.NewPacket(model.TypeNotificationAction, map[string]any{
		"action": action,
		"key":    id,
	}))
}

// Invoke dispatches a desktop action (a clicked button or default action)
// back to the matching outbound operation.
func (p *Plugin) Invoke(ctx context.Context, a model.Action) error {
	switch a.Name {
	case classify.ActionActivate:
		return p.ActivateNotification(ctx, a.Target, a.Value)
	case classify.ActionReply:
		return p.ReplyNotification(ctx, a.Target, a.Value, a.Context)
	case classify.ActionReplySMS:
		p.logger.Info("sms reply requested", "recipient", a.Target)
		return fmt.Errorf("%s: %w", a.Name, ErrNotImplemented)
	default:
		return fmt.Errorf("unknown notification action %q", a.Name)
	}
}
