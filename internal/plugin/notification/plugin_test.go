package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkbridge-agent/internal/capability"
	"linkbridge-agent/internal/classify"
	"linkbridge-agent/internal/icon"
	"linkbridge-agent/internal/identity"
	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/policy"
	"linkbridge-agent/internal/settings"
	"linkbridge-agent/internal/transfer"
	"linkbridge-agent/internal/transfer/transfertest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	mu      sync.Mutex
	events  []string
	visible map[string]model.Notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{visible: map[string]model.Notification{}}
}

func (n *fakeNotifier) Show(_ context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "show:"+note.ID)
	n.visible[note.ID] = note
	return nil
}

func (n *fakeNotifier) Hide(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "hide:"+id)
	delete(n.visible, id)
	return nil
}

func (n *fakeNotifier) snapshot() ([]string, map[string]model.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	visible := make(map[string]model.Notification, len(n.visible))
	for k, v := range n.visible {
		visible[k] = v
	}
	return append([]string(nil), n.events...), visible
}

// slowFetcher simulates icon download latency.
type slowFetcher struct {
	delay time.Duration
	icon  model.Icon
}

func (f slowFetcher) Fetch(ctx context.Context, _ model.Packet) model.Icon {
	select {
	case <-time.After(f.delay):
		return f.icon
	case <-ctx.Done():
		return model.Icon{}
	}
}

type closeCall struct {
	category identity.Category
	app, id  string
}

type fakeCloser struct {
	mu    sync.Mutex
	calls []closeCall
}

func (c *fakeCloser) RemoveNotification(_ context.Context, category identity.Category, appID, localID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, closeCall{category, appID, localID})
	return nil
}

type fakeSession struct{ active bool }

func (s fakeSession) Active() bool { return s.active }

type fakePrompter struct {
	prompts []PendingReply
}

func (p *fakePrompter) PromptReply(_ context.Context, r PendingReply) error {
	p.prompts = append(p.prompts, r)
	return nil
}

type harness struct {
	plugin   *Plugin
	store    *settings.FileStore
	policy   *policy.Store
	channel  *transfertest.Channel
	sender   *transfertest.Sender
	notifier *fakeNotifier
	closer   *fakeCloser
	prompter *fakePrompter
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, err := settings.OpenFile(filepath.Join(t.TempDir(), "settings.yaml"), testLogger())
	require.NoError(t, err)
	pol := policy.New(store, testLogger())
	t.Cleanup(pol.Close)

	ch := transfertest.NewChannel([]byte("ICON"))
	sender := transfertest.NewSender()
	orch := transfer.NewOrchestrator(ch, sender, time.Second, testLogger())
	cache, err := icon.NewCache(t.TempDir(), orch, testLogger())
	require.NoError(t, err)

	h := &harness{
		store:    store,
		policy:   pol,
		channel:  ch,
		sender:   sender,
		notifier: newFakeNotifier(),
		closer:   &fakeCloser{},
		prompter: &fakePrompter{},
	}
	o := Options{
		Sender:     sender,
		Icons:      icon.NewUploader(icon.NewResolver(icon.NewTheme(nil)), orch, sender, testLogger()),
		Cache:      cache,
		Notifier:   h.notifier,
		Closer:     h.closer,
		Session:    fakeSession{},
		Toggles:    store,
		Policy:     pol,
		Prompter:   h.prompter,
		DeviceIcon: "phone-symbolic",
		Logger:     testLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.plugin = New(o)
	return h
}

func event(app, id string) model.NotificationEvent {
	return model.NotificationEvent{
		ID:    id,
		AppID: app,
		Title: "Build finished",
		Text:  "all green",
		Icon:  model.ThemedIcon("emblem-ok-symbolic"),
		Time:  time.UnixMilli(1700000000000),
	}
}

func TestMetadataRegisters(t *testing.T) {
	h := newHarness(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(Metadata(), h.plugin))

	handlers, err := reg.Route(model.TypeNotification)
	require.NoError(t, err)
	assert.Len(t, handlers, 1)

	_, err = reg.Route(model.TypeNotificationAction)
	assert.ErrorIs(t, err, capability.ErrUnknownPacketType)

	actions := reg.Actions([]string{model.TypeNotificationRequest}, nil)
	assert.Equal(t, []string{ActionClose}, actions)
}

func TestSendNotificationRegistersUnknownApp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.plugin.SendNotification(ctx, event("org.example.Builder", "1")))
	require.NoError(t, h.plugin.SendNotification(ctx, event("org.example.Builder", "2")))

	apps := h.policy.Snapshot()
	require.Len(t, apps, 1)
	assert.Equal(t, model.AppPolicy{IconName: "emblem-ok-symbolic", Enabled: true}, apps["org.example.Builder"])

	raw, err := h.store.String(settings.KeyApplications)
	require.NoError(t, err)
	assert.JSONEq(t, `{"org.example.Builder":{"iconName":"emblem-ok-symbolic","enabled":true}}`, raw)

	sent := h.sender.Packets()
	require.Len(t, sent, 2)
	assert.Equal(t, model.TypeNotification, sent[0].Type)
	assert.Equal(t, "org.example.Builder", sent[0].String("appName"))
	assert.Equal(t, "Build finished: all green", sent[0].String("ticker"))
	assert.Equal(t, "1700000000000", sent[0].String("time"))
	assert.Nil(t, sent[0].Payload, "themed icon with no theme match goes out bare")
}

func TestSendNotificationDisabledApp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.policy.SetEnabled("org.example.Muted", false))

	require.NoError(t, h.plugin.SendNotification(ctx, event("org.example.Muted", "1")))
	assert.Empty(t, h.sender.Packets())

	require.NoError(t, h.plugin.SendNotification(ctx, model.NotificationEvent{ID: "2", AppID: "org.example.New"}))
	apps := h.policy.Snapshot()
	assert.Equal(t, model.AppPolicy{IconName: policy.DefaultIconName, Enabled: true}, apps["org.example.New"])
	assert.False(t, apps["org.example.Muted"].Enabled)
	assert.Len(t, h.sender.Packets(), 1)
	assert.Equal(t, int64(1), h.plugin.Stats().Suppressed)
}

func TestSendNotificationToggles(t *testing.T) {
	ctx := context.Background()

	t.Run("sending disabled", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.SetBool(settings.KeySendNotifications, false))
		require.NoError(t, h.plugin.SendNotification(ctx, event("app", "1")))
		assert.Empty(t, h.sender.Packets())
		assert.Empty(t, h.policy.Snapshot(), "suppressed before registration")
	})

	t.Run("session active", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Session = fakeSession{active: true} })
		require.NoError(t, h.plugin.SendNotification(ctx, event("app", "1")))
		assert.Empty(t, h.sender.Packets())

		require.NoError(t, h.store.SetBool(settings.KeySendActive, true))
		require.NoError(t, h.plugin.SendNotification(ctx, event("app", "2")))
		assert.Len(t, h.sender.Packets(), 1)
	})
}

func TestSendNotificationFallsBackWithoutPayload(t *testing.T) {
	h := newHarness(t)
	h.channel.AcceptErr = errors.New("peer refused")

	ev := event("app", "1")
	ev.Icon = model.BytesIcon([]byte("png-bytes"))
	require.NoError(t, h.plugin.SendNotification(context.Background(), ev))

	sent := h.sender.Packets()
	require.Len(t, sent, 2)
	assert.NotNil(t, sent[0].Payload)
	last := sent[1]
	assert.Nil(t, last.Payload)
	assert.Equal(t, "1", last.String("id"))
	assert.Equal(t, "Build finished", last.String("title"))
}

func TestSendNotificationUploadsIcon(t *testing.T) {
	h := newHarness(t)
	ev := event("app", "1")
	ev.Icon = model.BytesIcon([]byte("png-bytes"))
	require.NoError(t, h.plugin.SendNotification(context.Background(), ev))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := h.channel.Uploaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(got))

	sent := h.sender.Packets()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Payload)
	assert.Equal(t, int64(9), sent[0].Payload.Size)
	assert.NotEmpty(t, sent[0].String("payloadHash"))
}

func remoteNotification(id string) model.Packet {
	p := model.NewPacket(model.TypeNotification, map[string]any{
		"id":      id,
		"appName": "Chat",
		"title":   "Alice",
		"text":    "lunch?",
	})
	p.Payload = &model.PayloadDescriptor{Size: 4, TransferInfo: map[string]any{"port": float64(1739)}}
	return p
}

func cancelPacket(id string) model.Packet {
	return model.NewPacket(model.TypeNotification, map[string]any{"id": id, "isCancel": true})
}

func TestShowThenHideNeverLeavesNotificationVisible(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Cache = slowFetcher{delay: 50 * time.Millisecond, icon: model.FileIcon("/tmp/icon.png")}
	})
	ctx := context.Background()

	require.NoError(t, h.plugin.HandlePacket(ctx, remoteNotification("0|chat|7")))
	require.NoError(t, h.plugin.HandlePacket(ctx, cancelPacket("0|chat|7")))
	h.plugin.Wait()

	events, visible := h.notifier.snapshot()
	assert.Equal(t, []string{"show:0|chat|7", "hide:0|chat|7"}, events)
	assert.Empty(t, visible)
}

func TestUnrelatedNotificationsDoNotWait(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Cache = slowFetcher{delay: 200 * time.Millisecond}
	})
	ctx := context.Background()

	require.NoError(t, h.plugin.HandlePacket(ctx, remoteNotification("slow")))
	fast := remoteNotification("fast")
	fast.Payload = nil
	require.NoError(t, h.plugin.HandlePacket(ctx, fast))
	h.plugin.Wait()

	events, _ := h.notifier.snapshot()
	assert.Equal(t, []string{"show:fast", "show:slow"}, events)
}

func TestRepliableNotificationHiddenByBaseID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := remoteNotification("0|chat|9")
	p.Payload = nil
	p.Body["requestReplyId"] = "c0ffee"
	require.NoError(t, h.plugin.HandlePacket(ctx, p))
	h.plugin.Wait()

	_, visible := h.notifier.snapshot()
	shown, ok := visible["0|chat|9|c0ffee"]
	require.True(t, ok)
	require.NotNil(t, shown.Action)
	assert.Equal(t, classify.ActionReply, shown.Action.Name)

	require.NoError(t, h.plugin.HandlePacket(ctx, cancelPacket("0|chat|9")))
	h.plugin.Wait()
	_, visible = h.notifier.snapshot()
	assert.Empty(t, visible)
}

func TestReceivedNotificationUsesDownloadedIcon(t *testing.T) {
	h := newHarness(t)
	p := remoteNotification("0|chat|1")
	p.Body["payloadHash"] = "feedface"
	require.NoError(t, h.plugin.HandlePacket(context.Background(), p))
	h.plugin.Wait()

	_, visible := h.notifier.snapshot()
	shown := visible["0|chat|1"]
	assert.Equal(t, model.IconFile, shown.Icon.Kind)
	assert.Equal(t, "Chat", shown.Title)
	assert.Equal(t, "Alice: lunch?", shown.Body)
}

func TestReceivedNotificationFallsBackToDeviceIcon(t *testing.T) {
	h := newHarness(t)
	p := remoteNotification("0|chat|2")
	p.Payload = nil
	require.NoError(t, h.plugin.HandlePacket(context.Background(), p))
	h.plugin.Wait()

	_, visible := h.notifier.snapshot()
	assert.Equal(t, model.ThemedIcon("phone-symbolic"), visible["0|chat|2"].Icon)
	assert.Zero(t, h.channel.Dials())
}

func TestReceiveDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetBool(settings.KeyReceiveNotifications, false))
	require.NoError(t, h.plugin.HandlePacket(context.Background(), remoteNotification("x")))
	h.plugin.Wait()

	events, _ := h.notifier.snapshot()
	assert.Empty(t, events)
}

func TestHandleRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.plugin.HandlePacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{"request": true})))
	assert.Empty(t, h.sender.Packets(), "listing local notifications is not answered")

	require.NoError(t, h.plugin.HandlePacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{"cancel": "fdo|org.gnome.Evolution|42"})))
	require.NoError(t, h.plugin.HandlePacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{"cancel": "gtk|org.gnome.Nautilus|op|done"})))
	assert.Equal(t, []closeCall{
		{identity.CategoryFDO, "org.gnome.Evolution", "42"},
		{identity.CategoryGTK, "org.gnome.Nautilus", "op|done"},
	}, h.closer.calls)

	err := h.plugin.HandlePacket(ctx, model.NewPacket(model.TypeNotificationRequest, map[string]any{"cancel": "fdo|onlyonepipe"}))
	assert.ErrorIs(t, err, identity.ErrMalformedIdentity)
}

func TestHandleActionNotImplemented(t *testing.T) {
	h := newHarness(t)
	err := h.plugin.HandlePacket(context.Background(), model.NewPacket(model.TypeNotificationAction, map[string]any{"key": "1", "action": "Open"}))
	assert.ErrorIs(t, err, ErrNotImplemented)

	assert.NoError(t, h.plugin.HandlePacket(context.Background(), model.NewPacket(model.TypeNotificationReply, nil)))
	assert.NoError(t, h.plugin.HandlePacket(context.Background(), model.NewPacket("kdeconnect.ping", nil)))
}

func TestOutboundActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.plugin.WithdrawNotification(ctx, "fdo|app|3"))
	require.NoError(t, h.plugin.CloseNotification(ctx, "0|chat|1"))
	require.NoError(t, h.plugin.ActivateNotification(ctx, "0|chat|1", "Mark read"))
	require.NoError(t, h.plugin.ReplyNotification(ctx, "c0ffee", "on my way", nil))

	sent := h.sender.Packets()
	require.Len(t, sent, 4)

	assert.Equal(t, model.TypeNotification, sent[0].Type)
	assert.True(t, sent[0].Bool("isCancel"))
	assert.Equal(t, "fdo|app|3", sent[0].String("id"))

	assert.Equal(t, model.TypeNotificationRequest, sent[1].Type)
	assert.Equal(t, "0|chat|1", sent[1].String("cancel"))

	assert.Equal(t, model.TypeNotificationAction, sent[2].Type)
	assert.Equal(t, "Mark read", sent[2].String("action"))
	assert.Equal(t, "0|chat|1", sent[2].String("key"))

	assert.Equal(t, model.TypeNotificationReply, sent[3].Type)
	assert.Equal(t, "c0ffee", sent[3].String("requestReplyId"))
	assert.Equal(t, "on my way", sent[3].String("message"))
}

func TestEmptyReplyPrompts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.plugin.ReplyNotification(ctx, "c0ffee", "", map[string]string{"appName": "Chat", "title": "Alice", "text": "lunch?"}))
	assert.Empty(t, h.sender.Packets())
	require.Len(t, h.prompter.prompts, 1)
	assert.Equal(t, PendingReply{UUID: "c0ffee", AppName: "Chat", Title: "Alice", Text: "lunch?"}, h.prompter.prompts[0])
	assert.Len(t, h.plugin.PendingReplies(), 1)

	assert.ErrorIs(t, h.plugin.CompleteReply(ctx, "unknown", "hi"), ErrUnknownReply)
	require.NoError(t, h.plugin.CompleteReply(ctx, "c0ffee", "yes"))
	assert.Empty(t, h.plugin.PendingReplies())

	sent := h.sender.Packets()
	require.Len(t, sent, 1)
	assert.Equal(t, "yes", sent[0].String("message"))
}

func TestInvoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.plugin.Invoke(ctx, model.Action{Name: classify.ActionActivate, Target: "0|chat|1", Value: "Open"}))
	require.NoError(t, h.plugin.Invoke(ctx, model.Action{Name: classify.ActionReply, Target: "c0ffee"}))
	assert.ErrorIs(t, h.plugin.Invoke(ctx, model.Action{Name: classify.ActionReplySMS, Target: "Alice"}), ErrNotImplemented)

	assert.Len(t, h.sender.Packets(), 1)
	assert.Len(t, h.prompter.prompts, 1)
}

func TestConnectedRequestsNotifications(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.plugin.Connected(ctx))
	sent := h.sender.Packets()
	require.Len(t, sent, 1)
	assert.Equal(t, model.TypeNotificationRequest, sent[0].Type)
	assert.True(t, sent[0].Bool("request"))

	h.plugin.Forward(event("app", "1"))
	h.plugin.ForwardClosed("1")
	h.plugin.Wait()

	sent = h.sender.Packets()
	require.Len(t, sent, 3)
	assert.Equal(t, "Build finished", sent[1].String("title"))
	assert.True(t, sent[2].Bool("isCancel"))

	h.plugin.Disconnected()
	h.plugin.Forward(event("app", "2"))
	h.plugin.Wait()
	assert.Len(t, h.sender.Packets(), 3)
}
