package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkbridge-agent/internal/model"
)

func notification(body map[string]any) model.Packet {
	return model.Packet{Type: model.TypeNotification, Body: body}
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		category Category
		title    string
		text     string
		icon     string
	}{
		{
			name:     "missed call",
			body:     map[string]any{"id": "0|com.android.dialer|MissedCall", "appName": "Phone", "title": "Alice", "text": "Missed call"},
			category: CategoryMissedCall,
			title:    "Alice",
			text:     "Missed call",
			icon:     IconMissedCall,
		},
		{
			name:     "sms substring",
			body:     map[string]any{"id": "0|org.example.sms|7", "appName": "Texts", "title": "Bob", "text": "hi"},
			category: CategorySMS,
			title:    "Bob",
			text:     "hi",
			icon:     IconSMS,
		},
		{
			name:     "sms allow-list",
			body:     map[string]any{"id": "0|com.google.android.apps.messaging|3", "appName": "Messages", "title": "Carol", "text": "yo"},
			category: CategorySMS,
			title:    "Carol",
			text:     "yo",
			icon:     IconSMS,
		},
		{
			name:     "app name equals title",
			body:     map[string]any{"id": "0|com.spotify|1", "appName": "Spotify", "title": "Spotify", "text": "Now playing"},
			category: CategoryGeneric,
			title:    "Spotify",
			text:     "Now playing",
			icon:     "smartphone-symbolic",
		},
		{
			name:     "generic",
			body:     map[string]any{"id": "0|com.slack|9", "appName": "Slack", "title": "#general", "text": "deploy done"},
			category: CategoryGeneric,
			title:    "Slack",
			text:     "#general: deploy done",
			icon:     "smartphone-symbolic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(notification(tt.body), model.Icon{}, "smartphone-symbolic")
			assert.Equal(t, tt.category, r.Category)
			assert.Equal(t, tt.title, r.Title)
			assert.Equal(t, tt.text, r.Body)
			assert.Equal(t, model.IconThemed, r.Icon.Kind)
			assert.Equal(t, tt.icon, r.Icon.Name())
		})
	}
}

func TestClassifyMissedCallBeatsSMS(t *testing.T) {
	p := notification(map[string]any{
		"id":      "0|com.google.android.apps.messaging|MissedCall",
		"appName": "Messages",
		"title":   "Dave",
		"text":    "Missed call",
	})
	r := Classify(p, model.Icon{}, "")
	assert.Equal(t, CategoryMissedCall, r.Category)
	assert.Nil(t, r.Suggest)
}

func TestClassifyIsDeterministic(t *testing.T) {
	p := notification(map[string]any{
		"id": "0|com.whatsapp|5", "appName": "WhatsApp", "title": "Eve", "text": "lunch?",
		"requestReplyId": "r-1", "actions": []any{"Mark as read"},
	})
	first := Classify(p, model.Icon{}, "phone")
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, Classify(p, model.Icon{}, "phone")); diff != "" {
			t.Fatalf("classification changed (-first +again):\n%s", diff)
		}
	}
}

func TestClassifyReplyAndButtons(t *testing.T) {
	p := notification(map[string]any{
		"id": "0|com.textra|5", "appName": "Textra", "title": "Frank", "text": "ping",
		"requestReplyId": "uuid-9", "actions": []any{"Like", "Mute"},
	})
	r := Classify(p, model.FileIcon("/cache/abc"), "")

	assert.Equal(t, CategorySMS, r.Category)
	assert.Equal(t, "0|com.textra|5|uuid-9", r.ID)
	assert.Equal(t, model.FileIcon("/cache/abc"), r.Icon)

	require.NotNil(t, r.Reply)
	assert.Equal(t, ActionReply, r.Reply.Name)
	assert.Equal(t, "uuid-9", r.Reply.Target)
	assert.Equal(t, "Frank", r.Reply.Context["title"])

	require.NotNil(t, r.Suggest)
	assert.Equal(t, ActionReplySMS, r.Suggest.Name)
	assert.Equal(t, "Frank", r.Suggest.Target)

	require.Len(t, r.Buttons, 2)
	assert.Equal(t, model.Action{Name: ActionActivate, Target: r.ID, Value: "Mute"}, r.Buttons[1].Action)

	n := r.Notification()
	assert.Equal(t, r.Reply, n.Action)
}

func TestClassifyKeepsDownloadedIcon(t *testing.T) {
	p := notification(map[string]any{"id": "0|x|MissedCall", "appName": "Phone", "title": "A", "text": "B"})
	r := Classify(p, model.FileIcon("/tmp/icon"), "phone")
	assert.Equal(t, model.IconFile, r.Icon.Kind)
}
