// Package classify turns a received notification packet into what the desktop shows.
package classify

import (
	"strings"

	"linkbridge-agent/internal/identity"
	"linkbridge-agent/internal/model"
)

type Category int

const (
	CategoryGeneric Category = iota
	CategoryMissedCall
	CategorySMS
)

const (
	ActionReply    = "replyNotification"
	ActionReplySMS = "replySms"
	ActionActivate = "activateNotification"

	IconMissedCall = "call-missed-symbolic"
	IconSMS        = "sms-symbolic"
)

// SMS and chat apps whose package name does not contain "sms".
var smsApps = []string{
	"com.android.messaging",
	"com.google.android.apps.messaging",
	"com.textra",
	"xyz.klinker.messenger",
	"com.calea.echo",
	"com.moez.QKSMS",
	"rpkandrodev.yaata",
	"com.tencent.mm",
	"com.viber.voip",
	"com.kakao.talk",
	"com.concentriclivers.mms.com.android.mms",
	"fr.slvn.mms",
	"com.promessage.message",
	"com.htc.sense.mms",
	"org.thoughtcrime.securesms",
	"com.samsung.android.messaging",
}

type Result struct {
	Category Category
	// ID is the local notification id; repliable notifications get the reply id appended.
	ID      string
	Title   string
	Body    string
	Icon    model.Icon
	Suggest *model.Action
	Reply   *model.Action
	Buttons []model.Button
}

// Notification is the display form: a reply action takes precedence over the suggested one.
func (r Result) Notification() model.Notification {
	n := model.Notification{ID: r.ID, Title: r.Title, Body: r.Body, Icon: r.Icon, Buttons: r.Buttons}
	switch {
	case r.Reply != nil:
		n.Action = r.Reply
	case r.Suggest != nil:
		n.Action = r.Suggest
	}
	return n
}

func IsSMS(id string) bool {
	if strings.Contains(id, "sms") {
		return true
	}
	for _, app := range smsApps {
		if strings.Contains(id, app) {
			return true
		}
	}
	return false
}

// Classify is a pure function of the packet, the downloaded icon (possibly none)
// and the device icon used as last fallback.
func Classify(p model.Packet, icon model.Icon, deviceIcon string) Result {
	id := p.String("id")
	appName := p.String("appName")
	title := p.String("title")
	text := p.String("text")

	r := Result{
		ID:    id,
		Title: appName,
		Body:  title + ": " + text,
		Icon:  icon,
	}

	if replyID := p.String("requestReplyId"); replyID != "" {
		r.ID = identity.ReplyID(id, replyID)
		r.Reply = &model.Action{
			Name:   ActionReply,
			Target: replyID,
			Context: map[string]string{
				"appName": appName,
				"title":   title,
				"text":    text,
			},
		}
	}

	for _, label := range p.Strings("actions") {
		r.Buttons = append(r.Buttons, model.Button{
			Label:  label,
			Action: model.Action{Name: ActionActivate, Target: r.ID, Value: label},
		})
	}

	switch {
	case strings.Contains(id, "MissedCall"):
		r.Category = CategoryMissedCall
		r.Title = title
		r.Body = text
		if r.Icon.Kind == model.IconNone {
			r.Icon = model.ThemedIcon(IconMissedCall)
		}
	case IsSMS(id):
		r.Category = CategorySMS
		r.Title = title
		r.Body = text
		r.Suggest = &model.Action{Name: ActionReplySMS, Target: title}
		if r.Icon.Kind == model.IconNone {
			r.Icon = model.ThemedIcon(IconSMS)
		}
	case appName == title:
		r.Body = text
	}

	if r.Icon.Kind == model.IconNone && deviceIcon != "" {
		r.Icon = model.ThemedIcon(deviceIcon)
	}
	return r
}
