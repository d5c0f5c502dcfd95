package notification

import (
	"linkbridge-agent/internal/capability"
	"linkbridge-agent/internal/model"
)

const PluginID = "linkbridge.plugin.notification"

const (
	ActionWithdraw = "withdrawNotification"
	ActionClose    = "closeNotification"
	ActionReply    = "replyNotification"
	ActionSend     = "sendNotification"
	ActionActivate = "activateNotification"
)

const notificationIcon = "preferences-system-notifications-symbolic"

// Metadata declares what the plugin exchanges with the peer. The
// notification.action type stays declared even though inbound handling is
// not implemented, so negotiation reflects the protocol surface.
func Metadata() capability.Metadata {
	return capability.Metadata{
		ID:    PluginID,
		Label: "Notifications",
		Incoming: []string{
			model.TypeNotification,
			model.TypeNotificationRequest,
		},
		Outgoing: []string{
			model.TypeNotification,
			model.TypeNotificationAction,
			model.TypeNotificationReply,
			model.TypeNotificationRequest,
		},
		Actions: map[string]capability.Action{
			ActionWithdraw: {
				Label:         "Cancel Notification",
				IconName:      notificationIcon,
				ParameterType: "s",
				Outgoing:      []string{model.TypeNotification},
			},
			ActionClose: {
				Label:         "Close Notification",
				IconName:      notificationIcon,
				ParameterType: "s",
				Outgoing:      []string{model.TypeNotificationRequest},
			},
			ActionReply: {
				Label:         "Reply Notification",
				IconName:      notificationIcon,
				ParameterType: "(ssa{ss})",
				Incoming:      []string{model.TypeNotification},
				Outgoing:      []string{model.TypeNotificationReply},
			},
			ActionSend: {
				Label:         "Send Notification",
				IconName:      notificationIcon,
				ParameterType: "a{sv}",
				Outgoing:      []string{model.TypeNotification},
			},
			ActionActivate: {
				Label:         "Activate Notification",
				IconName:      notificationIcon,
				ParameterType: "(ss)",
				Outgoing:      []string{model.TypeNotificationAction},
			},
		},
	}
}
