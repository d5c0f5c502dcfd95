package desktop

import (
	"context"
	"log/slog"

	"linkbridge-agent/internal/plugin/notification"
)

// LogPrompter records reply requests that need text; the control listener
// completes them with "reply <uuid> <message>".
type LogPrompter struct {
	logger *slog.Logger
}

func NewLogPrompter(logger *slog.Logger) *LogPrompter {
	return &LogPrompter{logger: logger}
}

func (p *LogPrompter) PromptReply(_ context.Context, r notification.PendingReply) error {
	p.logger.Info("reply requested", "uuid", r.UUID, "app", r.AppName, "title", r.Title, "text", r.Text)
	return nil
}
