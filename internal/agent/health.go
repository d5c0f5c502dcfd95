package agent

import (
	"context"
	"sync/atomic"
	"time"

	"linkbridge-agent/internal/model"
)

type HealthStatus struct {
	linkConnected atomic.Bool
	lastSentAt    atomic.Int64
	sendFailures  atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.linkConnected.Store(false)
	return h
}

func (h *HealthStatus) SetLinkConnected(ok bool) {
	h.linkConnected.Store(ok)
}

func (h *HealthStatus) MarkSent(ts time.Time) {
	h.lastSentAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkSendFailure() {
	h.sendFailures.Add(1)
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"link_connected": h.linkConnected.Load(),
		"send_failures":  h.sendFailures.Load(),
	}
	if v := h.lastSentAt.Load(); v > 0 {
		out["last_sent_at"] = time.Unix(0, v).UTC()
	}
	return out
}

type packetSender interface {
	SendPacket(ctx context.Context, p model.Packet) error
}

// healthSender records send outcomes on the way to the device link.
type healthSender struct {
	sender packetSender
	health *HealthStatus
}

func (s *healthSender) SendPacket(ctx context.Context, p model.Packet) error {
	if err := s.sender.SendPacket(ctx, p); err != nil {
		s.health.MarkSendFailure()
		return err
	}
	s.health.MarkSent(time.Now())
	return nil
}
