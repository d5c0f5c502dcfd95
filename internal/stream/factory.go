package stream

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"linkbridge-agent/internal/config"
)

func NewDialerFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (Dialer, error) {
	switch cfg.LinkMode {
	case config.LinkModeGRPC:
		return NewGRPCDialer(cfg.PeerGRPCAddr, cfg.GRPCLinkMethod, tlsCfg, cfg.PeerToken, logger), nil
	case config.LinkModeWebSocket:
		return NewWebSocketDialer(cfg.PeerWSURL, cfg.PeerToken, tlsCfg, cfg.WebSocketWriteTimeout, cfg.WebSocketPingInterval, logger), nil
	default:
		return nil, fmt.Errorf("unsupported link mode %q", cfg.LinkMode)
	}
}

func NewPayloadChannelFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) *PayloadChannel {
	return NewPayloadChannel(cfg.PayloadPeerHost, cfg.PayloadBindHost, tlsCfg, logger)
}
