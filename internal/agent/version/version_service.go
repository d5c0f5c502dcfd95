package version

import (
	"time"

	"linkbridge-agent/internal/config"
	"linkbridge-agent/internal/device"
)

func Get(cfg config.Config) *Response {
	return &Response{
		DeviceID:          cfg.DeviceID,
		DeviceName:        cfg.DeviceName,
		AgentVersion:      cfg.AgentVersion,
		LinkMode:          string(cfg.LinkMode),
		ProtocolVersion:   device.ProtocolVersion,
		ControlListenAddr: cfg.ControlListenAddr,
		CheckedAtUnix:     time.Now().UTC().Unix(),
	}
}
