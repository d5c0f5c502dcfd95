package version

type Response struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	AgentVersion      string `json:"agent_version"`
	LinkMode          string `json:"link_mode"`
	ProtocolVersion   int    `json:"protocol_version"`
	ControlListenAddr string `json:"control_listen_addr"`
	CheckedAtUnix     int64  `json:"checked_at_unix"`
}
