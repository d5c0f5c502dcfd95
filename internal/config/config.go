package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type LinkMode string

const (
	LinkModeGRPC      LinkMode = "grpc"
	LinkModeWebSocket LinkMode = "websocket"
)

type NotifierBackend string

const (
	NotifierDBus NotifierBackend = "dbus"
	NotifierLog  NotifierBackend = "log"
)

type Config struct {
	DeviceID              string          `env:"LINKBRIDGE_DEVICE_ID"`
	DeviceName            string          `env:"LINKBRIDGE_DEVICE_NAME"`
	DeviceIcon            string          `env:"LINKBRIDGE_DEVICE_ICON" envDefault:"smartphone-symbolic"`
	LinkMode              LinkMode        `env:"LINKBRIDGE_LINK_MODE" envDefault:"grpc"`
	PeerGRPCAddr          string          `env:"LINKBRIDGE_PEER_GRPC_ADDR" envDefault:"127.0.0.1:1716"`
	GRPCLinkMethod        string          `env:"LINKBRIDGE_GRPC_LINK_METHOD" envDefault:"/linkbridge.v1.Link/Exchange"`
	PeerWSURL             string          `env:"LINKBRIDGE_PEER_WS_URL" envDefault:"ws://127.0.0.1:1716/link"`
	PeerToken             string          `env:"LINKBRIDGE_PEER_TOKEN"`
	PayloadPeerHost       string          `env:"LINKBRIDGE_PAYLOAD_PEER_HOST"`
	PayloadBindHost       string          `env:"LINKBRIDGE_PAYLOAD_BIND_HOST" envDefault:"0.0.0.0"`
	TLSEnabled            bool            `env:"LINKBRIDGE_TLS_ENABLED" envDefault:"false"`
	TLSSkipVerify         bool            `env:"LINKBRIDGE_TLS_SKIP_VERIFY" envDefault:"false"`
	TLSCAPath             string          `env:"LINKBRIDGE_TLS_CA_PATH"`
	TLSCertPath           string          `env:"LINKBRIDGE_TLS_CERT_PATH"`
	TLSKeyPath            string          `env:"LINKBRIDGE_TLS_KEY_PATH"`
	CacheDir              string          `env:"LINKBRIDGE_CACHE_DIR"`
	SettingsPath          string          `env:"LINKBRIDGE_SETTINGS_PATH"`
	SettingsPollInterval  time.Duration   `env:"LINKBRIDGE_SETTINGS_POLL_INTERVAL" envDefault:"2s"`
	IconTheme             string          `env:"LINKBRIDGE_ICON_THEME" envDefault:"Adwaita"`
	Notifier              NotifierBackend `env:"LINKBRIDGE_NOTIFIER" envDefault:"dbus"`
	ForwardLocal          bool            `env:"LINKBRIDGE_FORWARD_LOCAL" envDefault:"true"`
	ControlListenAddr     string          `env:"LINKBRIDGE_CONTROL_ADDR" envDefault:"127.0.0.1:7443"`
	ReconnectInterval     time.Duration   `env:"LINKBRIDGE_RECONNECT_INTERVAL" envDefault:"4s"`
	MaxReconnectJitter    time.Duration   `env:"LINKBRIDGE_RECONNECT_MAX_JITTER" envDefault:"900ms"`
	TransferTimeout       time.Duration   `env:"LINKBRIDGE_TRANSFER_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout       time.Duration   `env:"LINKBRIDGE_SHUTDOWN_TIMEOUT" envDefault:"20s"`
	HealthInterval        time.Duration   `env:"LINKBRIDGE_HEALTH_INTERVAL" envDefault:"10s"`
	WebSocketWriteTimeout time.Duration   `env:"LINKBRIDGE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WebSocketPingInterval time.Duration   `env:"LINKBRIDGE_WS_PING_INTERVAL" envDefault:"10s"`
	LogJSON               bool            `env:"LINKBRIDGE_LOG_JSON" envDefault:"false"`
	LogLevel              string          `env:"LINKBRIDGE_LOG_LEVEL" envDefault:"info"`
	AgentVersion          string          `env:"LINKBRIDGE_AGENT_VERSION" envDefault:"dev"`
}

func Load() (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.LinkMode = LinkMode(strings.ToLower(string(c.LinkMode)))
	c.Notifier = NotifierBackend(strings.ToLower(string(c.Notifier)))
	c.LogLevel = strings.ToLower(c.LogLevel)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	if c.DeviceID == "" {
		c.DeviceID = strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String(), "-", "_")
	}
	if c.DeviceName == "" {
		c.DeviceName = hostname
	}
	if c.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.CacheDir = filepath.Join(dir, "linkbridge", "icons")
		}
	}
	if c.SettingsPath == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.SettingsPath = filepath.Join(dir, "linkbridge", "settings.yaml")
		}
	}
	if c.PayloadPeerHost == "" {
		c.PayloadPeerHost = c.peerHost()
	}
}

func (c Config) peerHost() string {
	switch c.LinkMode {
	case LinkModeWebSocket:
		if u, err := url.Parse(c.PeerWSURL); err == nil {
			return u.Hostname()
		}
	default:
		if host, _, err := net.SplitHostPort(c.PeerGRPCAddr); err == nil {
			return host
		}
	}
	return ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("LINKBRIDGE_DEVICE_ID is required")
	}
	switch c.LinkMode {
	case LinkModeGRPC:
		if c.PeerGRPCAddr == "" {
			return errors.New("LINKBRIDGE_PEER_GRPC_ADDR is required for grpc mode")
		}
		if strings.TrimSpace(c.GRPCLinkMethod) == "" {
			return errors.New("LINKBRIDGE_GRPC_LINK_METHOD is required for grpc mode")
		}
	case LinkModeWebSocket:
		if c.PeerWSURL == "" {
			return errors.New("LINKBRIDGE_PEER_WS_URL is required for websocket mode")
		}
	default:
		return fmt.Errorf("unsupported link mode %q", c.LinkMode)
	}
	switch c.Notifier {
	case NotifierDBus, NotifierLog:
	default:
		return fmt.Errorf("unsupported notifier %q", c.Notifier)
	}
	if c.PayloadPeerHost == "" {
		return errors.New("LINKBRIDGE_PAYLOAD_PEER_HOST is required")
	}
	if c.CacheDir == "" {
		return errors.New("LINKBRIDGE_CACHE_DIR is required")
	}
	if c.SettingsPath == "" {
		return errors.New("LINKBRIDGE_SETTINGS_PATH is required")
	}
	if c.ReconnectInterval <= 0 {
		return errors.New("LINKBRIDGE_RECONNECT_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("LINKBRIDGE_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.HealthInterval <= 0 {
		return errors.New("LINKBRIDGE_HEALTH_INTERVAL must be > 0")
	}
	if c.TransferTimeout < 0 {
		return errors.New("LINKBRIDGE_TRANSFER_TIMEOUT must be >= 0")
	}
	return nil
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}
