package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"linkbridge-agent/internal/model"
)

type WebSocketDialer struct {
	logger       *slog.Logger
	url          string
	token        string
	tlsConfig    *tls.Config
	writeTimeout time.Duration
	pingInterval time.Duration
}

func NewWebSocketDialer(url, token string, tlsCfg *tls.Config, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *WebSocketDialer {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	return &WebSocketDialer{
		logger:       logger,
		url:          url,
		token:        token,
		tlsConfig:    tlsCfg,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Link, error) {
	h := http.Header{}
	if d.token != "" {
		h.Set("Authorization", "Bearer "+d.token)
	}
	opt := &websocket.DialOptions{HTTPHeader: h}
	if d.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: d.tlsConfig}}
	}
	conn, _, err := websocket.Dial(ctx, d.url, opt)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	conn.SetReadLimit(10 << 20)

	l := &WebSocketLink{conn: conn, writeTimeout: d.writeTimeout, logger: d.logger}
	l.startPingLoop(d.pingInterval)
	d.logger.Info("websocket link connected", "url", d.url)
	return l, nil
}

// WebSocketLink carries one packet per text message.
type WebSocketLink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
	pingCancel   context.CancelFunc
	closed       bool
}

func (l *WebSocketLink) Send(ctx context.Context, p model.Packet) error {
	payload, err := model.EncodePacket(p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("websocket write %s: %w", p.Type, err)
	}
	return nil
}

func (l *WebSocketLink) Receive(ctx context.Context) (model.Packet, error) {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return model.Packet{}, ctx.Err()
			}
			return model.Packet{}, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		if typ != websocket.MessageText {
			l.logger.Debug("ignoring binary websocket message", "bytes", len(data))
			continue
		}
		return model.DecodePacket(data)
	}
}

func (l *WebSocketLink) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.pingCancel != nil {
		l.pingCancel()
		l.pingCancel = nil
	}
	return l.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

func (l *WebSocketLink) startPingLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.pingCancel = cancel
	go func(conn *websocket.Conn) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
				if err := conn.Ping(pingCtx); err != nil {
					l.logger.Debug("websocket ping failed", "error", err)
				}
				pingCancel()
			}
		}
	}(l.conn)
}
