package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"linkbridge-agent/internal/transfer"
)

// PayloadChannel moves payload bytes over a dedicated TCP connection per
// transfer. Uploads listen on an ephemeral port advertised as {"port": N};
// downloads dial the peer host on the advertised port.
type PayloadChannel struct {
	peerHost  string
	bindHost  string
	tlsConfig *tls.Config
	logger    *slog.Logger
}

func NewPayloadChannel(peerHost, bindHost string, tlsCfg *tls.Config, logger *slog.Logger) *PayloadChannel {
	return &PayloadChannel{peerHost: peerHost, bindHost: bindHost, tlsConfig: tlsCfg, logger: logger}
}

func (c *PayloadChannel) Listen(ctx context.Context) (transfer.Uplink, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(c.bindHost, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen payload: %w", err)
	}
	c.logger.Debug("payload uplink listening", "addr", ln.Addr().String())
	return &payloadUplink{ln: ln, tlsConfig: c.tlsConfig}, nil
}

func (c *PayloadChannel) Dial(ctx context.Context, info map[string]any) (io.ReadCloser, error) {
	port, err := transferPort(info)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.peerHost, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial payload %s: %w", addr, err)
	}
	if c.tlsConfig == nil {
		return conn, nil
	}
	tc := tls.Client(conn, c.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("payload tls handshake %s: %w", addr, err)
	}
	return tc, nil
}

type payloadUplink struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

func (u *payloadUplink) TransferInfo() map[string]any {
	return map[string]any{"port": u.ln.Addr().(*net.TCPAddr).Port}
}

// Accept waits for the peer to connect. The listener is single-use and is
// closed once a connection arrives or ctx ends.
func (u *payloadUplink) Accept(ctx context.Context) (io.WriteCloser, error) {
	stop := context.AfterFunc(ctx, func() { _ = u.ln.Close() })
	defer stop()

	conn, err := u.ln.Accept()
	_ = u.ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept payload: %w", err)
	}
	if u.tlsConfig == nil {
		return conn, nil
	}
	tc := tls.Server(conn, u.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("payload tls handshake: %w", err)
	}
	return tc, nil
}

func (u *payloadUplink) Close() error {
	err := u.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func transferPort(info map[string]any) (int, error) {
	var port int
	switch v := info["port"].(type) {
	case float64:
		port = int(v)
	case int:
		port = v
	case int64:
		port = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("payload port %q: %w", v, err)
		}
		port = int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("payload port %q: %w", v, err)
		}
		port = n
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("payload transfer info has no valid port: %v", info)
	}
	return port, nil
}
