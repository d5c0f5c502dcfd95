package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"linkbridge-agent/internal/model"
)

// GRPCDialer opens bidirectional packet streams over a JSON-coded gRPC method.
type GRPCDialer struct {
	logger      *slog.Logger
	addr        string
	method      string
	tlsConfig   *tls.Config
	token       string
	dialTimeout time.Duration
	contextDial func(context.Context, string) (net.Conn, error)
}

func NewGRPCDialer(addr, method string, tlsCfg *tls.Config, token string, logger *slog.Logger) *GRPCDialer {
	encoding.RegisterCodec(jsonCodec{})
	return &GRPCDialer{
		logger:      logger,
		addr:        addr,
		method:      method,
		tlsConfig:   tlsCfg,
		token:       token,
		dialTimeout: 8 * time.Second,
	}
}

// WithContextDialer replaces the network dialer, e.g. with an in-memory listener.
func (d *GRPCDialer) WithContextDialer(fn func(context.Context, string) (net.Conn, error)) *GRPCDialer {
	d.contextDial = fn
	return d
}

func (d *GRPCDialer) Dial(ctx context.Context) (Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	var creds credentials.TransportCredentials
	if d.tlsConfig != nil {
		creds = credentials.NewTLS(d.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}
	if d.contextDial != nil {
		opts = append(opts, grpc.WithContextDialer(d.contextDial))
	}

	conn, err := grpc.DialContext(dialCtx, d.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", d.addr, err)
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	if d.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+d.token)
	}
	s, err := conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, d.method)
	if err != nil {
		streamCancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open packet stream %s: %w", d.method, err)
	}
	d.logger.Info("grpc link connected", "addr", d.addr)
	return &GRPCLink{conn: conn, stream: s, cancel: streamCancel}, nil
}

type GRPCLink struct {
	sendMu sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (l *GRPCLink) Send(ctx context.Context, p model.Packet) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.stream.SendMsg(&p); err != nil {
		return fmt.Errorf("send %s: %w", p.Type, err)
	}
	return nil
}

func (l *GRPCLink) Receive(ctx context.Context) (model.Packet, error) {
	stop := context.AfterFunc(ctx, l.cancel)
	defer stop()

	var p model.Packet
	if err := l.stream.RecvMsg(&p); err != nil {
		if ctx.Err() != nil {
			return model.Packet{}, ctx.Err()
		}
		return model.Packet{}, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return p, nil
}

func (l *GRPCLink) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.sendMu.Lock()
		_ = l.stream.CloseSend()
		l.sendMu.Unlock()
		l.cancel()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
