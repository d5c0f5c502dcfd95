// Package transfer moves one binary payload to or from the peer on behalf of one packet.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"linkbridge-agent/internal/model"
)

var ErrTransfer = errors.New("transfer failed")

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Uplink is a one-shot endpoint the peer connects to in order to fetch an upload.
type Uplink interface {
	TransferInfo() map[string]any
	Accept(ctx context.Context) (io.WriteCloser, error)
	Close() error
}

// Channel opens the out-of-band byte streams negotiated by the link layer.
type Channel interface {
	Listen(ctx context.Context) (Uplink, error)
	Dial(ctx context.Context, info map[string]any) (io.ReadCloser, error)
}

type PacketSender interface {
	SendPacket(ctx context.Context, p model.Packet) error
}

// Session is the state of a single exchange; it lives only as long as the call.
type Session struct {
	ID          string
	Direction   Direction
	Size        int64
	Packet      model.Packet
	Transferred int64
}

type Stats struct {
	Uploads          int64 `json:"uploads"`
	UploadFailures   int64 `json:"upload_failures"`
	Downloads        int64 `json:"downloads"`
	DownloadFailures int64 `json:"download_failures"`
	Bytes            int64 `json:"bytes"`
}

type Orchestrator struct {
	channel Channel
	sender  PacketSender
	logger  *slog.Logger
	timeout time.Duration

	uploads, uploadFailures, downloads, downloadFailures, bytes atomic.Int64
}

func NewOrchestrator(channel Channel, sender PacketSender, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{channel: channel, sender: sender, timeout: timeout, logger: logger}
}

// Upload announces pkt with a payload descriptor and streams exactly size bytes
// from src to the peer. It never retries; callers decide on a fallback.
func (o *Orchestrator) Upload(ctx context.Context, pkt model.Packet, src io.Reader, size int64) error {
	s := &Session{ID: uuid.NewString(), Direction: DirectionUpload, Size: size, Packet: pkt.Clone()}
	err := o.upload(ctx, s, src)
	o.finish(s, err)
	return err
}

// Download streams the payload announced by pkt into dst.
func (o *Orchestrator) Download(ctx context.Context, pkt model.Packet, dst io.Writer) error {
	s := &Session{ID: uuid.NewString(), Direction: DirectionDownload, Packet: pkt}
	if pkt.Payload != nil {
		s.Size = pkt.Payload.Size
	}
	err := o.download(ctx, s, dst)
	o.finish(s, err)
	return err
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Uploads:          o.uploads.Load(),
		UploadFailures:   o.uploadFailures.Load(),
		Downloads:        o.downloads.Load(),
		DownloadFailures: o.downloadFailures.Load(),
		Bytes:            o.bytes.Load(),
	}
}

func (o *Orchestrator) upload(ctx context.Context, s *Session, src io.Reader) error {
	if s.Size <= 0 {
		return fmt.Errorf("%w: upload %s: empty payload", ErrTransfer, s.ID)
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	up, err := o.channel.Listen(ctx)
	if err != nil {
		return fmt.Errorf("%w: open uplink: %v", ErrTransfer, err)
	}
	defer func() { _ = up.Close() }()

	s.Packet.Payload = &model.PayloadDescriptor{Size: s.Size, TransferInfo: up.TransferInfo()}
	if err := o.sender.SendPacket(ctx, s.Packet); err != nil {
		return fmt.Errorf("%w: announce payload: %v", ErrTransfer, err)
	}

	w, err := up.Accept(ctx)
	if err != nil {
		return fmt.Errorf("%w: accept payload connection: %v", ErrTransfer, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	n, err := io.CopyN(w, src, s.Size)
	s.Transferred = n
	closeErr := w.Close()
	if err != nil {
		return fmt.Errorf("%w: upload %d/%d bytes: %v", ErrTransfer, n, s.Size, cause(ctx, err))
	}
	if closeErr != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: close payload connection: %v", ErrTransfer, closeErr)
	}
	return nil
}

func (o *Orchestrator) download(ctx context.Context, s *Session, dst io.Writer) error {
	if !s.Packet.HasPayload() {
		return fmt.Errorf("%w: download %s: packet has no payload", ErrTransfer, s.ID)
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	r, err := o.channel.Dial(ctx, s.Packet.Payload.TransferInfo)
	if err != nil {
		return fmt.Errorf("%w: dial payload: %v", ErrTransfer, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()
	defer func() { _ = r.Close() }()

	n, err := io.CopyN(dst, r, s.Size)
	s.Transferred = n
	if err != nil {
		return fmt.Errorf("%w: download %d/%d bytes: %v", ErrTransfer, n, s.Size, cause(ctx, err))
	}
	return nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func (o *Orchestrator) finish(s *Session, err error) {
	o.bytes.Add(s.Transferred)
	switch {
	case s.Direction == DirectionUpload && err == nil:
		o.uploads.Add(1)
	case s.Direction == DirectionUpload:
		o.uploadFailures.Add(1)
	case err == nil:
		o.downloads.Add(1)
	default:
		o.downloadFailures.Add(1)
	}
	if err != nil {
		o.logger.Debug("payload transfer failed", "session", s.ID, "direction", s.Direction, "packet_type", s.Packet.Type, "size", s.Size, "transferred", s.Transferred, "error", err)
		return
	}
	o.logger.Debug("payload transfer done", "session", s.ID, "direction", s.Direction, "packet_type", s.Packet.Type, "size", s.Size)
}

// cause prefers the context error when the copy failed because the context closed the stream.
func cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
