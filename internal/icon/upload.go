// Package icon resolves notification icons into payloads for the peer and
// received payloads into locally cached icons.
package icon

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"linkbridge-agent/internal/model"
)

type Transferer interface {
	Upload(ctx context.Context, pkt model.Packet, src io.Reader, size int64) error
	Download(ctx context.Context, pkt model.Packet, dst io.Writer) error
}

type PacketSender interface {
	SendPacket(ctx context.Context, p model.Packet) error
}

// Source is a resolved icon ready to stream.
type Source struct {
	Reader io.ReadCloser
	Size   int64
	// Hash is set when the bytes are known up front.
	Hash string
}

type Resolver struct {
	theme *Theme
}

func NewResolver(theme *Theme) *Resolver {
	return &Resolver{theme: theme}
}

// Resolve returns nil without error when there is nothing to send.
func (r *Resolver) Resolve(ctx context.Context, icon model.Icon) (*Source, error) {
	switch icon.Kind {
	case model.IconThemed:
		path, ok := r.theme.Lookup(icon.Names...)
		if !ok {
			return nil, nil
		}
		return openFile(ctx, path)
	case model.IconFile:
		return openFile(ctx, icon.Path)
	case model.IconBytes:
		if len(icon.Data) == 0 {
			return nil, nil
		}
		sum := md5.Sum(icon.Data)
		return &Source{
			Reader: io.NopCloser(bytes.NewReader(icon.Data)),
			Size:   int64(len(icon.Data)),
			Hash:   hex.EncodeToString(sum[:]),
		}, nil
	default:
		return nil, nil
	}
}

// openFile opens the file and queries its size concurrently.
func openFile(ctx context.Context, path string) (*Source, error) {
	var (
		f    *os.File
		info os.FileInfo
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		f, err = os.Open(path)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = os.Stat(path)
		return err
	})
	if err := g.Wait(); err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, fmt.Errorf("open icon %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("open icon %s: not a regular file", path)
	}
	return &Source{Reader: f, Size: info.Size()}, nil
}

// Uploader sends a packet together with its icon, degrading to a bare packet
// whenever the icon cannot be resolved or uploaded.
type Uploader struct {
	resolver  *Resolver
	transfers Transferer
	sender    PacketSender
	logger    *slog.Logger
}

func NewUploader(resolver *Resolver, transfers Transferer, sender PacketSender, logger *slog.Logger) *Uploader {
	return &Uploader{resolver: resolver, transfers: transfers, sender: sender, logger: logger}
}

func (u *Uploader) Send(ctx context.Context, pkt model.Packet, icon model.Icon) error {
	src, err := u.resolver.Resolve(ctx, icon)
	if err != nil {
		u.logger.Debug("icon resolve failed, sending without payload", "error", err)
	}
	if src == nil || src.Size <= 0 {
		if src != nil {
			_ = src.Reader.Close()
		}
		return u.sender.SendPacket(ctx, pkt.WithoutPayload())
	}
	defer func() { _ = src.Reader.Close() }()

	if src.Hash != "" {
		pkt = pkt.Clone()
		pkt.Body["payloadHash"] = src.Hash
	}
	err = u.transfers.Upload(ctx, pkt, src.Reader, src.Size)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	u.logger.Debug("icon upload failed, sending without payload", "packet_id", pkt.ID, "error", err)
	bare := pkt.WithoutPayload()
	delete(bare.Body, "payloadHash")
	return u.sender.SendPacket(ctx, bare)
}
