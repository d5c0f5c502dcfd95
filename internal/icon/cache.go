package icon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/sync/singleflight"

	"linkbridge-agent/internal/model"
)

var hashKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Cache stores downloaded icons in a process-wide directory keyed by payload hash.
// Entries are published by rename only after a complete download, so readers
// never observe partial files. Entries are never evicted.
type Cache struct {
	dir       string
	transfers Transferer
	logger    *slog.Logger
	inflight  singleflight.Group
}

func NewCache(dir string, transfers Transferer, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("icon cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create icon cache: %w", err)
	}
	return &Cache{dir: dir, transfers: transfers, logger: logger}, nil
}

// Key is the declared payloadHash when it is a safe file name, otherwise a CID
// derived from the packet's identifying fields.
func Key(p model.Packet) string {
	if h := p.String("payloadHash"); hashKeyPattern.MatchString(h) {
		return h
	}
	ident := map[string]any{
		"id":      p.String("id"),
		"appName": p.String("appName"),
		"title":   p.String("title"),
		"text":    p.String("text"),
		"time":    p.String("time"),
	}
	if p.Payload != nil {
		ident["payloadSize"] = p.Payload.Size
	}
	raw, _ := json.Marshal(ident)
	sum, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key)
}

// Fetch returns the cached icon for the packet's payload, downloading it first
// if needed. Any failure yields the zero Icon.
func (c *Cache) Fetch(ctx context.Context, p model.Packet) model.Icon {
	if !p.HasPayload() {
		return model.Icon{}
	}
	key := Key(p)
	if key == "" {
		return model.Icon{}
	}
	path := c.Path(key)
	if isFile(path) {
		return model.FileIcon(path)
	}

	v, err, _ := c.inflight.Do(key, func() (any, error) {
		if isFile(path) {
			return path, nil
		}
		return path, c.download(ctx, p, key, path)
	})
	if err != nil {
		c.logger.Debug("icon download failed", "key", key, "error", err)
		return model.Icon{}
	}
	return model.FileIcon(v.(string))
}

func (c *Cache) download(ctx context.Context, p model.Packet, key, path string) error {
	tmp, err := os.CreateTemp(c.dir, "."+key+".*.part")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	tmpName := tmp.Name()

	err = c.transfers.Download(ctx, p, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close cache file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish cache file: %w", err)
	}
	return nil
}
