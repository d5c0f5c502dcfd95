// Package settings is the key/value system of record for user preferences.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	KeySendNotifications    = "send-notifications"
	KeySendActive           = "send-active"
	KeyReceiveNotifications = "receive-notifications"
	KeyApplications         = "applications"
)

var ErrNotFound = errors.New("settings: key not found")

type Store interface {
	String(key string) (string, error)
	SetString(key, value string) error
	Bool(key string, fallback bool) bool
	// Subscribe calls fn after every write to key. The returned func unsubscribes.
	Subscribe(key string, fn func(key string)) func()
}

type subscriber struct {
	id int
	fn func(string)
}

// FileStore keeps a flat string mapping in a YAML file, replaced atomically on every write.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	values  map[string]string
	modTime time.Time
	logger  *slog.Logger

	subMu  sync.Mutex
	nextID int
	subs   map[string][]subscriber
}

func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("settings: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	s := &FileStore{
		path:   path,
		values: map[string]string{},
		logger: logger,
		subs:   map[string][]subscriber{},
	}
	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) String(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (s *FileStore) Bool(key string, fallback bool) bool {
	v, err := s.String(key)
	if err != nil {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (s *FileStore) SetBool(key string, v bool) error {
	return s.SetString(key, strconv.FormatBool(v))
}

func (s *FileStore) SetString(key, value string) error {
	s.mu.Lock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(key)
	return nil
}

func (s *FileStore) Subscribe(key string, fn func(key string)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[key] = append(s.subs[key], subscriber{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[key]
		for i, sub := range list {
			if sub.id == id {
				s.subs[key] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Watch polls the file for edits made by other processes and notifies
// subscribers of the keys that changed.
func (s *FileStore) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			changed, err := s.reload()
			if err != nil {
				s.logger.Warn("settings reload failed", "path", s.path, "error", err)
				continue
			}
			for _, key := range changed {
				s.notify(key)
			}
		}
	}
}

func (s *FileStore) reload() ([]string, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if info.ModTime().Equal(s.modTime) {
		return nil, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	next := map[string]string{}
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if next == nil {
		next = map[string]string{}
	}

	var changed []string
	for k, v := range next {
		if old, ok := s.values[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range s.values {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	s.values = next
	s.modTime = info.ModTime()
	return changed, nil
}

func (s *FileStore) flushLocked() error {
	raw, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create settings temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish settings: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

func (s *FileStore) notify(key string) {
	s.subMu.Lock()
	list := append([]subscriber(nil), s.subs[key]...)
	s.subMu.Unlock()
	for _, sub := range list {
		sub.fn(key)
	}
}
