// Package policy tracks which local applications may forward notifications.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/settings"
)

const DefaultIconName = "system-run-symbolic"

var ErrPolicyCorrupt = errors.New("policy: stored application policy is corrupt")

// Store mirrors the "applications" setting. Storage stays the system of record:
// every mutation is written through, and change notifications that are not the
// echo of our own last write are re-read.
type Store struct {
	settings settings.Store
	logger   *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	apps      map[string]model.AppPolicy
	lastWrite string

	unsubscribe func()
}

func New(s settings.Store, logger *slog.Logger) *Store {
	p := &Store{settings: s, logger: logger, apps: map[string]model.AppPolicy{}}
	p.reload()
	p.unsubscribe = s.Subscribe(settings.KeyApplications, func(string) { p.reload() })
	return p
}

func (p *Store) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// Ensure returns the policy for appID, creating and persisting an enabled
// entry the first time the application is seen.
func (p *Store) Ensure(appID, iconName string) (model.AppPolicy, bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if pol, ok := p.apps[appID]; ok {
		p.mu.Unlock()
		return pol, false, nil
	}
	if iconName == "" {
		iconName = DefaultIconName
	}
	pol := model.AppPolicy{IconName: iconName, Enabled: true}
	p.apps[appID] = pol
	encoded, err := p.encodeLocked()
	p.mu.Unlock()
	if err != nil {
		return pol, true, err
	}
	if err := p.settings.SetString(settings.KeyApplications, encoded); err != nil {
		return pol, true, fmt.Errorf("persist policy for %s: %w", appID, err)
	}
	return pol, true, nil
}

func (p *Store) Lookup(appID string) (model.AppPolicy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pol, ok := p.apps[appID]
	return pol, ok
}

func (p *Store) SetEnabled(appID string, enabled bool) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	pol, ok := p.apps[appID]
	if !ok {
		pol = model.AppPolicy{IconName: DefaultIconName}
	}
	pol.Enabled = enabled
	p.apps[appID] = pol
	encoded, err := p.encodeLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.settings.SetString(settings.KeyApplications, encoded)
}

func (p *Store) Snapshot() map[string]model.AppPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.apps)
}

func (p *Store) encodeLocked() (string, error) {
	raw, err := json.Marshal(p.apps)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	p.lastWrite = string(raw)
	return p.lastWrite, nil
}

func (p *Store) reload() {
	raw, err := p.settings.String(settings.KeyApplications)
	if errors.Is(err, settings.ErrNotFound) {
		raw = "{}"
	} else if err != nil {
		p.logger.Warn("read application policy failed", "error", err)
		return
	}

	p.mu.Lock()
	if p.lastWrite != "" && raw == p.lastWrite {
		p.mu.Unlock()
		return
	}
	next := map[string]model.AppPolicy{}
	if err := json.Unmarshal([]byte(raw), &next); err != nil || next == nil {
		p.logger.Warn("resetting application policy", "error", fmt.Errorf("%w: %v", ErrPolicyCorrupt, err))
		p.apps = map[string]model.AppPolicy{}
		p.lastWrite = "{}"
		p.mu.Unlock()
		if err := p.settings.SetString(settings.KeyApplications, "{}"); err != nil {
			p.logger.Warn("reset application policy failed", "error", err)
		}
		return
	}
	p.apps = next
	p.mu.Unlock()
}
