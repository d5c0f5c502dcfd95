package device

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"linkbridge-agent/internal/stream"
)

// ConnManager dials the peer link, retrying with jitter until ctx ends.
type ConnManager struct {
	dialer    stream.Dialer
	logger    *slog.Logger
	retryWait time.Duration
	maxJitter time.Duration

	mu      sync.Mutex
	randSrc *rand.Rand
}

func NewConnManager(dialer stream.Dialer, retryWait, maxJitter time.Duration, logger *slog.Logger) *ConnManager {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &ConnManager{
		dialer:    dialer,
		logger:    logger,
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *ConnManager) Connect(ctx context.Context) (stream.Link, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		link, err := m.dialer.Dial(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Error("link connect failed", "error", err, "retry_in", m.retryWait)
		if err := m.Backoff(ctx); err != nil {
			return nil, err
		}
	}
}

// Backoff waits one retry interval plus jitter.
func (m *ConnManager) Backoff(ctx context.Context) error {
	t := time.NewTimer(m.retryWait + m.jitter())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.randSrc.Int63n(int64(m.maxJitter)))
}
