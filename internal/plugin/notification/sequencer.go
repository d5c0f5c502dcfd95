package notification

import "sync"

// sequencer runs chains concurrently across keys while chains sharing a key
// run in submission order.
type sequencer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

func newSequencer() *sequencer {
	return &sequencer{tails: map[string]chan struct{}{}}
}

func (s *sequencer) Go(key string, fn func()) {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if prev != nil {
			<-prev
		}
		fn()
		close(done)

		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()
}

func (s *sequencer) Wait() {
	s.wg.Wait()
}
