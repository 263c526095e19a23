package network

import "sync"

// Subscription delivers transitions on Events until closed
type Subscription struct {
	m *Monitor

	mu     sync.Mutex
	buf    []Transition
	notify chan struct{}

	out       chan Transition
	done      chan struct{}
	closeOnce sync.Once
}

// Events is closed once the subscription ends
func (s *Subscription) Events() <-chan Transition {
	return s.out
}

// Close detaches from the monitor; undelivered transitions are discarded
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.m.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription) push(t Transition) {
	s.mu.Lock()
	s.buf = append(s.buf, t)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		next := s.buf[0]
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.mu.Lock()
			s.buf[0] = Transition{}
			s.buf = s.buf[1:]
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
