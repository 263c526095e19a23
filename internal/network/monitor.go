// Package network holds the process-wide connectivity signal.
//
// A Monitor has exactly one writer path (Set) and any number of subscribers.
// Every write that changes the value produces one Transition, delivered to
// each subscriber in write order through its own unbounded buffer, so a slow
// subscriber never causes another to miss or merge edges.
package network

import (
	"context"
	"sync"
	"time"
)

// State is the connectivity value
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseState accepts "online"/"offline" and the booleans "true"/"false"
func ParseState(v string) (State, bool) {
	switch v {
	case "online", "true", "up":
		return Online, true
	case "offline", "false", "down":
		return Offline, true
	}
	return Offline, false
}

// Transition is one observed edge
type Transition struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

// Snapshot is a consistent read of the value and its generation
type Snapshot struct {
	State      State  `json:"-"`
	Generation uint64 `json:"generation"`
}

// Monitor is safe for concurrent use
type Monitor struct {
	mu    sync.Mutex
	state State
	gen   uint64
	subs  map[*Subscription]struct{}
	now   func() time.Time
}

func NewMonitor(initial State) *Monitor {
	return &Monitor{
		state: initial,
		subs:  make(map[*Subscription]struct{}),
		now:   time.Now,
	}
}

// Current is a single point read
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Generation: m.gen}
}

// Set stores s. It reports whether the value changed; only changes bump the
// generation and notify subscribers.
func (m *Monitor) Set(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s == m.state {
		return false
	}
	m.gen++
	t := Transition{From: m.state, To: s, Generation: m.gen, At: m.now()}
	m.state = s

	// pushing under m.mu keeps every buffer in write order
	for sub := range m.subs {
		sub.push(t)
	}
	return true
}

// Subscribe returns a subscription that sees every transition after this call.
// It ends when ctx is done or Close is called.
func (m *Monitor) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{
		m:      m,
		out:    make(chan Transition),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (m *Monitor) unsubscribe(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

// Subscribers reports the number of live subscriptions
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
