package syncq

import (
	"sync"
)

// Notification is the status event delivered to UI subscribers. One
// terminal notification (succeeded, failed, or cancelled) is emitted per
// op; intermediate transitions may repeat.
type Notification struct {
	OpID       string         `json:"op_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Status     Status         `json:"status"`
	Kind       string         `json:"kind,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Remote     map[string]any `json:"remote,omitempty"`
	Error      *ErrorSummary  `json:"error,omitempty"`
}

// notifier fans notifications out to subscribers without loss: each
// subscriber owns an unbounded buffer drained by its own goroutine, so a
// slow consumer delays only itself and drops nothing.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	buf    []Notification
	signal chan struct{}
	out    chan Notification
	done   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscriber)}
}

func (n *notifier) subscribe() (<-chan Notification, func()) {
	sub := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Notification),
		done:   make(chan struct{}),
	}
	go sub.drain()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(sub.done)
		return sub.out, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = sub
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

func (n *notifier) publish(ev Notification) {
	n.mu.Lock()
	for _, sub := range n.subs {
		sub.push(ev)
	}
	n.mu.Unlock()
}

func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[int]*subscriber)
	n.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}

func (s *subscriber) push(ev Notification) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				close(s.out)
				return
			}
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
