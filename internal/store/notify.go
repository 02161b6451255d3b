package store

import "sync"

// notifier fans out persisted-state change notifications to
// subscribers. Each subscriber owns its own buffered channel, so no
// in-process cache is shared between consumers that could go stale
// relative to one another. Sends are non-blocking: a subscriber that
// falls behind misses intermediate changes, which is acceptable because
// every consumer re-reads the store on delivery rather than trusting
// the notification payload.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

type subscription struct {
	ch    chan Change
	kinds map[ChangeKind]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel that receives a Change after every
// successful commit touching one of the given kinds. Passing no kinds
// subscribes to everything. The returned cancel function releases the
// subscription and closes the channel.
func (s *Store) Subscribe(kinds ...ChangeKind) (<-chan Change, func()) {
	return s.notifier.subscribe(kinds...)
}

func (n *notifier) subscribe(kinds ...ChangeKind) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{ch: make(chan Change, 16)}
	if len(kinds) > 0 {
		sub.kinds = make(map[ChangeKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	if n.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

func (n *notifier) emit(kind ChangeKind) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	for _, sub := range n.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- Change{Kind: kind}:
		default:
			// Subscriber buffer full; it will re-read on the next delivery.
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
