package storage

import (
	"context"
	"sync"
)

// Subscription streams query snapshots. Only the latest undelivered snapshot is kept.
type Subscription struct {
	collection string
	query      Query

	mu     sync.Mutex
	closed bool
	ch     chan []*Document
	done   chan struct{}
	remove func(*Subscription)
}

// Snapshots is closed once the subscription is cancelled.
func (s *Subscription) Snapshots() <-chan []*Document {
	return s.ch
}

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	if s.remove != nil {
		s.remove(s)
	}
}

func (s *Subscription) push(docs []*Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- docs
}

type loadFunc func(ctx context.Context, collection string, q Query) ([]*Document, error)

// hub fans out change notifications to the subscriptions of a backend.
type hub struct {
	load loadFunc

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	// serializes load+push so a newer snapshot is never overtaken by an older one
	notifyMu sync.Mutex
}

func newHub(load loadFunc) *hub {
	return &hub{
		load: load,
		subs: make(map[*Subscription]struct{}),
	}
}

func (h *hub) subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	sub := &Subscription{
		collection: collection,
		query:      q,
		ch:         make(chan []*Document, 1),
		done:       make(chan struct{}),
		remove:     h.remove,
	}

	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	docs, err := h.load(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	sub.push(docs)

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// notify refreshes every subscription watching the collection that contains path.
func (h *hub) notify(path string) {
	collection, _, err := splitDocumentPath(path)
	if err != nil {
		return
	}

	h.mu.Lock()
	var targets []*Subscription
	for sub := range h.subs {
		if sub.collection == collection {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	for _, sub := range targets {
		docs, err := h.load(context.Background(), sub.collection, sub.query)
		if err != nil {
			continue
		}
		sub.push(docs)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
