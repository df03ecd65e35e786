package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event is one observation of a record. Data is nil when the record is
// absent or was deleted; consumers treat that as "no state", never as
// a transition of its own.
type Event struct {
	Key  string
	Data []byte
}

// Watch is an owned single-record subscription. The current value is
// delivered first, then every change in the order the key was written.
// A Watch must be detached when the state machine that needed it moves
// on, and always before the same record is deleted.
type Watch struct {
	key    string
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *Client) Watch(ctx context.Context, key string) (*Watch, error) {
	ps := c.rdb.Subscribe(ctx, chgChan(key))
	// Force the subscription onto the wire before the snapshot read so
	// no write can slip between the two.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	w := &Watch{
		key:    key,
		ps:     ps,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	raw, found, err := c.Get(ctx, key)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	go w.run(snapshot(key, raw, found))
	return w, nil
}

func snapshot(key string, raw []byte, found bool) Event {
	if !found {
		return Event{Key: key}
	}
	return Event{Key: key, Data: raw}
}

func (w *Watch) run(first Event) {
	defer close(w.events)
	if !w.send(first) {
		return
	}
	for msg := range w.ps.Channel() {
		ev := Event{Key: w.key}
		if msg.Payload != "" {
			ev.Data = []byte(msg.Payload)
		}
		if !w.send(ev) {
			return
		}
	}
}

func (w *Watch) send(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

// Events yields observations until Detach. The channel closes after
// detach; stale callbacks can therefore never fire.
func (w *Watch) Events() <-chan Event { return w.events }

// Detach ends the subscription. Idempotent.
func (w *Watch) Detach() {
	w.once.Do(func() {
		close(w.done)
		_ = w.ps.Close()
	})
}

// ChildWatch is an owned query subscription: it yields each child key
// of an index exactly once, starting with the members that already
// existed when the watch attached.
type ChildWatch struct {
	index string
	ps    *redis.PubSub
	keys  chan string
	done  chan struct{}
	once  sync.Once
}

func (c *Client) WatchChildren(ctx context.Context, index string) (*ChildWatch, error) {
	ps := c.rdb.Subscribe(ctx, addChan(index))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	backlog, err := c.ListIndex(ctx, index)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	cw := &ChildWatch{
		index: index,
		ps:    ps,
		keys:  make(chan string, 16),
		done:  make(chan struct{}),
	}
	go cw.run(backlog)
	return cw, nil
}

func (cw *ChildWatch) run(backlog []string) {
	defer close(cw.keys)
	seen := make(map[string]struct{}, len(backlog))
	for _, k := range backlog {
		seen[k] = struct{}{}
		if !cw.send(k) {
			return
		}
	}
	for msg := range cw.ps.Channel() {
		k := msg.Payload
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if !cw.send(k) {
			return
		}
	}
}

func (cw *ChildWatch) send(key string) bool {
	select {
	case cw.keys <- key:
		return true
	case <-cw.done:
		return false
	}
}

// Keys yields child keys until Detach; the channel closes after.
func (cw *ChildWatch) Keys() <-chan string { return cw.keys }

// Detach ends the subscription. Idempotent.
func (cw *ChildWatch) Detach() {
	cw.once.Do(func() {
		close(cw.done)
		_ = cw.ps.Close()
	})
}
