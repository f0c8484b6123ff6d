/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bus implements the C9 event bus and persistence layer: an
// in-memory ring buffer fanning out to subscribers with per-subscriber
// bounded buffering (package chancacher, the same fan-out-one-stream-to-
// many-writers shape an ingest muxer uses), and an append-only on-disk
// log partitioned by day using go.etcd.io/bbolt, in the same bolt-backed
// cache idiom.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenhq/warden/chancacher"
	"github.com/wardenhq/warden/event"
)

// Filter selects which events a subscriber or query call receives (spec
// §4.9 subscribe/query).
type Filter struct {
	Kinds       []event.Kind // nil/empty matches any kind
	MinSeverity event.Severity
	Since       time.Time
}

func (f Filter) matches(ev *event.SecurityEvent) bool {
	if ev.Severity() < f.MinSeverity {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp().Wall.Before(f.Since) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind() {
			return true
		}
	}
	return false
}

const defaultRingSize = 10000

// ring is the fixed-size, drop-oldest-on-full in-memory buffer (default
// 10,000 events).
type ring struct {
	mtx   sync.RWMutex
	buf   []*event.SecurityEvent
	head  int // next write position
	count int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &ring{buf: make([]*event.SecurityEvent, size)}
}

func (r *ring) push(ev *event.SecurityEvent) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns every buffered event oldest-first, optionally filtered.
func (r *ring) snapshot(f Filter) []*event.SecurityEvent {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*event.SecurityEvent, 0, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(start+i)%len(r.buf)]
		if ev != nil && f.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Subscription is a live hot stream from the point of subscription,
// backed by a chancacher.ChanCacher so a slow reader accumulates bounded
// backlog without the publisher ever blocking.
type Subscription struct {
	id     uint64
	filter Filter
	cc     *chancacher.ChanCacher
	lag    uint64
}

// Events returns the channel of delivered events. The channel is closed
// when Unsubscribe is called.
func (s *Subscription) Events() <-chan *event.SecurityEvent {
	out := make(chan *event.SecurityEvent)
	go func() {
		defer close(out)
		for v := range s.cc.Out {
			if ev, ok := v.(*event.SecurityEvent); ok {
				out <- ev
			}
		}
	}()
	return out
}

// Lag reports how many events this subscriber has dropped due to a full
// buffer ("increments a lag counter").
func (s *Subscription) Lag() uint64 { return atomic.LoadUint64(&s.lag) }

const defaultSubscriberDepth = 2048

// Bus is the C9 singleton: a total-ordered publish path, a bounded set of
// live subscribers, and an on-disk Store for durable query.
type Bus struct {
	mtx     sync.Mutex
	ring    *ring
	subs    map[uint64]*Subscription
	nextID  uint64
	seq     uint64
	store   *Store // nil if persistence is disabled
}

func New(ringSize int, store *Store) *Bus {
	return &Bus{
		ring:  newRing(ringSize),
		subs:  make(map[uint64]*Subscription),
		store: store,
	}
}

// Publish appends ev to the ring, persists it (if a Store is attached),
// and fans it out to every subscriber without ever blocking: a
// total-ordered append that wakes subscribers.
func (b *Bus) Publish(ev *event.SecurityEvent) {
	// b.mtx is held for the whole append and fan-out so concurrent
	// publishers are serialized: every subscriber sees the same order.
	// Every step below is non-blocking, so the lock is held only briefly.
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.seq++

	b.ring.push(ev)
	if b.store != nil {
		b.store.enqueue(ev)
	}

	for _, s := range b.subs {
		if !s.filter.matches(ev) {
			continue
		}
		select {
		case s.cc.In <- ev:
		default:
			// subscriber's buffer is saturated: drop this event for this
			// subscriber only and count the lag, per backpressure rule.
			// The bus itself never blocks.
			atomic.AddUint64(&s.lag, 1)
		}
	}
}

// Subscribe registers a new live subscriber, optionally backfilling the
// current ring contents that match filter before live events arrive. The
// ring stands in for the full persistence log for the hot-backfill case; a
// caller needing older history should use Query instead.
func (b *Bus) Subscribe(filter Filter, backfill bool) *Subscription {
	cc := chancacher.NewChanCacher(defaultSubscriberDepth)

	b.mtx.Lock()
	b.nextID++
	sub := &Subscription{id: b.nextID, filter: filter, cc: cc}
	b.subs[sub.id] = sub
	b.mtx.Unlock()

	if backfill {
		for _, ev := range b.ring.snapshot(filter) {
			select {
			case cc.In <- ev:
			default:
				atomic.AddUint64(&sub.lag, 1)
			}
		}
	}
	return sub
}

// Unsubscribe removes a subscriber and releases its buffer.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mtx.Lock()
	delete(b.subs, sub.id)
	b.mtx.Unlock()
	close(sub.cc.In)
}

// RingSnapshot returns the ring's current matching contents, oldest
// first -- used by the RPC `GET events` surface for the hot-path case
// that doesn't need the on-disk index.
func (b *Bus) RingSnapshot(filter Filter) []*event.SecurityEvent {
	return b.ring.snapshot(filter)
}

// SubscriberCount reports the number of live subscribers (telemetry hook).
func (b *Bus) SubscriberCount() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.subs)
}
