// Package bus is the in-process broadcaster for committed state-change
// events. One process-wide instance fans events out to every live
// subscriber in commit order and keeps a bounded ring of recent events so
// a late-joining observer can resume without a full reload, as long as its
// last-seen sequence number is still retained.
package bus

import "sync"

// DefaultCapacity is the replay ring size used when none is configured.
const DefaultCapacity = 256

// Event is a single committed state change. Seq is assigned by Publish and
// increases monotonically for the life of the process.
type Event struct {
	Seq     int64  `json:"seq"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// GapPayload is the payload of a TopicStreamGap event: the requested resume
// point has been evicted and the subscriber must reload from the ledger.
type GapPayload struct {
	RequestedAfter int64 `json:"requested_after"`
	OldestRetained int64 `json:"oldest_retained"`
}

// Subscription is one observer's cursor into the shared ring. Events arrive
// on Ch in sequence order; the channel is closed by Unsubscribe or when the
// broadcaster shuts down.
type Subscription struct {
	id     int
	cursor int64 // next seq to deliver
	ch     chan Event
	done   chan struct{}
	gone   bool
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Broadcaster is a capacity-bounded, append-only event sequence with
// independent per-subscriber delivery. The ring is the only shared mutable
// structure; a slow subscriber lags by cursor, never by a private queue, so
// it can neither block other subscribers nor grow memory unboundedly. A
// subscriber that lags past eviction receives a gap event instead of
// silently skipping.
type Broadcaster struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf     []Event
	start   int // index of the oldest buffered event
	count   int
	nextSeq int64 // next sequence number to assign; first event is 1

	subs   map[int]*Subscription
	nextID int
	closed bool
}

// New creates a Broadcaster with the given replay capacity.
func New(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Broadcaster{
		buf:     make([]Event, capacity),
		nextSeq: 1,
		subs:    make(map[int]*Subscription),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish assigns the next sequence number, appends the event to the ring
// (evicting the oldest at capacity), and wakes every subscriber pump.
// It returns the assigned sequence number.
func (b *Broadcaster) Publish(topic string, payload any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	ev := Event{Seq: b.nextSeq, Topic: topic, Payload: payload}
	b.nextSeq++

	if b.count == len(b.buf) {
		// Full: overwrite the oldest slot.
		b.buf[b.start] = ev
		b.start = (b.start + 1) % len(b.buf)
	} else {
		b.buf[(b.start+b.count)%len(b.buf)] = ev
		b.count++
	}

	b.cond.Broadcast()
	return ev.Seq
}

// Subscribe registers a new observer. afterSeq < 0 starts live at the tail;
// afterSeq >= 0 resumes after that sequence number, replaying every buffered
// event past it before live delivery. If the resume point has already been
// evicted the first event delivered is a TopicStreamGap notification and
// delivery continues from the oldest retained event.
func (b *Broadcaster) Subscribe(afterSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		ch:   make(chan Event),
		done: make(chan struct{}),
	}
	if afterSeq < 0 {
		sub.cursor = b.nextSeq
	} else {
		sub.cursor = afterSeq + 1
	}
	b.subs[sub.id] = sub
	go b.pump(sub)
	return sub
}

// Unsubscribe removes a subscription; its channel is closed promptly even if
// the consumer stopped reading.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.gone = true
		close(sub.done)
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Close shuts the broadcaster down: all subscriber channels are closed and
// further publishes are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		if !sub.gone {
			sub.gone = true
			close(sub.done)
		}
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Bounds returns the oldest retained and latest assigned sequence numbers.
// Oldest is zero when nothing has been published.
func (b *Broadcaster) Bounds() (oldest, latest int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, b.nextSeq - 1
	}
	return b.buf[b.start].Seq, b.nextSeq - 1
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// pump is the per-subscriber delivery goroutine. It copies due events out of
// the ring under the lock, then sends without it, so one blocked consumer
// never stalls publishers or other subscribers.
func (b *Broadcaster) pump(sub *Subscription) {
	defer close(sub.ch)
	for {
		batch, gap, ok := b.collect(sub)
		if !ok {
			return
		}
		if gap != nil {
			if !sub.send(Event{Topic: TopicStreamGap, Payload: *gap}) {
				return
			}
		}
		for _, ev := range batch {
			if !sub.send(ev) {
				return
			}
		}
	}
}

// collect waits until events past the subscriber's cursor exist, then
// returns them along with a gap notice if the cursor fell behind eviction.
func (b *Broadcaster) collect(sub *Subscription) (batch []Event, gap *GapPayload, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !sub.gone && sub.cursor >= b.nextSeq {
		b.cond.Wait()
	}
	if sub.gone {
		return nil, nil, false
	}

	oldest := b.buf[b.start].Seq
	if sub.cursor < oldest {
		gap = &GapPayload{RequestedAfter: sub.cursor - 1, OldestRetained: oldest}
		sub.cursor = oldest
	}
	for seq := sub.cursor; seq < b.nextSeq; seq++ {
		idx := (b.start + int(seq-oldest)) % len(b.buf)
		batch = append(batch, b.buf[idx])
	}
	sub.cursor = b.nextSeq
	return batch, gap, true
}

func (s *Subscription) send(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}
