package schedsync

import (
	"sync"
	"time"
)

const (
	defaultRingSize         = 128
	defaultSubscriberBuffer = 32
)

// Subscriber is one connected UI client's view of the notification stream.
// Events arrive on C in publish order; when the client falls behind the
// buffer, the oldest undelivered events are dropped (these are status pings,
// not an audit trail).
type Subscriber struct {
	C chan NotificationEvent
}

// Broadcaster fans out NotificationEvents to connected UI clients and keeps
// a short ring buffer so late joiners can replay events fired moments before
// they connected.
type Broadcaster struct {
	mu        sync.Mutex
	ring      []NotificationEvent
	ringSize  int
	nextSeq   uint64
	subs      map[*Subscriber]struct{}
	subBuffer int
	now       func() time.Time
}

func NewBroadcaster(ringSize, subscriberBuffer int) *Broadcaster {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		ring:      make([]NotificationEvent, 0, ringSize),
		ringSize:  ringSize,
		nextSeq:   1,
		subs:      map[*Subscriber]struct{}{},
		subBuffer: subscriberBuffer,
		now:       time.Now,
	}
}

// Publish assigns the next sequence number, records the event in the ring
// buffer, and delivers it to every current subscriber without blocking on
// any of them.
func (b *Broadcaster) Publish(evt NotificationEvent) NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	evt.Seq = b.nextSeq
	b.nextSeq++
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	if len(b.ring) == b.ringSize {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = evt
	} else {
		b.ring = append(b.ring, evt)
	}

	for sub := range b.subs {
		deliver(sub.C, evt)
	}
	return evt
}

// deliver sends without blocking; on a full channel it drops the oldest
// buffered event to make room.
func deliver(ch chan NotificationEvent, evt NotificationEvent) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// Subscribe registers a new client. Buffered events with Seq greater than
// lastSeenSeq are replayed into the subscriber channel in order before any
// live event, so a client reconnecting with its last-seen id receives
// exactly the missed events with no duplicates.
func (b *Broadcaster) Subscribe(lastSeenSeq uint64) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := make([]NotificationEvent, 0)
	for _, evt := range b.ring {
		if evt.Seq > lastSeenSeq {
			replay = append(replay, evt)
		}
	}

	buffer := b.subBuffer
	if len(replay) > buffer {
		buffer = len(replay)
	}
	sub := &Subscriber{C: make(chan NotificationEvent, buffer)}
	for _, evt := range replay {
		sub.C <- evt
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the client; its channel stops receiving events.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// SubscriberCount reports the number of connected clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSeq returns the most recently assigned sequence number.
func (b *Broadcaster) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}
