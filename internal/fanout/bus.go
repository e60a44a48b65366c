// Package fanout implements the system's single-producer/many-consumer
// byte broadcast: the shell session's producer loop hands each chunk to
// a Bus, which appends it to the in-flight command's buffer and offers
// it to every attached viewer without ever blocking on a slow one.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/schema"
)

// Sink receives raw bytes attributed to the currently in-flight command.
// The registry implements this; the bus holds at most one sink at a time,
// matching the "at most one command running" invariant (I1).
type Sink interface {
	Append(chunk []byte)
}

// Bus fans a single byte stream out to the in-flight command sink and to
// every registered viewer. Grounded on the teacher's internal/eventbus
// (per-subscriber buffered channel, non-blocking send) and
// httpapi/hub.go (per-consumer register/deregister under a short lock),
// extended with the lag-then-disconnect policy spec §4.5 requires.
type Bus struct {
	mu       sync.RWMutex
	viewers  map[schema.ViewerID]*viewerSlot
	sinkMu   sync.Mutex
	sink     Sink
	queueCap int
	lagMax   int
	log      pslog.Logger
}

type viewerSlot struct {
	ch      chan []byte
	dropped int32
	once    sync.Once
}

// New constructs a Bus. queueCap bounds each viewer's outbound buffer;
// lagMax is the number of consecutive dropped frames that disconnects a
// viewer.
func New(queueCap, lagMax int, log pslog.Logger) *Bus {
	if queueCap <= 0 {
		queueCap = 256
	}
	if lagMax <= 0 {
		lagMax = 32
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Bus{
		viewers:  make(map[schema.ViewerID]*viewerSlot),
		queueCap: queueCap,
		lagMax:   lagMax,
		log:      log,
	}
}

// SetSink installs (or clears, with nil) the sink that receives bytes for
// the currently in-flight command.
func (b *Bus) SetSink(sink Sink) {
	b.sinkMu.Lock()
	b.sink = sink
	b.sinkMu.Unlock()
}

// Broadcast delivers chunk to the in-flight sink and to every registered
// viewer. It must only ever be called from the shell session's single
// producer goroutine, which is what gives the bus its ordering guarantee.
func (b *Bus) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.sinkMu.Lock()
	sink := b.sink
	b.sinkMu.Unlock()
	if sink != nil {
		sink.Append(chunk)
	}

	b.mu.RLock()
	slots := make([]struct {
		id   schema.ViewerID
		slot *viewerSlot
	}, 0, len(b.viewers))
	for id, slot := range b.viewers {
		slots = append(slots, struct {
			id   schema.ViewerID
			slot *viewerSlot
		}{id, slot})
	}
	b.mu.RUnlock()

	for _, entry := range slots {
		select {
		case entry.slot.ch <- chunk:
			atomic.StoreInt32(&entry.slot.dropped, 0)
		default:
			n := atomic.AddInt32(&entry.slot.dropped, 1)
			if int(n) >= b.lagMax {
				b.log.Warn("fanout viewer lagging, disconnecting", "viewer", entry.id, "dropped", n)
				b.Unregister(entry.id)
			}
		}
	}
}

// Register attaches a new viewer and returns its outbound channel. No
// backfill: the viewer only sees bytes broadcast after this call returns
// (spec §4.5, §9 "No backfill to new viewers").
func (b *Bus) Register(id schema.ViewerID) <-chan []byte {
	ch := make(chan []byte, b.queueCap)
	slot := &viewerSlot{ch: ch}
	b.mu.Lock()
	b.viewers[id] = slot
	b.mu.Unlock()
	b.log.Debug("fanout viewer registered", "viewer", id)
	return ch
}

// Unregister removes a viewer and closes its channel. Idempotent: calling
// it twice (e.g. once from lag-disconnect and once from explicit detach)
// is safe.
func (b *Bus) Unregister(id schema.ViewerID) {
	b.mu.Lock()
	slot, ok := b.viewers[id]
	if ok {
		delete(b.viewers, id)
	}
	b.mu.Unlock()
	if ok {
		slot.once.Do(func() { close(slot.ch) })
		b.log.Debug("fanout viewer unregistered", "viewer", id)
	}
}

// ViewerCount reports the number of currently attached viewers.
func (b *Bus) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

// Dropped reports the current consecutive-drop count for a viewer, for
// tests and diagnostics.
func (b *Bus) Dropped(id schema.ViewerID) int {
	b.mu.RLock()
	slot, ok := b.viewers[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(atomic.LoadInt32(&slot.dropped))
}

// Close disconnects every viewer, used on shell session teardown so no
// viewer is left believing the stream is still live.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]schema.ViewerID, 0, len(b.viewers))
	for id := range b.viewers {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Unregister(id)
	}
	b.SetSink(nil)
}
