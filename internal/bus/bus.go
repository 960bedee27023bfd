// Package bus is the append-only, job scoped event stream consumed by
// external log viewers. Publishing never blocks: a slow or absent consumer
// loses events, it never back-pressures the executor.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// subscriberBuffer bounds each subscriber channel.
	subscriberBuffer = 256
	// replayLimit bounds how much history a late subscriber still sees.
	replayLimit = 128
	// doneLimit bounds how many terminal job ids are remembered. A daemon
	// completes jobs forever; evicting the oldest ids keeps the set flat,
	// at the cost that a publish for a long-gone job is no longer
	// discarded. Executors stop publishing before marking a job done, so
	// that only matters to misbehaving callers.
	doneLimit = 1024
)

// Event is one structured record on a job's log stream.
type Event struct {
	JobID   string
	Time    time.Time
	Level   slog.Level
	Message string
	Fields  map[string]any
}

type subscriber struct {
	jobID string // empty matches every job
	ch    chan Event
}

// Bus fans events out to subscribers, keeping a bounded replay buffer per
// job so a consumer attaching mid-run still sees recent history.
type Bus struct {
	mx        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	replay    map[string][]Event
	done      map[string]bool
	doneOrder []string // completion order, for doneLimit eviction
	closed    bool
}

func New() *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		replay: make(map[string][]Event),
		done:   make(map[string]bool),
	}
}

// Publish delivers ev to every matching subscriber without ever blocking.
// When a subscriber buffer is full its oldest event is dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed || b.done[ev.JobID] {
		return
	}

	hist := append(b.replay[ev.JobID], ev)
	if len(hist) > replayLimit {
		hist = hist[len(hist)-replayLimit:]
	}
	b.replay[ev.JobID] = hist

	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		send(sub.ch, ev)
	}
}

// Emit is a Publish shorthand.
func (b *Bus) Emit(jobID string, level slog.Level, msg string, fields map[string]any) {
	b.Publish(Event{JobID: jobID, Level: level, Message: msg, Fields: fields})
}

func send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	// Full buffer: drop the oldest, then retry once. Another consumer read
	// may have raced in between, so the retry stays non-blocking.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Subscribe returns a stream of events for jobID, or for all jobs when
// jobID is empty. Recent history is replayed first. The channel closes
// when the job completes and buffered events are drained, or when the
// returned cancel function is called. The sequence is not restartable.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mx.Lock()
	defer b.mx.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if jobID != "" {
		for _, ev := range b.replay[jobID] {
			send(ch, ev)
		}
		if b.done[jobID] || b.closed {
			close(ch)
			return ch, func() {}
		}
	} else if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{jobID: jobID, ch: ch}

	cancel := func() {
		b.mx.Lock()
		defer b.mx.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Complete marks jobID terminal: its subscribers are closed once their
// buffered events drain and its replay history is released. Further
// publishes for the job are discarded.
func (b *Bus) Complete(jobID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed || b.done[jobID] {
		return
	}
	b.done[jobID] = true
	b.doneOrder = append(b.doneOrder, jobID)
	if len(b.doneOrder) > doneLimit {
		delete(b.done, b.doneOrder[0])
		b.doneOrder = b.doneOrder[1:]
	}
	delete(b.replay, jobID)
	for id, sub := range b.subs {
		if sub.jobID == jobID {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Close shuts the bus down, closing every subscriber.
func (b *Bus) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.replay = nil
}
