// Package relay captures worker output for a single job: a bounded rolling
// buffer of tagged lines plus best-effort fan-out to live subscribers.
package relay

import (
	"sync"
)

// DefaultCapacity is the rolling buffer size per job.
const DefaultCapacity = 5000

// Line is one captured line of worker output, tagged with its stream origin
// ("stdout" or "stderr").
type Line struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Subscriber receives lines appended after Subscribe was called. C is closed
// on Close or Unsubscribe; lines are dropped rather than delivered late when
// the subscriber buffer is full.
type Subscriber struct {
	C <-chan Line

	ch chan Line
}

type Relay struct {
	mu       sync.Mutex
	capacity int
	buf      []Line
	head     int // index of oldest line once the ring wrapped
	full     bool
	subs     map[*Subscriber]struct{}
	closed   bool
}

func New(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Relay{
		capacity: capacity,
		buf:      make([]Line, 0, capacity),
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Ingest appends the line to the buffer, evicting the oldest line at
// capacity, and delivers it to every current subscriber in arrival order.
// Delivery never blocks: a subscriber whose buffer is full misses the line.
func (r *Relay) Ingest(stream, text string) {
	line := Line{Stream: stream, Text: text}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		r.buf[r.head] = line
		r.head = (r.head + 1) % r.capacity
	} else {
		r.buf = append(r.buf, line)
		if len(r.buf) == r.capacity {
			r.full = true
		}
	}

	for s := range r.subs {
		select {
		case s.ch <- line:
		default:
		}
	}
}

// Snapshot returns the buffered lines, oldest first.
func (r *Relay) Snapshot() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Line, 0, len(r.buf))
	if r.full {
		out = append(out, r.buf[r.head:]...)
		out = append(out, r.buf[:r.head]...)
	} else {
		out = append(out, r.buf...)
	}
	return out
}

// Len reports the number of buffered lines.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Subscribe registers a new live consumer. Only lines ingested after this
// call are delivered. A closed relay hands back an already-closed channel.
func (r *Relay) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)
	s := &Subscriber{C: ch, ch: ch}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return s
	}
	r.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes the consumer and closes its channel. Safe to call at
// any time, including after Close or a second time.
func (r *Relay) Unsubscribe(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; !ok {
		return
	}
	delete(r.subs, s)
	close(s.ch)
}

// Close closes every subscriber channel. The buffer stays readable via
// Snapshot; further Ingest calls still append to it.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		delete(r.subs, s)
		close(s.ch)
	}
}
