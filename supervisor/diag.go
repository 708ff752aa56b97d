package supervisor

import (
	"sync"
	"time"
)

const defaultDiagnosticLines = 500

// Line is one line of engine output.
type Line struct {
	// Seq increases by one for every appended line.
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Diagnostics keeps the most recent engine output lines and fans new lines out to subscribers.
// Subscribers can be added and removed concurrently with writes.
// Unlike a blocking fan-out, a slow subscriber loses lines instead of stalling the writer,
// since a stalled writer would let the engine block on a full pipe.
type Diagnostics struct {
	m     sync.Mutex
	max   int
	seq   uint64
	lines []Line
	subs  map[chan Line]struct{}
}

func NewDiagnostics(max int) *Diagnostics {
	if max <= 0 {
		max = defaultDiagnosticLines
	}
	return &Diagnostics{
		max:  max,
		subs: map[chan Line]struct{}{},
	}
}

func (d *Diagnostics) Append(stream, text string) {
	d.m.Lock()
	defer d.m.Unlock()
	d.seq++
	line := Line{Seq: d.seq, Time: time.Now(), Stream: stream, Text: text}
	if len(d.lines) == d.max {
		copy(d.lines, d.lines[1:])
		d.lines = d.lines[:len(d.lines)-1]
	}
	d.lines = append(d.lines, line)
	for ch := range d.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Recent returns a copy of the buffered lines, oldest first.
func (d *Diagnostics) Recent() []Line {
	d.m.Lock()
	defer d.m.Unlock()
	return append([]Line(nil), d.lines...)
}

// Subscribe returns a channel receiving every line appended from now on, and a func to remove the subscription.
// The channel is closed on removal.
func (d *Diagnostics) Subscribe(buf int) (<-chan Line, func()) {
	ch := make(chan Line, buf)
	d.m.Lock()
	d.subs[ch] = struct{}{}
	d.m.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.m.Lock()
			defer d.m.Unlock()
			delete(d.subs, ch)
			close(ch)
		})
	}
}
