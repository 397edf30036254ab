package plcman

import (
	"bytes"
	"sync"
)

// Watcher receives a TagValue for every change of the watched tags. It
// registers one callback handle on each tag; the callback only copies and
// queues, so a slow consumer never stalls a scanner.
type Watcher struct {
	C <-chan TagValue

	ch       chan TagValue
	handle   *CallbackHandle
	onlyDiff bool

	mu     sync.Mutex
	last   map[*TagInfo]lastSeen
	tags   []*TagInfo
	closed bool
}

type lastSeen struct {
	valid   bool
	writing bool
	raw     []byte
}

// Watch attaches a watcher to every tag registered so far. When
// changesOnly is set, updates that repeat the last seen value are not
// queued. When the queue is full the oldest entry is dropped.
func (r *Registry) Watch(size int, changesOnly bool) *Watcher {
	if size <= 0 {
		size = 100
	}
	w := &Watcher{
		ch:       make(chan TagValue, size),
		onlyDiff: changesOnly,
		last:     make(map[*TagInfo]lastSeen),
	}
	w.C = w.ch
	w.handle = NewCallbackHandle(w.push)
	for _, c := range r.Controllers() {
		for _, t := range c.Tags() {
			w.Add(t)
		}
	}
	return w
}

// Add watches one more tag.
func (w *Watcher) Add(t *TagInfo) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.tags = append(w.tags, t)
	w.mu.Unlock()
	t.Attach(w.handle)
}

// push runs as a tag callback.
func (w *Watcher) push(v TagView) {
	seen := lastSeen{valid: v.Valid(), writing: v.Writing(), raw: v.Bytes()}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if w.onlyDiff {
		prev, ok := w.last[v.t]
		if ok && prev.valid == seen.valid && prev.writing == seen.writing && bytes.Equal(prev.raw, seen.raw) {
			w.mu.Unlock()
			return
		}
		seen.raw = append([]byte(nil), seen.raw...)
		w.last[v.t] = seen
	}
	w.mu.Unlock()

	tv := v.Snapshot()
	select {
	case w.ch <- tv:
	default:
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- tv:
		default:
		}
	}
}

// Close detaches the watcher from its tags. C is not closed, since a
// scanner may still be inside a callback.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	tags := w.tags
	w.tags = nil
	w.mu.Unlock()
	for _, t := range tags {
		t.RemoveCallback(w.handle)
	}
}
