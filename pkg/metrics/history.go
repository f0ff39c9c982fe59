package metrics

// DefaultHistorySize keeps roughly five minutes of one-second snapshots.
const DefaultHistorySize = 300

// History is a bounded, arrival-ordered window of snapshots. When full, the
// oldest entry is evicted. History is not safe for concurrent use; its owner
// serialises access.
type History struct {
	buf   []Snapshot
	start int
	size  int
}

// NewHistory returns an empty history holding at most capacity entries.
// A non-positive capacity selects DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Snapshot, capacity)}
}

// Push appends snap, evicting the oldest entry at capacity.
func (h *History) Push(snap Snapshot) {
	idx := (h.start + h.size) % len(h.buf)
	h.buf[idx] = snap
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// Len reports the number of stored snapshots.
func (h *History) Len() int { return h.size }

// Cap reports the capacity.
func (h *History) Cap() int { return len(h.buf) }

// Latest returns the newest snapshot.
func (h *History) Latest() (Snapshot, bool) {
	if h.size == 0 {
		return Snapshot{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

// Items returns a copy of the snapshots, oldest first.
func (h *History) Items() []Snapshot {
	out := make([]Snapshot, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Reset drops every stored snapshot.
func (h *History) Reset() {
	for i := range h.buf {
		h.buf[i] = Snapshot{}
	}
	h.start, h.size = 0, 0
}
