package monitor

import "sync"

// maxBufferSize bounds the in-memory poll buffer; the oldest record is
// evicted once the buffer is full.
const maxBufferSize = 1000

// RingBuffer is a bounded FIFO of records, safe for concurrent use by
// the flow-producing goroutines and the polling control API goroutine.
type RingBuffer struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int // id -> index into records, for Upsert's in-place updates
}

// NewRingBuffer constructs an empty buffer.
func NewRingBuffer() *RingBuffer {
	return &RingBuffer{byID: map[string]int{}}
}

// Append adds a record, evicting the oldest if the buffer is full.
func (b *RingBuffer) Append(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= maxBufferSize {
		b.records = b.records[1:]
		b.reindex()
	}
	b.records = append(b.records, r)
	b.byID[r.ID] = len(b.records) - 1
}

// reindex rebuilds byID after a slice shift; cheap relative to the
// capped buffer size.
func (b *RingBuffer) reindex() {
	for id := range b.byID {
		delete(b.byID, id)
	}
	for i, r := range b.records {
		b.byID[r.ID] = i
	}
}

// Upsert replaces the record for r.ID if present, otherwise appends it.
// Used by the capture anchor to re-persist a flow's final state after
// response-phase mutation.
func (b *RingBuffer) Upsert(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.byID[r.ID]; ok && idx < len(b.records) {
		b.records[idx] = r
		return
	}
	if len(b.records) >= maxBufferSize {
		b.records = b.records[1:]
		b.reindex()
	}
	b.records = append(b.records, r)
	b.byID[r.ID] = len(b.records) - 1
}

// Since returns every record with MsgTS strictly after ts, in buffer
// order, for the poll endpoint's incremental fetch.
func (b *RingBuffer) Since(ts int64) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range b.records {
		if r.MsgTS.UnixNano() > ts {
			out = append(out, r)
		}
	}
	return out
}

// All returns every buffered record.
func (b *RingBuffer) All() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Len reports the current buffer size.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
