// Package flow defines the transient Flow object: one HTTP/WebSocket
// exchange as it passes through the pipeline, plus the metadata the core
// owns on top of it (matched rules, hits, dirty/aborted flags, paused
// phase, per-message timestamps).
package flow

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase identifies which half of the pipeline a flow is in.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// HitType identifies what kind of artifact produced a Hit.
type HitType string

const (
	HitRule       HitType = "rule"
	HitBreakpoint HitType = "breakpoint"
	HitScript     HitType = "script"
)

// Hit is a structured record that an artifact acted on a flow.
// Deduplicated per (ID, Type).
type Hit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      HitType   `json:"type"`
	Status    string    `json:"status"`
	Phase     Phase     `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// WSFrame is one ordered WebSocket message observed on a flow.
type WSFrame struct {
	Type       string    // "text" or "binary"
	FromClient bool      // direction
	Content    []byte
	Timestamp  time.Time
}

// Request mirrors the pieces of an HTTP request the pipeline can see
// and mutate.
type Request struct {
	Method  string
	URL     string
	Host    string
	Path    string
	Port    int
	Headers http.Header
	Body    []byte
	Started time.Time
	Ended   time.Time
}

// Response mirrors the pieces of an HTTP response the pipeline can see
// and mutate. Nil until the upstream responds or a terminal action
// synthesizes one.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Started    time.Time
	Ended      time.Time
}

// ErrorInfo describes a connection or TLS failure observed for a flow.
type ErrorInfo struct {
	Message   string
	ErrorType string // "connection" or "tls_error"
}

// Flow is owned by exactly one goroutine for the duration of its
// request/response lifecycle; fields outside of Meta are only ever
// touched by that goroutine. Meta is guarded by its own mutex because
// the control channel (a different goroutine, driven by the debug
// manager's resume handler) reads and signals it.
type Flow struct {
	ID         string
	Request    *Request
	Response   *Response
	WebSocket  []WSFrame
	Error      *ErrorInfo
	ClientAddr string
	ServerAddr string

	Meta *Metadata
}

// Metadata is the core-owned, concurrency-guarded state attached to a
// flow: matched rules, hits, dirty/aborted flags, paused phase, and the
// one-shot kill signal used by packet-loss throttling and breakpoint
// abort.
type Metadata struct {
	mu sync.Mutex

	MatchedRules []string // rule IDs, in matched order
	Hits         []Hit
	Dirty        bool
	Aborted      bool
	Terminated   bool
	PausedPhase  Phase // "" when not currently paused
	MsgTS        time.Time

	killOnce sync.Once
	killChan chan struct{}
}

// NewFlow creates a Flow with a fresh stable ID and initialized metadata.
func NewFlow(req *Request, clientAddr string) *Flow {
	return &Flow{
		ID:         uuid.New().String(),
		Request:    req,
		ClientAddr: clientAddr,
		Meta: &Metadata{
			MsgTS:    time.Now(),
			killChan: make(chan struct{}),
		},
	}
}

// Kill cancels the flow. Safe to call more than once and from any
// goroutine; used by the packet-loss throttle action and by breakpoint
// abort.
func (m *Metadata) Kill() {
	m.killOnce.Do(func() { close(m.killChan) })
}

// KillChan returns the channel that closes when Kill is called.
func (m *Metadata) KillChan() <-chan struct{} {
	return m.killChan
}

// TouchMsgTS refreshes the monotonic poll-visibility stamp. Called on
// every material mutation, including per-WebSocket-frame arrivals, so
// that pollers watching msg_ts pick up the delta.
func (m *Metadata) TouchMsgTS() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MsgTS = time.Now()
}

// SetDirty marks the flow as needing re-capture by the capture anchor
// after user scripts (or, here, after the response hook's own mutations)
// have run.
func (m *Metadata) SetDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dirty = true
}

// ClearDirty clears the dirty flag once the anchor has re-synced.
func (m *Metadata) ClearDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dirty = false
}

// IsDirty reports whether the flow needs re-capture.
func (m *Metadata) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Dirty
}

// SetAborted marks the flow as user-aborted (via breakpoint abort),
// so the serialized record shows status 0.
func (m *Metadata) SetAborted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Aborted = true
}

// IsAborted reports the aborted flag.
func (m *Metadata) IsAborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Aborted
}

// SetTerminated marks that a terminal action (block_request, map_local,
// map_remote) has short-circuited the remaining pipeline for this phase.
func (m *Metadata) SetTerminated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Terminated = true
}

// IsTerminated reports the terminal flag.
func (m *Metadata) IsTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Terminated
}

// SetPaused records which phase the flow is currently suspended at, or
// clears it (pass "") on resume.
func (m *Metadata) SetPaused(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PausedPhase = phase
}

// Paused reports whether the flow is currently suspended and at which
// phase.
func (m *Metadata) Paused() (bool, Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PausedPhase != "", m.PausedPhase
}

// RecordHit appends or updates a hit following the deduplication rule:
// an existing (id, type) pair is overwritten only if the new status is
// not "success", or the existing status was "unknown". This asymmetry
// is deliberate and preserved from the source system; see DESIGN.md.
func (m *Metadata) RecordHit(h Hit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}

	for i, existing := range m.Hits {
		if existing.ID == h.ID && existing.Type == h.Type {
			if h.Status != "success" || existing.Status == "unknown" {
				m.Hits[i] = h
				m.Dirty = true
			}
			return
		}
	}

	m.Hits = append(m.Hits, h)
	m.Dirty = true
}

// SnapshotHits returns a copy of the current hits list.
func (m *Metadata) SnapshotHits() []Hit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Hit, len(m.Hits))
	copy(out, m.Hits)
	return out
}

// SetMatchedRules records the matched-rule-id sequence for this flow,
// in match order, for the pipeline to execute against.
func (m *Metadata) SetMatchedRules(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MatchedRules = ids
}

// GetMatchedRules returns the recorded matched-rule-id sequence.
func (m *Metadata) GetMatchedRules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.MatchedRules))
	copy(out, m.MatchedRules)
	return out
}
