// Package debug implements breakpoint registration and the cooperative
// suspend/resume protocol: a flow's own goroutine blocks on a one-shot
// channel at a breakpoint, and the control API's resume handler — running
// on a different goroutine — signals that channel with the operator's
// chosen modifications.
package debug

import (
	"strings"
	"sync"
	"time"

	"siphon/internal/flow"
)

// Breakpoint is a single registered interception point.
type Breakpoint struct {
	ID        string `json:"id"`
	Pattern   string `json:"pattern"`
	MatchType string `json:"matchType"` // exact, contains, regex
	Phase     flow.Phase `json:"phase"`   // "" matches both
	Enabled   bool   `json:"enabled"`
}

// Modifications is what the control API supplies to resume a suspended
// flow: either Abort (kill it outright) or a set of overrides to apply
// before letting it continue.
type Modifications struct {
	Abort           bool
	RequestHeaders  map[string][]string
	RequestBody     []byte
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	StatusCode      int
}

// intercepted is the bookkeeping kept for one currently-suspended flow.
type intercepted struct {
	flow    *flow.Flow
	phase   flow.Phase
	rule    string
	resume  chan Modifications
	resumed sync.Once
}

// Manager owns the breakpoint list and the set of currently-suspended
// flows. Safe for concurrent use: the flow's own goroutine calls
// WaitForResume while the control API's goroutine calls Resume.
type Manager struct {
	mu          sync.RWMutex
	breakpoints []*Breakpoint
	waiting     map[string]*intercepted

	onPause func(flowID string, bp *Breakpoint)
}

// NewManager constructs an empty breakpoint manager.
func NewManager() *Manager {
	return &Manager{waiting: map[string]*intercepted{}}
}

// SetOnPause installs a callback invoked whenever a flow suspends at a
// breakpoint, so the monitor can push a poll-visible notification.
func (m *Manager) SetOnPause(fn func(flowID string, bp *Breakpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPause = fn
}

// AddBreakpoint registers or replaces (by ID) a breakpoint.
func (m *Manager) AddBreakpoint(bp Breakpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.breakpoints {
		if existing.ID == bp.ID {
			m.breakpoints[i] = &bp
			return
		}
	}
	m.breakpoints = append(m.breakpoints, &bp)
}

// RemoveBreakpoint removes a breakpoint by ID, falling back to removing
// by exact pattern match if no breakpoint has that ID (the control API
// accepts either form).
func (m *Manager) RemoveBreakpoint(idOrPattern string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, bp := range m.breakpoints {
		if bp.ID == idOrPattern {
			m.breakpoints = append(m.breakpoints[:i], m.breakpoints[i+1:]...)
			return true
		}
	}
	for i, bp := range m.breakpoints {
		if bp.Pattern == idOrPattern {
			m.breakpoints = append(m.breakpoints[:i], m.breakpoints[i+1:]...)
			return true
		}
	}
	return false
}

// ClearBreakpoints removes every registered breakpoint.
func (m *Manager) ClearBreakpoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints = nil
}

// ListBreakpoints returns a copy of the current breakpoint list.
func (m *Manager) ListBreakpoints() []Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Breakpoint, len(m.breakpoints))
	for i, bp := range m.breakpoints {
		out[i] = *bp
	}
	return out
}

func matchURL(bp *Breakpoint, url string) bool {
	switch bp.MatchType {
	case "exact":
		return url == bp.Pattern
	case "regex":
		// Patterns are compiled on first use rather than at
		// registration, which keeps AddBreakpoint simple; compileCached
		// keeps each compiled pattern for later checks.
		re, err := compileCached(bp.Pattern)
		return err == nil && re.MatchString(url)
	default: // contains
		return strings.Contains(url, bp.Pattern)
	}
}

// ShouldIntercept reports whether url at phase should suspend, and which
// breakpoint triggered it. The reserved control-channel prefix never
// intercepts, matching the source system's guard against the debugger
// trapping its own control traffic.
func (m *Manager) ShouldIntercept(url string, phase flow.Phase) (*Breakpoint, bool) {
	if strings.HasPrefix(url, "/_relay") || strings.Contains(url, "/_relay") {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bp := range m.breakpoints {
		if !bp.Enabled {
			continue
		}
		if bp.Phase != "" && bp.Phase != phase {
			continue
		}
		if matchURL(bp, url) {
			return bp, true
		}
	}
	return nil, false
}

// WaitForResume suspends the calling goroutine until the control API
// resumes f, or ctx-equivalent cancellation via f's own kill channel
// fires first. It always deregisters the flow on return, even if the
// caller gives up early. The returned bool is false if the flow was
// killed rather than resumed.
func (m *Manager) WaitForResume(f *flow.Flow, phase flow.Phase, bp *Breakpoint) (Modifications, bool) {
	ic := &intercepted{flow: f, phase: phase, rule: bp.ID, resume: make(chan Modifications, 1)}

	m.mu.Lock()
	m.waiting[f.ID] = ic
	onPause := m.onPause
	m.mu.Unlock()

	f.Meta.SetPaused(phase)
	f.Meta.RecordHit(flow.Hit{ID: bp.ID, Name: bp.Pattern, Type: flow.HitBreakpoint, Status: "success", Phase: phase, Timestamp: time.Now()})

	if onPause != nil {
		onPause(f.ID, bp)
	}

	defer func() {
		m.mu.Lock()
		delete(m.waiting, f.ID)
		m.mu.Unlock()
		f.Meta.SetPaused("")
	}()

	select {
	case mods := <-ic.resume:
		return mods, true
	case <-f.Meta.KillChan():
		return Modifications{}, false
	}
}

// Resume signals a suspended flow with the operator's modifications.
// Safe to call from any goroutine; idempotent per flow (a second call
// for an already-resumed or no-longer-waiting flow is a no-op and
// returns false).
func (m *Manager) Resume(flowID string, mods Modifications) bool {
	m.mu.RLock()
	ic, ok := m.waiting[flowID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	sent := false
	ic.resumed.Do(func() {
		ic.resume <- mods
		sent = true
	})
	return sent
}

// ApplyModifications mutates f per mods, following the recorded pause
// phase: request-phase overrides touch f.Request, response-phase
// overrides touch f.Response. Abort kills the flow instead.
func ApplyModifications(f *flow.Flow, phase flow.Phase, mods Modifications) {
	if mods.Abort {
		f.Meta.SetAborted()
		f.Meta.Kill()
		return
	}

	switch phase {
	case flow.PhaseRequest:
		if f.Request == nil {
			return
		}
		for k, vs := range mods.RequestHeaders {
			f.Request.Headers[k] = vs
		}
		if mods.RequestBody != nil {
			f.Request.Body = mods.RequestBody
		}
	case flow.PhaseResponse:
		if f.Response == nil {
			return
		}
		for k, vs := range mods.ResponseHeaders {
			f.Response.Headers[k] = vs
		}
		if mods.ResponseBody != nil {
			f.Response.Body = mods.ResponseBody
		}
		if mods.StatusCode != 0 {
			f.Response.StatusCode = mods.StatusCode
		}
	}
}

// PendingCount returns the number of flows currently suspended, for
// health/metrics reporting.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.waiting)
}
