// Package core dispatches intercepted traffic through the rule engine,
// debug manager, and traffic monitor in the fixed order: request rules,
// breakpoint check, forward upstream, response rules, breakpoint check,
// capture. It is the Go equivalent of the mitmproxy addon's hook
// dispatch, adapted to an explicit net/http RoundTrip instead of
// mitmproxy's asyncio event hooks.
package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"siphon/internal/debug"
	"siphon/internal/flow"
	"siphon/internal/flowdb"
	"siphon/internal/monitor"
	"siphon/internal/redaction"
	"siphon/internal/rules"
	"siphon/internal/telemetry"
)

// internalHost is always treated as internal regardless of path, for
// clients that address the control channel by a friendly hostname
// instead of by the listener's own address.
const internalHost = "relay.guide"

// Addon wires the rule engine, debug manager, traffic monitor, and flow
// database together behind a single http.Handler.
type Addon struct {
	Engine    *rules.Engine
	Debug     *debug.Manager
	Buffer    *monitor.RingBuffer
	FlowDB    *flowdb.DB
	Telemetry *telemetry.Provider
	Redactor  redaction.Redactor

	Transport *http.Transport
	ListenPort int

	sessionID string

	trafficActive atomic.Bool
}

// NewAddon constructs a dispatcher with sensible pooled-transport
// defaults; callers may replace Transport before serving traffic.
func NewAddon(engine *rules.Engine, dbg *debug.Manager, buffer *monitor.RingBuffer, db *flowdb.DB, tp *telemetry.Provider) *Addon {
	if engine != nil && tp != nil {
		engine.Tracer = tp
	}
	a := &Addon{
		Engine: engine,
		Debug:  dbg,
		Buffer: buffer,
		FlowDB: db,
		Telemetry: tp,
		sessionID: uuid.New().String(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	a.trafficActive.Store(true)
	return a
}

// SetTrafficActive implements the traffic_active kill-switch: when
// false, every non-internal request is forwarded untouched, bypassing
// the rule engine and debug manager entirely.
func (a *Addon) SetTrafficActive(active bool) {
	a.trafficActive.Store(active)
}

// IsTrafficActive reports the current kill-switch state, so the control
// handler's /_relay/traffic GET endpoint reflects the dispatcher's real
// enforcement state instead of tracking its own copy.
func (a *Addon) IsTrafficActive() bool {
	return a.trafficActive.Load()
}

// RoundTrip implements rules.RoundTripper so the action executor's
// map_remote can redispatch a request through the same pooled transport
// the dispatcher itself uses.
func (a *Addon) RoundTrip(req *flow.Request) (*flow.Response, error) {
	httpReq, err := toHTTPRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.Transport.RoundTrip(httpReq)
	if err != nil {
		return nil, err
	}
	return fromHTTPResponse(resp)
}

// IsInternalRequest reports whether r should bypass the rule/debug
// pipeline entirely: the control channel's own paths, the CA cert
// endpoints, the relay.guide hostname, or a loopback request to this
// process's own listen port hitting the root path.
func (a *Addon) IsInternalRequest(r *http.Request) bool {
	host, port := r.Host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	if host == internalHost {
		return true
	}
	if monitor.IsInternalPath(r.URL.Path) {
		return true
	}
	if isLoopback(host) && a.ListenPort != 0 && port == fmt.Sprint(a.ListenPort) && r.URL.Path == "/" {
		return true
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ServeHTTP is the main entry point: every proxied request that arrives
// on the listener, as plain HTTP or over the listener's own TLS, passes
// through here.
func (a *Addon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.IsInternalRequest(r) {
		http.NotFound(w, r)
		return
	}

	if !a.trafficActive.Load() {
		a.forwardUnmodified(w, r)
		return
	}

	f, err := a.buildFlow(r)
	if err != nil {
		slog.Error("core: failed to build flow", "error", err)
		http.Error(w, "bad request", http.StatusBadGateway)
		return
	}

	ctx, span := a.Telemetry.StartRequestSpan(r.Context(), f.ID, r.Method, r.URL.Path, false)
	defer span.End()

	if err := a.Engine.HandleRequest(ctx, f); err != nil {
		slog.Error("core: rule engine request phase failed", "flow_id", f.ID, "error", err)
	}

	if bp, ok := a.Debug.ShouldIntercept(f.Request.URL, flow.PhaseRequest); ok {
		mods, resumed := a.Debug.WaitForResume(f, flow.PhaseRequest, bp)
		if !resumed {
			a.finishKilled(w, f)
			return
		}
		debug.ApplyModifications(f, flow.PhaseRequest, mods)
		if f.Meta.IsAborted() {
			a.finishKilled(w, f)
			return
		}
	}

	if !f.Meta.IsTerminated() {
		a.forward(ctx, f)
	}

	a.Engine.HandleResponse(ctx, f)

	if bp, ok := a.Debug.ShouldIntercept(f.Request.URL, flow.PhaseResponse); ok && f.Response != nil {
		mods, resumed := a.Debug.WaitForResume(f, flow.PhaseResponse, bp)
		if !resumed {
			a.finishKilled(w, f)
			return
		}
		debug.ApplyModifications(f, flow.PhaseResponse, mods)
		if f.Meta.IsAborted() {
			a.finishKilled(w, f)
			return
		}
	}

	a.writeResponse(w, f)
	a.capture(f)

	status := 0
	if f.Response != nil {
		status = f.Response.StatusCode
	}
	a.Telemetry.EndRequestSpan(span, status, int64(len(f.Request.Body)), responseBodyLen(f), nil)
}

func responseBodyLen(f *flow.Flow) int64 {
	if f.Response == nil {
		return 0
	}
	return int64(len(f.Response.Body))
}

// buildFlow reads the full request body (required so rewrite_body and
// map_local/map_remote can act on it) and constructs a Flow.
func (a *Addon) buildFlow(r *http.Request) (*flow.Flow, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	port := 80
	if r.TLS != nil {
		port = 443
	}

	req := &flow.Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Host:    r.Host,
		Path:    r.URL.Path,
		Port:    port,
		Headers: r.Header.Clone(),
		Body:    body,
		Started: time.Now(),
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	f := flow.NewFlow(req, r.RemoteAddr)
	return f, nil
}

// forward sends f.Request upstream via the pooled transport and fills
// in f.Response, unless a terminal action has already synthesized one.
func (a *Addon) forward(ctx context.Context, f *flow.Flow) {
	httpReq, err := toHTTPRequest(f.Request)
	if err != nil {
		f.Error = &flow.ErrorInfo{Message: err.Error(), ErrorType: "connection"}
		return
	}
	httpReq = httpReq.WithContext(ctx)

	resp, err := a.Transport.RoundTrip(httpReq)
	if err != nil {
		if isClientDisconnect(err) {
			// Suppressed: the client hung up before the upstream could
			// respond, which is routine for aborted/streaming requests,
			// not a failure worth surfacing as a flow error.
			return
		}
		f.Error = &flow.ErrorInfo{Message: err.Error(), ErrorType: "connection"}
		slog.Warn("core: upstream request failed", "flow_id", f.ID, "error", err)
		return
	}

	out, err := fromHTTPResponse(resp)
	if err != nil {
		f.Error = &flow.ErrorInfo{Message: err.Error(), ErrorType: "connection"}
		return
	}
	out.Started = f.Request.Started
	out.Ended = time.Now()
	f.Response = out
}

func isClientDisconnect(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "context canceled")
}

func toHTTPRequest(req *flow.Request) (*http.Request, error) {
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Headers.Clone()
	httpReq.Host = req.Host
	httpReq.ContentLength = int64(len(req.Body))
	return httpReq, nil
}

func fromHTTPResponse(resp *http.Response) (*flow.Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &flow.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (a *Addon) writeResponse(w http.ResponseWriter, f *flow.Flow) {
	if f.Response == nil {
		if f.Error != nil {
			http.Error(w, f.Error.Message, http.StatusBadGateway)
		} else {
			http.Error(w, "no response", http.StatusBadGateway)
		}
		return
	}
	for k, vs := range f.Response.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(f.Response.StatusCode)
	w.Write(f.Response.Body)
}

func (a *Addon) finishKilled(w http.ResponseWriter, f *flow.Flow) {
	http.Error(w, "flow terminated", http.StatusServiceUnavailable)
	a.capture(f)
}

// forwardUnmodified bypasses the rule/debug pipeline entirely, for when
// the traffic_active kill-switch is off.
func (a *Addon) forwardUnmodified(w http.ResponseWriter, r *http.Request) {
	r.RequestURI = ""
	resp, err := a.Transport.RoundTrip(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// capture serializes f into a poll record, stores it to the flow
// database, and appends it to the ring buffer. If the flow is dirty
// (mutated after the first capture, e.g. by a response-phase rule), a
// subsequent call re-syncs the same record, matching the capture-anchor
// pattern.
func (a *Addon) capture(f *flow.Flow) {
	rec := monitor.ProcessFlow(f, a.Debug)
	a.Buffer.Upsert(rec)

	if a.FlowDB != nil {
		if err := a.FlowDB.StoreFlow(a.sessionID, f); err != nil {
			slog.Error("core: failed to persist flow", "flow_id", f.ID, "error", err)
		}
	}

	if a.Redactor != nil && slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		a.logRedactedDebug(f)
	}

	f.Meta.ClearDirty()
}

// logRedactedDebug emits a debug-level log line with the flow's bodies
// passed through the configured redactor first, so verbose logging never
// leaks PII or secrets even when DEBUG level is enabled.
func (a *Addon) logRedactedDebug(f *flow.Flow) {
	reqBody := a.Redactor.Redact(string(f.Request.Body))
	var respBody string
	if f.Response != nil {
		respBody = a.Redactor.Redact(string(f.Response.Body))
	}
	slog.Debug("core: flow captured",
		"flow_id", f.ID,
		"method", f.Request.Method,
		"url", f.Request.URL,
		"request_body", reqBody,
		"response_body", respBody,
	)
}

// HandleTLSFailure synthesizes a virtual record for a TLS handshake
// failure observed by the TLS listener, before any flow object for the
// intended request could exist.
func (a *Addon) HandleTLSFailure(sni, message, clientAddr string) {
	rec := monitor.ProcessTLSError(uuid.New().String(), sni, message, clientAddr)
	a.Buffer.Upsert(rec)
}
