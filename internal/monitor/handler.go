package monitor

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"siphon/internal/debug"
)

// Handler serves the reserved /_relay control channel: poll, breakpoint
// management, resume, and CA certificate download. cmd/siphond's root
// handler routes paths that IsInternalPath accepts here, ahead of the
// proxy's normal request handling.
type Handler struct {
	buffer *RingBuffer
	dbg    *debug.Manager

	caCertDER []byte
	caCertPEM []byte

	mux *http.ServeMux

	onResume        func(flowID string, mods debug.Modifications)
	getTrafficState func() bool
	setTrafficState func(active bool)
	mu              sync.Mutex
}

// NewHandler constructs a control-channel handler. caCert may be nil if
// the host process hasn't supplied a CA (the /cert endpoint then 404s).
// The traffic_active kill-switch is owned by internal/core's Addon, not
// this handler; wire it with SetTrafficState before serving traffic.
func NewHandler(buffer *RingBuffer, dbg *debug.Manager, caCert *tls.Certificate) *Handler {
	h := &Handler{buffer: buffer, dbg: dbg, mux: http.NewServeMux()}

	if caCert != nil && len(caCert.Certificate) > 0 {
		h.caCertDER = caCert.Certificate[0]
		if cert, err := x509.ParseCertificate(h.caCertDER); err == nil {
			h.caCertPEM = pemEncodeCert(cert.Raw)
		}
	}

	h.mux.HandleFunc("/_relay/poll", h.handlePoll)
	h.mux.HandleFunc("/_relay/breakpoints", h.handleBreakpoints)
	h.mux.HandleFunc("/_relay/resume", h.handleResume)
	h.mux.HandleFunc("/_relay/traffic", h.handleTraffic)
	h.mux.HandleFunc("/cert", h.handleCert)
	h.mux.HandleFunc("/cert.pem", h.handleCert)
	h.mux.HandleFunc("/cert.crt", h.handleCert)

	return h
}

// SetOnResume installs the callback invoked after a resume request is
// validated; cmd/siphond uses it to relay the resume to distributed
// peers through the Redis relay.
func (h *Handler) SetOnResume(fn func(flowID string, mods debug.Modifications)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResume = fn
}

// SetTrafficState wires the handler's /_relay/traffic endpoint to the
// Addon's actual kill-switch state.
func (h *Handler) SetTrafficState(get func() bool, set func(active bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getTrafficState = get
	h.setTrafficState = set
}

// IsInternalPath reports whether path is served by this handler, so
// internal/core's is-internal-request check can short-circuit before
// the rule engine ever sees the request.
func IsInternalPath(path string) bool {
	return strings.HasPrefix(path, "/_relay") ||
		path == "/cert" || path == "/cert.pem" || path == "/cert.crt"
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = n
		}
	}
	records := h.buffer.Since(since)
	writeJSON(w, http.StatusOK, map[string]any{"flows": records, "count": len(records)})
}

func (h *Handler) handleBreakpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"breakpoints": h.dbg.ListBreakpoints()})
	case http.MethodPost:
		var bp debug.Breakpoint
		if err := json.NewDecoder(r.Body).Decode(&bp); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		bp.Enabled = true
		h.dbg.AddBreakpoint(bp)
		writeJSON(w, http.StatusOK, map[string]string{"status": "added", "id": bp.ID})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "clear" || id == "" {
			h.dbg.ClearBreakpoints()
			writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
			return
		}
		if h.dbg.RemoveBreakpoint(id) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
		} else {
			http.Error(w, "breakpoint not found", http.StatusNotFound)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type resumeRequest struct {
	FlowID          string              `json:"flowId"`
	Abort           bool                `json:"abort"`
	RequestHeaders  map[string][]string `json:"requestHeaders"`
	RequestBody     string              `json:"requestBody"`
	ResponseHeaders map[string][]string `json:"responseHeaders"`
	ResponseBody    string              `json:"responseBody"`
	StatusCode      int                 `json:"statusCode"`
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.FlowID == "" {
		http.Error(w, "flowId required", http.StatusBadRequest)
		return
	}

	mods := debug.Modifications{
		Abort:           req.Abort,
		RequestHeaders:  req.RequestHeaders,
		ResponseHeaders: req.ResponseHeaders,
		StatusCode:      req.StatusCode,
	}
	if req.RequestBody != "" {
		mods.RequestBody = []byte(req.RequestBody)
	}
	if req.ResponseBody != "" {
		mods.ResponseBody = []byte(req.ResponseBody)
	}

	ok := h.dbg.Resume(req.FlowID, mods)

	h.mu.Lock()
	onResume := h.onResume
	h.mu.Unlock()
	if onResume != nil {
		onResume(req.FlowID, mods)
	}

	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "flowId": req.FlowID})
	} else {
		http.Error(w, "flow not found or not suspended", http.StatusNotFound)
	}
}

// handleTraffic serves the supplemental traffic_active kill-switch
// endpoint: GET reports state, POST {"active": bool} sets it.
func (h *Handler) handleTraffic(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	get, set := h.getTrafficState, h.setTrafficState
	h.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		active := true
		if get != nil {
			active = get()
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	case http.MethodPost:
		var body struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if set != nil {
			set(body.Active)
		}
		slog.Info("traffic_active changed", "active", body.Active)
		writeJSON(w, http.StatusOK, map[string]bool{"active": body.Active})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCert(w http.ResponseWriter, r *http.Request) {
	if h.caCertPEM == nil {
		http.Error(w, "no CA certificate configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="siphon-ca.pem"`)
	w.WriteHeader(http.StatusOK)
	w.Write(h.caCertPEM)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("monitor: failed to encode response", "error", err)
	}
}

func pemEncodeCert(der []byte) []byte {
	return []byte("-----BEGIN CERTIFICATE-----\n" + chunk76(der) + "-----END CERTIFICATE-----\n")
}

// chunk76 base64-encodes der and line-wraps it at 76 characters, the
// conventional PEM line width.
func chunk76(der []byte) string {
	encoded := base64.StdEncoding.EncodeToString(der)
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
		sb.WriteByte('\n')
	}
	return sb.String()
}
