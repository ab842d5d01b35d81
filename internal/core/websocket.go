package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"siphon/internal/flow"
)

// hopByHopHeaders are stripped before forwarding a WebSocket upgrade
// request upstream; the handshake library sets its own versions of the
// WebSocket-specific ones, and the rest don't carry across a hop.
var hopByHopHeaders = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// IsWebSocketUpgrade reports whether r is a WebSocket handshake request,
// checked before the body is read so the normal HTTP path never
// consumes it.
func IsWebSocketUpgrade(r *http.Request) bool {
	upgrade := r.Header.Get("Upgrade")
	connection := r.Header.Get("Connection")
	return strings.EqualFold(upgrade, "websocket") && strings.Contains(strings.ToLower(connection), "upgrade")
}

// ServeWebSocket handles a WebSocket upgrade request: it runs the
// request-phase rule pipeline exactly like an HTTP flow (so block_request
// and map_local/map_remote still apply to a handshake), then proxies
// frames bidirectionally, appending each to the flow's WebSocket log and
// re-capturing on every message so pollers watching msg_ts see frame
// deltas as they arrive.
func (a *Addon) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if !a.trafficActive.Load() {
		a.forwardWebSocketUnmodified(w, r)
		return
	}

	f, err := a.buildFlow(r)
	if err != nil {
		slog.Error("core: failed to build websocket flow", "error", err)
		http.Error(w, "bad request", http.StatusBadGateway)
		return
	}

	ctx, span := a.Telemetry.StartRequestSpan(r.Context(), f.ID, r.Method, r.URL.Path, true)
	defer span.End()

	if err := a.Engine.HandleRequest(ctx, f); err != nil {
		slog.Error("core: rule engine request phase failed", "flow_id", f.ID, "error", err)
	}

	if f.Meta.IsTerminated() {
		f.Response = &flow.Response{StatusCode: http.StatusForbidden}
		a.writeResponse(w, f)
		a.capture(f)
		return
	}

	upstreamURL := wsURL(r)
	backendConn, _, err := websocket.Dial(ctx, upstreamURL.String(), &websocket.DialOptions{
		HTTPHeader: forwardedHeaders(r.Header),
	})
	if err != nil {
		f.Error = &flow.ErrorInfo{Message: err.Error(), ErrorType: "connection"}
		slog.Warn("core: websocket upstream dial failed", "flow_id", f.ID, "url", upstreamURL.String(), "error", err)
		a.capture(f)
		http.Error(w, "upstream websocket connection failed", http.StatusBadGateway)
		return
	}
	defer backendConn.CloseNow()

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("core: websocket accept failed", "flow_id", f.ID, "error", err)
		return
	}
	defer clientConn.CloseNow()

	f.Response = &flow.Response{StatusCode: http.StatusSwitchingProtocols, Started: time.Now()}

	proxyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go a.forwardWSFrames(proxyCtx, clientConn, backendConn, f, true, cancel, done)
	go a.forwardWSFrames(proxyCtx, backendConn, clientConn, f, false, cancel, done)
	<-done
	<-done

	f.Response.Ended = time.Now()
	a.capture(f)

	a.Telemetry.EndRequestSpan(span, http.StatusSwitchingProtocols, int64(len(f.Request.Body)), wsBytes(f), nil)
}

// forwardWSFrames pumps frames from src to dst, appending each to f's
// WebSocket log and re-capturing the flow so in-flight frame deltas
// become visible to pollers without waiting for the connection to close.
func (a *Addon) forwardWSFrames(ctx context.Context, src, dst *websocket.Conn, f *flow.Flow, fromClient bool, cancel context.CancelFunc, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 && err != io.EOF {
				slog.Debug("core: websocket read error", "flow_id", f.ID, "error", err)
			}
			cancel()
			return
		}

		frameType := "binary"
		if msgType == websocket.MessageText {
			frameType = "text"
		}
		f.WebSocket = append(f.WebSocket, flow.WSFrame{
			Type:       frameType,
			FromClient: fromClient,
			Content:    data,
			Timestamp:  time.Now(),
		})
		f.Meta.TouchMsgTS()
		f.Meta.SetDirty()
		a.capture(f)

		if err := dst.Write(ctx, msgType, data); err != nil {
			if ctx.Err() == nil {
				slog.Debug("core: websocket write error", "flow_id", f.ID, "error", err)
			}
			cancel()
			return
		}
	}
}

// forwardWebSocketUnmodified bypasses the rule/debug pipeline entirely,
// mirroring forwardUnmodified for the traffic_active kill-switch.
func (a *Addon) forwardWebSocketUnmodified(w http.ResponseWriter, r *http.Request) {
	upstreamURL := wsURL(r)
	backendConn, _, err := websocket.Dial(r.Context(), upstreamURL.String(), &websocket.DialOptions{
		HTTPHeader: forwardedHeaders(r.Header),
	})
	if err != nil {
		http.Error(w, "upstream websocket connection failed", http.StatusBadGateway)
		return
	}
	defer backendConn.CloseNow()

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer clientConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{}, 2)
	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			if err := dst.Write(ctx, msgType, data); err != nil {
				cancel()
				return
			}
		}
	}
	go pump(clientConn, backendConn)
	go pump(backendConn, clientConn)
	<-done
	<-done
}

// wsURL rewrites r's URL to a ws/wss target, matching the serialized
// record's own scheme rewrite for WebSocket flows.
func wsURL(r *http.Request) *url.URL {
	u := *r.URL
	if r.TLS != nil {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Host = r.Host
	return &u
}

func forwardedHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for k, vs := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return dst
}

func wsBytes(f *flow.Flow) int64 {
	var n int64
	for _, fr := range f.WebSocket {
		n += int64(len(fr.Content))
	}
	return n
}
