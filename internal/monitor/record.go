// Package monitor serializes flows into poll-visible records, keeps the
// bounded in-memory ring buffer the control channel polls from, and
// implements the /_relay/* control endpoints: poll, breakpoints, resume,
// cert, and the traffic_active kill-switch.
package monitor

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"siphon/internal/debug"
	"siphon/internal/flow"
)

// maxBodyChars bounds how much of a text body is embedded in a poll
// record: a text body longer than this many bytes is cut to it and the
// record's BodyTruncated flag is set. Bodies embedded as base64 (binary)
// are not cut.
const maxBodyChars = 100000

// binaryPrefixes are magic-byte signatures checked before falling back
// to content-type heuristics, so a mislabeled image still decodes as
// binary instead of producing garbage UTF-8.
var binaryPrefixes = [][]byte{
	{0xFF, 0xD8, 0xFF},     // JPEG
	{0x89, 'P', 'N', 'G'},  // PNG
	{'G', 'I', 'F', '8'},   // GIF
	{0x1F, 0x8B},           // gzip
	{'P', 'K', 0x03, 0x04}, // zip
}

// WSFrameRecord is one serialized WebSocket frame for the record.
type WSFrameRecord struct {
	Type       string    `json:"type"`
	FromClient bool      `json:"fromClient"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Length     int       `json:"length"`
}

// Timing captures the request's total duration, from request start to
// response end, in milliseconds; zero until a response has ended.
type Timing struct {
	TotalMs int64 `json:"totalMs"`
}

// Record is the fully serialized, poll-visible representation of a flow.
type Record struct {
	ID             string            `json:"id"`
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url"`
	Host           string            `json:"host,omitempty"`
	StatusCode     int               `json:"statusCode"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody    string            `json:"requestBody,omitempty"`
	ResponseBody   string            `json:"responseBody,omitempty"`
	BodyTruncated  bool              `json:"bodyTruncated,omitempty"`
	Timing         Timing            `json:"timing"`
	ClientAddr     string            `json:"clientAddr,omitempty"`
	ServerAddr     string            `json:"serverAddr,omitempty"`
	Hits           []flow.Hit        `json:"hits,omitempty"`
	WebSocket      []WSFrameRecord   `json:"webSocket,omitempty"`
	Error          *flow.ErrorInfo   `json:"error,omitempty"`
	Paused         bool              `json:"paused,omitempty"`
	PausedPhase    flow.Phase        `json:"pausedPhase,omitempty"`
	IsWebSocket    bool              `json:"isWebSocket,omitempty"`
	MsgTS          time.Time         `json:"-"`
}

// decodeContent returns a poll-safe string representation of body: UTF-8
// text when it looks like text, base64 otherwise. Magic bytes are
// checked first; Content-Type is only consulted as a secondary signal.
func decodeContent(body []byte, contentType string) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	for _, prefix := range binaryPrefixes {
		if len(body) >= len(prefix) && hasPrefix(body, prefix) {
			return base64.StdEncoding.EncodeToString(body), true
		}
	}
	if strings.Contains(contentType, "image/") || strings.Contains(contentType, "audio/") ||
		strings.Contains(contentType, "video/") || strings.Contains(contentType, "application/octet-stream") {
		return base64.StdEncoding.EncodeToString(body), true
	}
	if isValidUTF8Text(body) {
		return truncate(string(body)), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

func hasPrefix(b, prefix []byte) bool {
	for i, p := range prefix {
		if p == 0x00 {
			continue // wildcard byte in a loose signature
		}
		if b[i] != p {
			return false
		}
	}
	return true
}

func isValidUTF8Text(b []byte) bool {
	for _, r := range string(b) {
		if r == 0xFFFD {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= maxBodyChars {
		return s
	}
	return s[:maxBodyChars]
}

func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// ProcessFlow serializes f into a poll-visible Record. dbg is consulted
// to report whether the flow is currently paused at a breakpoint.
func ProcessFlow(f *flow.Flow, dbg *debug.Manager) Record {
	rec := Record{
		ID:         f.ID,
		ClientAddr: f.ClientAddr,
		ServerAddr: f.ServerAddr,
		MsgTS:      f.Meta.MsgTS,
	}

	if f.Request != nil {
		rec.Method = f.Request.Method
		rec.URL = f.Request.URL
		rec.Host = f.Request.Host
		rec.RequestHeaders = flatten(f.Request.Headers)
		ct := ""
		if f.Request.Headers != nil {
			ct = f.Request.Headers.Get("Content-Type")
		}
		body, binary := decodeContent(f.Request.Body, ct)
		rec.RequestBody = body
		if !binary && len(f.Request.Body) > maxBodyChars {
			rec.BodyTruncated = true
		}
	}

	if f.Response != nil {
		rec.StatusCode = f.Response.StatusCode
		rec.ResponseHeaders = flatten(f.Response.Headers)
		ct := ""
		if f.Response.Headers != nil {
			ct = f.Response.Headers.Get("Content-Type")
		}
		body, binary := decodeContent(f.Response.Body, ct)
		rec.ResponseBody = body
		if !binary && len(f.Response.Body) > maxBodyChars {
			rec.BodyTruncated = true
		}
		if !f.Response.Ended.IsZero() && !f.Request.Started.IsZero() {
			rec.Timing.TotalMs = f.Response.Ended.Sub(f.Request.Started).Milliseconds()
		}
	}

	if f.Meta.IsTerminated() && f.Response == nil {
		rec.StatusCode = 0
	}

	if len(f.WebSocket) > 0 {
		rec.IsWebSocket = true
		rec.URL = strings.Replace(rec.URL, "http://", "ws://", 1)
		rec.URL = strings.Replace(rec.URL, "https://", "wss://", 1)
		rec.StatusCode = 101
		frames := f.WebSocket
		if len(frames) > 100 {
			frames = frames[len(frames)-100:]
		}
		for _, fr := range frames {
			content, _ := decodeContent(fr.Content, "")
			rec.WebSocket = append(rec.WebSocket, WSFrameRecord{
				Type:       fr.Type,
				FromClient: fr.FromClient,
				Content:    content,
				Timestamp:  fr.Timestamp,
				Length:     len(fr.Content),
			})
		}
	}

	if f.Meta.IsAborted() {
		rec.StatusCode = 0
	}

	if f.Error != nil {
		rec.Error = f.Error
		if f.Meta.IsTerminated() {
			rec.StatusCode = 0
		}
	}

	rec.Hits = f.Meta.SnapshotHits()
	if dbg != nil {
		if paused, phase := f.Meta.Paused(); paused {
			rec.Paused = true
			rec.PausedPhase = phase
		}
	}

	return rec
}

// ProcessTLSError synthesizes a virtual record for a TLS handshake
// failure observed by the TLS listener, before any flow object would
// normally exist.
func ProcessTLSError(id, sni, message string, clientAddr string) Record {
	return Record{
		ID:         id,
		Host:       sni,
		URL:        "https://" + sni,
		ClientAddr: clientAddr,
		StatusCode: 0,
		Error: &flow.ErrorInfo{
			Message:   message,
			ErrorType: "tls_error",
		},
		MsgTS: time.Now(),
	}
}
