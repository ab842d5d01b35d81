package flowdb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"siphon/internal/redaction"
)

// harEntry is the subset of the HAR 1.2 "entries" schema this export
// path populates; HAR consumers ignore fields they don't recognize, so
// this is a valid (if partial) HAR file.
type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            int64       `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	PostData    *harContent `json:"postData,omitempty"`
}

type harResponse struct {
	Status      int         `json:"status"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	Content     harContent  `json:"content"`
}

type harContent struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harFile struct {
	Log harLog `json:"log"`
}

// ExportFormat selects the on-disk export shape.
type ExportFormat string

const (
	FormatNative ExportFormat = "native"
	FormatHAR    ExportFormat = "har"
)

// NativeRecord is the export shape for FormatNative: a Detail's index
// metadata, headers, bodies and error fields, with bodies decoded and
// redaction-scrubbed. Hits and WebSocket frames are not included.
type NativeRecord struct {
	IndexRow
	RequestHeaders  http.Header `json:"requestHeaders"`
	ResponseHeaders http.Header `json:"responseHeaders"`
	RequestBody     string      `json:"requestBody,omitempty"`
	ResponseBody    string      `json:"responseBody,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	ErrorType       string      `json:"errorType,omitempty"`
}

// ExportToWriter writes every flow in sessionID to w in the requested
// format, reading the session from the database page by page. The
// native format writes each record as soon as it is read; the HAR format
// collects every entry in memory and encodes the whole file at the end,
// and leaves WebSocket flows out. redactor may be nil to export
// unredacted.
func (d *DB) ExportToWriter(w io.Writer, sessionID string, format ExportFormat, redactor redaction.Redactor) error {
	const pageSize = 200
	offset := 0

	switch format {
	case FormatHAR:
		return d.exportHAR(w, sessionID, redactor, pageSize)
	default:
		return d.exportNative(w, sessionID, redactor, pageSize, offset)
	}
}

func (d *DB) exportNative(w io.Writer, sessionID string, redactor redaction.Redactor, pageSize, offset int) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}
	first := true
	for {
		rows, err := d.GetIndices(sessionID, "", pageSize, offset)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			det, err := d.GetDetail(row.ID)
			if err != nil {
				return fmt.Errorf("flowdb: export detail %s: %w", row.ID, err)
			}
			rec := toNativeRecord(det, redactor)
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			if !first {
				if _, err := io.WriteString(w, ",\n"); err != nil {
					return err
				}
			}
			first = false
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
		offset += pageSize
	}
	_, err := io.WriteString(w, "\n]\n")
	return err
}

func toNativeRecord(det *Detail, redactor redaction.Redactor) NativeRecord {
	reqBody := redactBody(det.RequestBody, redactor)
	respBody := redactBody(det.ResponseBody, redactor)
	return NativeRecord{
		IndexRow:        det.IndexRow,
		RequestHeaders:  det.RequestHeaders,
		ResponseHeaders: det.ResponseHeaders,
		RequestBody:     reqBody,
		ResponseBody:    respBody,
		ErrorMessage:    det.ErrorMessage,
		ErrorType:       det.ErrorType,
	}
}

func redactBody(body []byte, redactor redaction.Redactor) string {
	if len(body) == 0 {
		return ""
	}
	text := string(body)
	if redactor != nil {
		text = redactor.Redact(text)
	}
	if !isPrintableText(text) {
		return base64.StdEncoding.EncodeToString([]byte(text))
	}
	return text
}

func isPrintableText(s string) bool {
	for _, r := range s {
		if r == 0xFFFD {
			return false
		}
	}
	return true
}

func (d *DB) exportHAR(w io.Writer, sessionID string, redactor redaction.Redactor, pageSize int) error {
	log := harLog{Version: "1.2", Creator: harCreator{Name: "siphon", Version: "1.0"}}

	offset := 0
	for {
		rows, err := d.GetIndices(sessionID, "", pageSize, offset)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.IsWebSocket {
				continue // HAR has no first-class WebSocket entry shape
			}
			det, err := d.GetDetail(row.ID)
			if err != nil {
				return err
			}
			log.Entries = append(log.Entries, toHAREntry(det, redactor))
		}
		offset += pageSize
	}

	return json.NewEncoder(w).Encode(harFile{Log: log})
}

func toHAREntry(det *Detail, redactor redaction.Redactor) harEntry {
	reqBody := redactBody(det.RequestBody, redactor)
	respBody := redactBody(det.ResponseBody, redactor)

	entry := harEntry{
		StartedDateTime: det.StartedAt.Format(time.RFC3339),
		Time:            det.EndedAt.Sub(det.StartedAt).Milliseconds(),
		Request: harRequest{
			Method:      det.Method,
			URL:         det.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     toHARHeaders(det.RequestHeaders),
		},
		Response: harResponse{
			Status:      det.StatusCode,
			HTTPVersion: "HTTP/1.1",
			Headers:     toHARHeaders(det.ResponseHeaders),
			Content:     harContent{MimeType: det.ResponseHeaders.Get("Content-Type"), Text: respBody},
		},
	}
	if reqBody != "" {
		entry.Request.PostData = &harContent{MimeType: det.RequestHeaders.Get("Content-Type"), Text: reqBody}
	}
	return entry
}

func toHARHeaders(h http.Header) []harHeader {
	var out []harHeader
	for k, vs := range h {
		out = append(out, harHeader{Name: k, Value: strings.Join(vs, ", ")})
	}
	return out
}
