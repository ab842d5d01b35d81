package flowdb

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"siphon/internal/flow"
)

// IndexRow is the lightweight, list-friendly projection of a flow,
// matching flow_indices.
type IndexRow struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Host         string    `json:"host"`
	StatusCode   int       `json:"statusCode"`
	IsWebSocket  bool      `json:"isWebSocket"`
	ClientAddr   string    `json:"clientAddr"`
	ServerAddr   string    `json:"serverAddr"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	MatchedRules []string  `json:"matchedRules"`
}

// Detail is the full, on-demand projection of a flow, joining
// flow_details and both tiers of flow_bodies.
type Detail struct {
	IndexRow
	RequestHeaders  http.Header `json:"requestHeaders"`
	ResponseHeaders http.Header `json:"responseHeaders"`
	Hits            []flow.Hit  `json:"hits"`
	WebSocketFrames []flow.WSFrame
	ErrorMessage    string `json:"errorMessage,omitempty"`
	ErrorType       string `json:"errorType,omitempty"`
	RequestBody     []byte `json:"-"`
	ResponseBody    []byte `json:"-"`
}

// StoreFlow persists one completed flow, running under the write lock so
// concurrent response hooks don't interleave SQLite writers (see DB's
// doc comment on writeMu).
func (d *DB) StoreFlow(sessionID string, f *flow.Flow) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return withRetry(func() error {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := d.insertIndex(tx, sessionID, f); err != nil {
			return err
		}
		if err := d.insertDetail(tx, f); err != nil {
			return err
		}
		if f.Request != nil {
			if err := d.insertBody(tx, f.ID, "request", f.Request.Body); err != nil {
				return err
			}
		}
		if f.Response != nil {
			if err := d.insertBody(tx, f.ID, "response", f.Response.Body); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// StoreFlowsBatch persists many flows in one transaction, so a burst of
// traffic doesn't pay one fsync per flow. The capture path itself stores
// flows one at a time through StoreFlow.
func (d *DB) StoreFlowsBatch(sessionID string, flows []*flow.Flow) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return withRetry(func() error {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, f := range flows {
			if err := d.insertIndex(tx, sessionID, f); err != nil {
				return err
			}
			if err := d.insertDetail(tx, f); err != nil {
				return err
			}
			if f.Request != nil {
				if err := d.insertBody(tx, f.ID, "request", f.Request.Body); err != nil {
					return err
				}
			}
			if f.Response != nil {
				if err := d.insertBody(tx, f.ID, "response", f.Response.Body); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
}

func (d *DB) insertIndex(tx *sql.Tx, sessionID string, f *flow.Flow) error {
	var method, url, host string
	var started, ended time.Time
	if f.Request != nil {
		method, url, host = f.Request.Method, f.Request.URL, f.Request.Host
		started = f.Request.Started
	}
	status := 0
	if f.Response != nil {
		status = f.Response.StatusCode
		ended = f.Response.Ended
	}
	rulesJSON, _ := json.Marshal(f.Meta.GetMatchedRules())

	if _, err := tx.Exec(`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`, sessionID, time.Now()); err != nil {
		return err
	}

	_, err := tx.Exec(`
		INSERT INTO flow_indices (id, session_id, method, url, host, status_code, is_websocket, client_addr, server_addr, started_at, ended_at, matched_rules)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status_code=excluded.status_code, ended_at=excluded.ended_at, matched_rules=excluded.matched_rules`,
		f.ID, sessionID, method, url, host, status, boolToInt(len(f.WebSocket) > 0), f.ClientAddr, f.ServerAddr, started, nullTime(ended), string(rulesJSON),
	)
	return err
}

func (d *DB) insertDetail(tx *sql.Tx, f *flow.Flow) error {
	reqHeaders, respHeaders := "", ""
	if f.Request != nil {
		b, _ := json.Marshal(f.Request.Headers)
		reqHeaders = string(b)
	}
	if f.Response != nil {
		b, _ := json.Marshal(f.Response.Headers)
		respHeaders = string(b)
	}
	hitsJSON, _ := json.Marshal(f.Meta.SnapshotHits())
	wsJSON, _ := json.Marshal(f.WebSocket)

	errMsg, errType := "", ""
	if f.Error != nil {
		errMsg, errType = f.Error.Message, f.Error.ErrorType
	}

	_, err := tx.Exec(`
		INSERT INTO flow_details (flow_id, request_headers, response_headers, hits, websocket_frames, error_message, error_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET response_headers=excluded.response_headers, hits=excluded.hits, websocket_frames=excluded.websocket_frames, error_message=excluded.error_message, error_type=excluded.error_type`,
		f.ID, reqHeaders, respHeaders, string(hitsJSON), string(wsJSON), errMsg, errType,
	)
	return err
}

// insertBody tiers body by size: inline under TierInlineMax, gzip blob
// under TierBlobMax, gzip external file under TierExternalMax, else
// skipped with only the original size recorded.
func (d *DB) insertBody(tx *sql.Tx, flowID, kind string, body []byte) error {
	size := len(body)

	switch {
	case size < TierInlineMax:
		_, err := tx.Exec(`
			INSERT INTO flow_bodies (flow_id, kind, tier, content, original_size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(flow_id, kind) DO UPDATE SET tier=excluded.tier, content=excluded.content, original_size=excluded.original_size`,
			flowID, kind, string(TierInline), body, size)
		return err

	case size < TierBlobMax:
		compressed, err := gzipBytes(body)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO flow_bodies (flow_id, kind, tier, content, original_size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(flow_id, kind) DO UPDATE SET tier=excluded.tier, content=excluded.content, original_size=excluded.original_size`,
			flowID, kind, string(TierBlob), compressed, size)
		return err

	case size < TierExternalMax:
		compressed, err := gzipBytes(body)
		if err != nil {
			return err
		}
		path, err := d.writeBodyFile(flowID, kind, compressed)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO flow_bodies (flow_id, kind, tier, file_path, original_size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(flow_id, kind) DO UPDATE SET tier=excluded.tier, file_path=excluded.file_path, original_size=excluded.original_size`,
			flowID, kind, string(TierExternal), path, size)
		return err

	default:
		_, err := tx.Exec(`
			INSERT INTO flow_bodies (flow_id, kind, tier, original_size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(flow_id, kind) DO UPDATE SET tier=excluded.tier, original_size=excluded.original_size`,
			flowID, kind, string(TierSkipped), size)
		return err
	}
}

func (d *DB) writeBodyFile(flowID, kind string, compressed []byte) (string, error) {
	if err := os.MkdirAll(d.bodyDir, 0o755); err != nil {
		return "", fmt.Errorf("flowdb: create body dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.gz", flowID, kind)
	path := filepath.Join(d.bodyDir, name)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", fmt.Errorf("flowdb: write body file: %w", err)
	}
	return path, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetIndices returns index rows for sessionID, most recent first, with
// an optional host filter.
func (d *DB) GetIndices(sessionID string, host string, limit, offset int) ([]IndexRow, error) {
	query := `SELECT id, session_id, method, url, host, status_code, is_websocket, client_addr, server_addr, started_at, ended_at, matched_rules FROM flow_indices WHERE session_id = ?`
	args := []any{sessionID}
	if host != "" {
		query += " AND host = ?"
		args = append(args, host)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		var ended sql.NullTime
		var rulesJSON string
		var isWS int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Method, &r.URL, &r.Host, &r.StatusCode, &isWS, &r.ClientAddr, &r.ServerAddr, &r.StartedAt, &ended, &rulesJSON); err != nil {
			return nil, err
		}
		r.IsWebSocket = isWS != 0
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		json.Unmarshal([]byte(rulesJSON), &r.MatchedRules)
		out = append(out, r)
	}
	return out, nil
}

// GetDetail loads the full record for one flow, decompressing/reading
// back whichever body tier was used at store time.
func (d *DB) GetDetail(flowID string) (*Detail, error) {
	row := d.db.QueryRow(`SELECT id, session_id, method, url, host, status_code, is_websocket, client_addr, server_addr, started_at, ended_at, matched_rules FROM flow_indices WHERE id = ?`, flowID)
	var det Detail
	var ended sql.NullTime
	var rulesJSON string
	var isWS int
	if err := row.Scan(&det.ID, &det.SessionID, &det.Method, &det.URL, &det.Host, &det.StatusCode, &isWS, &det.ClientAddr, &det.ServerAddr, &det.StartedAt, &ended, &rulesJSON); err != nil {
		return nil, err
	}
	det.IsWebSocket = isWS != 0
	if ended.Valid {
		det.EndedAt = ended.Time
	}
	json.Unmarshal([]byte(rulesJSON), &det.MatchedRules)

	detailRow := d.db.QueryRow(`SELECT request_headers, response_headers, hits, websocket_frames, error_message, error_type FROM flow_details WHERE flow_id = ?`, flowID)
	var reqH, respH, hitsJSON, wsJSON, errMsg, errType string
	if err := detailRow.Scan(&reqH, &respH, &hitsJSON, &wsJSON, &errMsg, &errType); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	json.Unmarshal([]byte(reqH), &det.RequestHeaders)
	json.Unmarshal([]byte(respH), &det.ResponseHeaders)
	json.Unmarshal([]byte(hitsJSON), &det.Hits)
	json.Unmarshal([]byte(wsJSON), &det.WebSocketFrames)
	det.ErrorMessage, det.ErrorType = errMsg, errType

	bodies, err := d.db.Query(`SELECT kind, tier, content, file_path FROM flow_bodies WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, err
	}
	defer bodies.Close()
	for bodies.Next() {
		var kind, tier string
		var content []byte
		var filePath sql.NullString
		if err := bodies.Scan(&kind, &tier, &content, &filePath); err != nil {
			return nil, err
		}
		body, err := d.readBody(BodyTier(tier), content, filePath.String)
		if err != nil {
			return nil, err
		}
		if kind == "request" {
			det.RequestBody = body
		} else {
			det.ResponseBody = body
		}
	}

	return &det, nil
}

func (d *DB) readBody(tier BodyTier, content []byte, filePath string) ([]byte, error) {
	switch tier {
	case TierInline:
		return content, nil
	case TierBlob:
		return gunzipBytes(content)
	case TierExternal:
		compressed, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("flowdb: read body file: %w", err)
		}
		return gunzipBytes(compressed)
	default: // skipped
		return nil, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// withRetry retries fn up to 3 times on "database is locked"/busy
// errors, with a short backoff; WAL mode plus the 30s busy_timeout
// pragma make this a rare path, reserved for the brief window during
// VACUUM where even busy_timeout can't help because VACUUM holds an
// exclusive lock outright.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "locked") && !strings.Contains(err.Error(), "busy") {
			return err
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}
