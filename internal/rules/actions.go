package rules

import (
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"siphon/internal/flow"
	"siphon/internal/mimeutil"
)

// expandRef matches a $N or \N capture-group reference in a rule's
// replacement template; toGoExpand rewrites each one into Go's ${N}
// form, so a reference followed by letters or digits stays unambiguous.
var expandRef = regexp.MustCompile(`[$\\](\d+)`)

func toGoExpand(tmpl string) []byte {
	return []byte(expandRef.ReplaceAllString(tmpl, `$${$1}`))
}

// Executor applies a rule's action list to a flow at a single phase.
// Transport is the outbound round-tripper used by map_remote redispatch;
// callers share one Executor (and therefore one pooled transport) across
// all rules.
type Executor struct {
	Transport RoundTripper
}

// RoundTripper is the subset of http.RoundTripper the executor needs;
// defined locally so this package doesn't have to import net/http just
// for the interface.
type RoundTripper interface {
	RoundTrip(req *flow.Request) (*flow.Response, error)
}

// Outcome reports what a single action did, for hit recording.
type Outcome struct {
	Status     string // "success", "error", "file_not_found", "blocked", "killed"
	Message    string
	Terminal   bool // true if remaining actions in this phase must be skipped
	StopEngine bool // true if remaining rules must be skipped (Execution.StopOnMatch)
}

// Apply executes one action against f at the given phase. The caller is
// responsible for only invoking request-target actions during
// PhaseRequest and response-target ones during PhaseResponse, per the
// pipeline's fixed ordering.
func (e *Executor) Apply(act *Action, f *flow.Flow, phase flow.Phase, r *Rule) Outcome {
	switch act.Type {
	case "block_request":
		return e.applyBlockRequest(f)
	case "map_local":
		return e.applyMapLocal(act, f)
	case "map_remote":
		return e.applyMapRemote(act, f, r)
	case "rewrite_header":
		return e.applyRewriteHeader(act, f, phase)
	case "rewrite_body":
		return e.applyRewriteBody(act, f, phase)
	case "throttle":
		if phase == flow.PhaseResponse {
			return e.applyThrottleResponse(act, f)
		}
		return e.applyThrottleRequest(act, f)
	default:
		return Outcome{Status: "error", Message: fmt.Sprintf("unknown action type %q", act.Type)}
	}
}

func (e *Executor) applyBlockRequest(f *flow.Flow) Outcome {
	f.Response = &flow.Response{
		StatusCode: 403,
		Headers:    map[string][]string{"Content-Type": {"text/plain"}},
		Body:       []byte("blocked by rule"),
	}
	f.Meta.SetTerminated()
	return Outcome{Status: "blocked", Terminal: true}
}

// applyMapLocal serves a canned response from either inline content
// ("manual") or a file on disk ("file"). An empty localPath is treated
// as a status-only mock (no body). A missing file records a
// file_not_found hit and leaves Response nil so the request falls
// through to the network, matching the source system's behavior of
// treating a bad mapping as a non-fatal miss rather than an error. A
// "file" source with no explicit contentType gets one detected from the
// file's extension via mimeutil.
func (e *Executor) applyMapLocal(act *Action, f *flow.Flow) Outcome {
	status := act.StatusCode
	if status == 0 {
		status = 200
	}
	headers := map[string][]string{}
	if act.ContentType != "" {
		headers["Content-Type"] = []string{act.ContentType}
	}
	applyHeaderConfig(act.Headers, headers, nil)

	switch act.Source {
	case "manual":
		f.Response = &flow.Response{StatusCode: status, Headers: headers, Body: []byte(act.Content)}
	case "file":
		if act.LocalPath == "" {
			f.Response = &flow.Response{StatusCode: status, Headers: headers}
			f.Meta.SetTerminated()
			return Outcome{Status: "success", Terminal: true}
		}
		body, err := os.ReadFile(act.LocalPath)
		if err != nil {
			f.Meta.RecordHit(flow.Hit{Status: "file_not_found", Message: act.LocalPath})
			return Outcome{Status: "file_not_found", Message: err.Error()}
		}
		if act.ContentType == "" {
			headers["Content-Type"] = []string{mimeutil.ByExtension(act.LocalPath)}
		}
		f.Response = &flow.Response{StatusCode: status, Headers: headers, Body: body}
	default:
		f.Response = &flow.Response{StatusCode: status, Headers: headers}
	}

	f.Meta.SetTerminated()
	return Outcome{Status: "success", Terminal: true}
}

// applyMapRemote rewrites the request's destination before it is
// forwarded upstream. Two modes: if targetUrl contains a $N or \N
// capture-group reference, it is treated as a regex substitution
// against the rule's matched URL; otherwise targetUrl's host/scheme/port
// replace the request's. With preservePath set, targetUrl's path is
// prefixed to the original path; without it, targetUrl's path replaces
// the original one, which is kept when targetUrl carries no path.
func (e *Executor) applyMapRemote(act *Action, f *flow.Flow, r *Rule) Outcome {
	isSubstitution := expandRef.MatchString(act.TargetURL)

	if isSubstitution {
		re, err := regexp.Compile(matchedURLPattern(f, r))
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		newURL := re.ReplaceAll([]byte(f.Request.URL), toGoExpand(act.TargetURL))
		f.Request.URL = string(newURL)
	} else {
		target, err := url.Parse(act.TargetURL)
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		cur, err := url.Parse(f.Request.URL)
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		cur.Scheme = target.Scheme
		cur.Host = target.Host
		if act.PreservePath {
			cur.Path = strings.TrimSuffix(target.Path, "/") + cur.Path
		} else if target.Path != "" {
			cur.Path = target.Path
		}
		f.Request.URL = cur.String()
		f.Request.Host = target.Hostname()
	}

	// legacy requestHeaders list is applied first, then the unified
	// headers config, so a rule carrying both converges on the
	// unified config's values; see DESIGN.md open question #3.
	for _, h := range act.RequestHeaders {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			f.Request.Headers.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	applyHeaderConfig(act.Headers, f.Request.Headers, nil)

	if e.Transport != nil {
		resp, err := e.Transport.RoundTrip(f.Request)
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		f.Response = resp
		f.Meta.SetTerminated()
		return Outcome{Status: "success", Terminal: true}
	}
	return Outcome{Status: "success"}
}

// matchedURLPattern recovers the regex pattern the rule's url atom
// matched with, so applyMapRemote's substitution mode can re-run it
// against the literal URL and expand capture groups. Falls back to a
// literal match on the whole URL if the rule carries no url-regex atom.
func matchedURLPattern(f *flow.Flow, r *Rule) string {
	if r != nil {
		for _, a := range r.Match.Request {
			if a.Type == "url" && a.MatchType == "regex" {
				if value, ok := a.Value.(string); ok {
					return value
				}
			}
		}
	}
	return regexp.QuoteMeta(f.Request.URL)
}

func applyHeaderConfig(cfg *HeadersConfig, reqHeaders, respHeaders map[string][]string) {
	if cfg == nil {
		return
	}
	if reqHeaders != nil {
		applyHeaderOps(cfg.Request, reqHeaders)
	}
	if respHeaders != nil {
		applyHeaderOps(cfg.Response, respHeaders)
	}
}

func applyHeaderOps(ops []HeaderOp, h map[string][]string) {
	for _, op := range ops {
		switch op.Operation {
		case "add":
			h[op.Key] = append(h[op.Key], op.Value)
		case "set":
			h[op.Key] = []string{op.Value}
		case "remove":
			delete(h, op.Key)
		}
	}
}

func (e *Executor) applyRewriteHeader(act *Action, f *flow.Flow, phase flow.Phase) Outcome {
	if act.Headers == nil {
		return Outcome{Status: "success"}
	}
	if phase == flow.PhaseRequest && f.Request != nil {
		applyHeaderOps(act.Headers.Request, f.Request.Headers)
	}
	if phase == flow.PhaseResponse && f.Response != nil {
		applyHeaderOps(act.Headers.Response, f.Response.Headers)
	}
	return Outcome{Status: "success"}
}

func (e *Executor) applyRewriteBody(act *Action, f *flow.Flow, phase flow.Phase) Outcome {
	target := act.Target
	if target == "" {
		target = string(phase)
	}
	if flow.Phase(target) != phase {
		return Outcome{Status: "success"}
	}

	var body *[]byte
	var headers map[string][]string
	switch phase {
	case flow.PhaseRequest:
		if f.Request == nil {
			return Outcome{Status: "success"}
		}
		body, headers = &f.Request.Body, f.Request.Headers
	case flow.PhaseResponse:
		if f.Response == nil {
			return Outcome{Status: "success"}
		}
		body, headers = &f.Response.Body, f.Response.Headers
	}

	switch {
	case act.Set != nil:
		*body = []byte(act.Set.Content)
		if act.Set.ContentType != "" && headers != nil {
			headers["Content-Type"] = []string{act.Set.ContentType}
		}
		if act.Set.StatusCode != 0 && phase == flow.PhaseResponse && f.Response != nil {
			f.Response.StatusCode = act.Set.StatusCode
		}
	case act.Replace != nil:
		*body = []byte(strings.ReplaceAll(string(*body), act.Replace.Pattern, act.Replace.Replacement))
	case act.RegexReplace != nil:
		re, err := regexp.Compile(act.RegexReplace.Pattern)
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		*body = re.ReplaceAll(*body, toGoExpand(act.RegexReplace.Replacement))
	case act.JSON != nil:
		out, err := applyJSONModifications(*body, act.JSON.Modifications)
		if err != nil {
			return Outcome{Status: "error", Message: err.Error()}
		}
		*body = out
	}

	return Outcome{Status: "success"}
}

// applyThrottleRequest sleeps for delayMs, then probabilistically kills
// the flow per packetLoss (0-100). Bandwidth simulation happens in the
// response phase only, once the response body size is known.
func (e *Executor) applyThrottleRequest(act *Action, f *flow.Flow) Outcome {
	if act.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(act.DelayMs) * time.Millisecond):
		case <-f.Meta.KillChan():
			return Outcome{Status: "killed", Terminal: true}
		}
	}

	if act.PacketLoss > 0 && rand.Intn(100) < act.PacketLoss {
		f.Meta.Kill()
		f.Meta.SetTerminated()
		return Outcome{Status: "killed", Terminal: true}
	}

	return Outcome{Status: "success"}
}

// applyThrottleResponse sleeps to simulate bandwidthKbps, sized on the
// response body alone (not the request body), since the request has
// already been sent by the time the response phase runs.
func (e *Executor) applyThrottleResponse(act *Action, f *flow.Flow) Outcome {
	if act.BandwidthKbps > 0 {
		size := 0
		if f.Response != nil {
			size = len(f.Response.Body)
		}
		delay := time.Duration(float64(size*8)/float64(act.BandwidthKbps*1000)*1000) * time.Millisecond
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-f.Meta.KillChan():
				return Outcome{Status: "killed", Terminal: true}
			}
		}
	}

	return Outcome{Status: "success"}
}

// applyJSONModifications walks body as JSON and applies each
// modification's dotted/bracket path in order. No JSONPath dependency
// exists anywhere in the reference corpus, so this mirrors the corpus's
// own preference for small hand-rolled parsers (see DESIGN.md).
func applyJSONModifications(body []byte, mods []JSONModification) ([]byte, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	for _, m := range mods {
		if m.Enabled != nil && !*m.Enabled {
			continue
		}
		segs, err := parseJSONPath(m.Path)
		if err != nil {
			return nil, err
		}
		switch m.Operation {
		case "set", "":
			doc, err = setJSONPath(doc, segs, m.Value)
		case "delete":
			doc, err = deleteJSONPath(doc, segs)
		case "append":
			doc, err = appendJSONPath(doc, segs, m.Value)
		default:
			err = fmt.Errorf("unknown json modification operation %q", m.Operation)
		}
		if err != nil {
			return nil, err
		}
	}
	return encodeJSON(doc)
}

// jsonPathSeg is either a map key or a list index.
type jsonPathSeg struct {
	key   string
	index int
	isIdx bool
}

// parseJSONPath parses dotted/bracket paths like "a.b[0].c" into
// segments.
func parseJSONPath(path string) ([]jsonPathSeg, error) {
	var segs []jsonPathSeg
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, jsonPathSeg{key: cur.String()})
			cur.Reset()
		}
	}
	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated [ in path %q", path)
			}
			idxStr := path[i+1 : i+end]
			n, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("non-numeric index %q in path %q", idxStr, path)
			}
			segs = append(segs, jsonPathSeg{index: n, isIdx: true})
			i += end + 1
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return segs, nil
}
