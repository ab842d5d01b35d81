package rules

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"siphon/internal/flow"
)

// matchString applies a single match type against a candidate/value pair.
func matchString(matchType string, candidate, value string) bool {
	switch matchType {
	case "exact":
		return candidate == value
	case "contains":
		return strings.Contains(candidate, value)
	case "wildcard":
		ok, err := path.Match(value, candidate)
		return err == nil && ok
	default:
		return false
	}
}

// matchRegex applies a pre-compiled regex match type, returning whether it
// matched and, if so, the capture groups (including group 0).
func matchRegex(a *Atom, candidate string) (bool, []string) {
	if a.compiled == nil {
		return false, nil
	}
	m := a.compiled.FindStringSubmatch(candidate)
	if m == nil {
		return false, nil
	}
	return true, m
}

// MatchURL evaluates a single url atom against the request's URL,
// returning capture groups from a regex match type, if any.
func MatchURL(a *Atom, candidate string) (bool, []string) {
	value, _ := a.Value.(string)
	if a.MatchType == "regex" {
		return matchRegex(a, candidate)
	}
	return matchString(a.MatchType, candidate, value), nil
}

// MatchAtom evaluates a single atom against a request, returning whether
// it matched (after invert is applied) and any capture groups produced by
// a url-type regex match.
func MatchAtom(a *Atom, req *flow.Request) (bool, []string) {
	var matched bool
	var groups []string

	switch a.Type {
	case "url":
		matched, groups = MatchURL(a, req.URL)
	case "host":
		value, _ := a.Value.(string)
		if a.MatchType == "regex" {
			matched, _ = matchRegex(a, req.Host)
		} else {
			matched = matchString(a.MatchType, req.Host, value)
		}
	case "method":
		matched = matchMethod(a, req.Method)
	case "header":
		matched = matchHeader(a, req)
	case "query":
		matched = matchQuery(a, req)
	case "port":
		matched = matchPort(a, req.Port)
	case "ip":
		value, _ := a.Value.(string)
		matched = matchString(a.MatchType, req.Host, value)
	default:
		matched = false
	}

	if a.Invert {
		matched = !matched
	}
	return matched, groups
}

// matchMethod treats Value as either a single string or a list of
// strings, matching if the request method is a member (case-insensitive).
func matchMethod(a *Atom, method string) bool {
	switch v := a.Value.(type) {
	case string:
		return strings.EqualFold(method, v)
	case []string:
		for _, m := range v {
			if strings.EqualFold(method, m) {
				return true
			}
		}
	case []any:
		for _, m := range v {
			if s, ok := m.(string); ok && strings.EqualFold(method, s) {
				return true
			}
		}
	}
	return false
}

// matchHeader looks up a.Key (case-insensitive, per net/http.Header) and
// applies exists/not_exists/value matching.
func matchHeader(a *Atom, req *flow.Request) bool {
	values := req.Headers.Values(a.Key)

	switch a.MatchType {
	case "exists":
		return len(values) > 0
	case "not_exists":
		return len(values) == 0
	}

	value, _ := a.Value.(string)
	for _, v := range values {
		if a.MatchType == "regex" {
			if ok, _ := matchRegex(a, v); ok {
				return true
			}
			continue
		}
		if matchString(a.MatchType, v, value) {
			return true
		}
	}
	return false
}

// matchQuery parses the request URL's query string and applies
// exists/not_exists/value matching against a.Key.
func matchQuery(a *Atom, req *flow.Request) bool {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	q := u.Query()
	values, present := q[a.Key]

	switch a.MatchType {
	case "exists":
		return present
	case "not_exists":
		return !present
	}

	value, _ := a.Value.(string)
	for _, v := range values {
		if a.MatchType == "regex" {
			if ok, _ := matchRegex(a, v); ok {
				return true
			}
			continue
		}
		if matchString(a.MatchType, v, value) {
			return true
		}
	}
	return false
}

// matchPort compares the request's port against Value, coercing Value
// from either a number or a numeric string.
func matchPort(a *Atom, port int) bool {
	var want int
	switch v := a.Value.(type) {
	case int:
		want = v
	case float64:
		want = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return false
		}
		want = n
	default:
		return false
	}
	return port == want
}

// MatchRule evaluates all of a rule's request atoms against req with
// logical AND; an empty atom list matches everything. The first url-type
// regex atom's capture groups are returned for use by map_remote's
// regex-substitution mode.
func MatchRule(r *Rule, req *flow.Request) (bool, []string) {
	var groups []string
	for i := range r.Match.Request {
		a := &r.Match.Request[i]
		matched, g := MatchAtom(a, req)
		if !matched {
			return false, nil
		}
		if a.Type == "url" && a.MatchType == "regex" && groups == nil {
			groups = g
		}
	}
	return true, groups
}
