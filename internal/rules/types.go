// Package rules implements the rule engine: loading rule files from disk,
// matching atoms against a flow, and executing the action pipeline in the
// fixed phase order the pipeline requires.
package rules

import "regexp"

// Atom is one predicate inside a rule's match list.
type Atom struct {
	Type      string `yaml:"type" json:"type"` // url, host, method, header, query, port, ip
	MatchType string `yaml:"matchType" json:"matchType"`
	Key       string `yaml:"key,omitempty" json:"key,omitempty"`
	Value     any    `yaml:"value" json:"value"`
	Invert    bool   `yaml:"invert,omitempty" json:"invert,omitempty"`

	compiled *regexp.Regexp
}

// Execution carries the rule's scheduling/short-circuit metadata.
type Execution struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	Priority    int  `yaml:"priority" json:"priority"`
	StopOnMatch bool `yaml:"stopOnMatch" json:"stopOnMatch"`
}

// Match is the request-phase atom list, combined with logical AND.
type Match struct {
	Request []Atom `yaml:"request" json:"request"`
}

// HeaderOp is one add/set/remove operation inside a rewrite_header action.
type HeaderOp struct {
	Operation string `yaml:"operation" json:"operation"` // add, set, remove
	Key       string `yaml:"key" json:"key"`
	Value     string `yaml:"value,omitempty" json:"value,omitempty"`
}

// HeadersConfig is the unified { request: [...], response: [...] } shape
// used by rewrite_header and, optionally, map_remote/map_local.
type HeadersConfig struct {
	Request  []HeaderOp `yaml:"request,omitempty" json:"request,omitempty"`
	Response []HeaderOp `yaml:"response,omitempty" json:"response,omitempty"`
}

// SetBody is the rewrite_body "set" mode payload.
type SetBody struct {
	Content     string `yaml:"content" json:"content"`
	StatusCode  int    `yaml:"statusCode,omitempty" json:"statusCode,omitempty"`
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`
}

// ReplaceBody is the rewrite_body "replace" (literal substring) mode.
type ReplaceBody struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// RegexReplaceBody is the rewrite_body "regex_replace" mode.
type RegexReplaceBody struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// JSONModification is one JSON-path operation inside rewrite_body's
// "json" mode.
type JSONModification struct {
	Path      string `yaml:"path" json:"path"`
	Value     any    `yaml:"value" json:"value"`
	Operation string `yaml:"operation" json:"operation"` // set, delete, append
	Enabled   *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// JSONBody is the rewrite_body "json" mode payload.
type JSONBody struct {
	Modifications []JSONModification `yaml:"modifications" json:"modifications"`
}

// Action is one step in a rule's action list. Exactly one of the
// type-specific fields is populated, selected by Type.
type Action struct {
	Type string `yaml:"type" json:"type"`

	// map_local
	Source      string         `yaml:"source,omitempty" json:"source,omitempty"` // file, manual
	LocalPath   string         `yaml:"localPath,omitempty" json:"localPath,omitempty"`
	Content     string         `yaml:"content,omitempty" json:"content,omitempty"`
	ContentType string         `yaml:"contentType,omitempty" json:"contentType,omitempty"`
	StatusCode  int            `yaml:"statusCode,omitempty" json:"statusCode,omitempty"`
	Headers     *HeadersConfig `yaml:"headers,omitempty" json:"headers,omitempty"`

	// map_remote
	TargetURL       string   `yaml:"targetUrl,omitempty" json:"targetUrl,omitempty"`
	PreservePath    bool     `yaml:"preservePath,omitempty" json:"preservePath,omitempty"`
	RequestHeaders  []string `yaml:"requestHeaders,omitempty" json:"requestHeaders,omitempty"` // legacy, see open question #3

	// rewrite_body
	Target       string            `yaml:"target,omitempty" json:"target,omitempty"` // request, response
	Set          *SetBody          `yaml:"set,omitempty" json:"set,omitempty"`
	Replace      *ReplaceBody      `yaml:"replace,omitempty" json:"replace,omitempty"`
	RegexReplace *RegexReplaceBody `yaml:"regex_replace,omitempty" json:"regex_replace,omitempty"`
	JSON         *JSONBody         `yaml:"json,omitempty" json:"json,omitempty"`

	// throttle
	DelayMs       int `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`
	PacketLoss    int `yaml:"packetLoss,omitempty" json:"packetLoss,omitempty"`
	BandwidthKbps int `yaml:"bandwidthKbps,omitempty" json:"bandwidthKbps,omitempty"`
}

// Rule is one immutable (until reload) rule loaded from a YAML file.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Execution Execution `yaml:"execution" json:"execution"`
	Match     Match     `yaml:"match" json:"match"`
	Actions   []Action  `yaml:"actions" json:"actions"`
}

// ruleFile is the top-level YAML document shape: one rule under key
// "rule".
type ruleFile struct {
	Rule Rule `yaml:"rule"`
}

// legacyRule is the flat JSON shape used by the legacy RULES_FILE
// fallback (a JSON array of these, no wrapping "rule" key).
type legacyRule = Rule
