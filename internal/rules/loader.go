package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// minReloadInterval bounds how often Load will re-scan the rules
// directory; callers (the engine, on every request) are expected to call
// Load far more often than this.
const minReloadInterval = time.Second

// Index buckets compiled rules by host specificity so the engine only
// evaluates rules that could possibly match a given request host.
type Index struct {
	Global      []*Rule            // no host atom at all
	ExactHost   map[string][]*Rule // single host atom, matchType "exact", not inverted
	ComplexHost []*Rule            // any other host atom shape (regex, wildcard, contains, inverted)
}

// Loader watches a rules directory (or a single legacy rules file) and
// rebuilds the compiled index on a throttled, change-detected schedule.
type Loader struct {
	dir  string
	file string // legacy single-file fallback, JSON array of rules

	mu            sync.RWMutex
	index         *Index
	lastCheck     time.Time
	lastDirState  dirState
	lastDeepMtime time.Time
}

type dirState struct {
	maxTopMtime time.Time
	fileCount   int
}

// NewLoader resolves RULES_DIR/RULES_FILE precedence: an empty dir or
// file argument falls back to the RULES_DIR or RULES_FILE environment
// variable, and a dir, when set, takes priority over the file.
func NewLoader(dir, file string) *Loader {
	if dir == "" {
		dir = os.Getenv("RULES_DIR")
	}
	if file == "" {
		file = os.Getenv("RULES_FILE")
	}
	return &Loader{dir: dir, file: file, index: &Index{ExactHost: map[string][]*Rule{}}}
}

// Index returns the most recently built index without triggering a scan.
func (l *Loader) Index() *Index {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

// Load rescans the rules source if the throttle window has elapsed and
// either the cheap change check or, when that finds nothing, a deep
// max-mtime walk indicates the directory actually changed. A legacy
// rules file is re-read on every check. It is safe to call on every
// request.
func (l *Loader) Load() error {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastCheck) < minReloadInterval {
		l.mu.Unlock()
		return nil
	}
	l.lastCheck = now
	l.mu.Unlock()

	if l.dir == "" {
		if l.file != "" {
			return l.loadLegacyFile()
		}
		return nil
	}

	cur, err := scanDirState(l.dir)
	if err != nil {
		return fmt.Errorf("rules: scan dir state: %w", err)
	}

	l.mu.RLock()
	unchanged := cur == l.lastDirState
	l.mu.RUnlock()
	if unchanged {
		// Cheap check says nothing changed; fall back to a deep
		// max-mtime walk in case a file was edited without changing
		// the directory's own mtime or the file count.
		deep, err := deepMaxMtime(l.dir)
		if err != nil {
			return fmt.Errorf("rules: deep mtime scan: %w", err)
		}
		l.mu.RLock()
		stale := !deep.After(l.lastDeepMtime) && !l.lastDeepMtime.IsZero()
		l.mu.RUnlock()
		if stale {
			return nil
		}
		l.mu.Lock()
		l.lastDeepMtime = deep
		l.mu.Unlock()
	}

	rules, err := loadRulesFromDir(l.dir)
	if err != nil {
		return err
	}

	idx := buildIndex(rules)

	l.mu.Lock()
	l.index = idx
	l.lastDirState = cur
	l.mu.Unlock()

	slog.Info("rules reloaded", "dir", l.dir, "count", len(rules))
	return nil
}

func (l *Loader) loadLegacyFile() error {
	data, err := os.ReadFile(l.file)
	if err != nil {
		return fmt.Errorf("rules: read legacy file: %w", err)
	}
	var legacy []legacyRule
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("rules: parse legacy file: %w", err)
	}
	rules := make([]*Rule, 0, len(legacy))
	for i := range legacy {
		r := legacy[i]
		if err := compileRule(&r); err != nil {
			slog.Warn("rules: skipping rule with invalid pattern", "id", r.ID, "error", err)
			continue
		}
		rules = append(rules, &r)
	}
	sortRules(rules)

	l.mu.Lock()
	l.index = buildIndex(rules)
	l.mu.Unlock()
	return nil
}

func scanDirState(dir string) (dirState, error) {
	top, err := os.Stat(dir)
	if err != nil {
		return dirState{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dirState{}, err
	}
	return dirState{maxTopMtime: top.ModTime(), fileCount: len(entries)}, nil
}

// deepMaxMtime walks the tree and returns the newest mtime of any .yaml
// file, catching edits that don't change the directory's own mtime or
// entry count (e.g. an in-place overwrite via some editors).
func deepMaxMtime(dir string) (time.Time, error) {
	var max time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(max) {
			max = info.ModTime()
		}
		return nil
	})
	return max, err
}

// loadRulesFromDir recursively scans dir for .yaml/.yml files, skipping
// groups.yaml (reserved for future rule-group metadata, not a rule
// itself), parses and compiles each, and returns them sorted.
func loadRulesFromDir(dir string) ([]*Rule, error) {
	var rules []*Rule
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "groups.yaml" || name == "groups.yml" {
			return nil
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("rules: failed to read file", "path", path, "error", readErr)
			return nil
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			slog.Warn("rules: failed to parse file", "path", path, "error", err)
			return nil
		}
		if rf.Rule.ID == "" {
			return nil
		}
		if err := compileRule(&rf.Rule); err != nil {
			slog.Warn("rules: skipping rule with invalid pattern", "path", path, "error", err)
			return nil
		}
		r := rf.Rule
		rules = append(rules, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

// compileRule pre-compiles every regex-matchType atom once at load time
// so matching never pays regexp.Compile per request.
func compileRule(r *Rule) error {
	for i := range r.Match.Request {
		a := &r.Match.Request[i]
		if a.MatchType != "regex" {
			continue
		}
		value, _ := a.Value.(string)
		re, err := regexp.Compile(value)
		if err != nil {
			return fmt.Errorf("atom %d: %w", i, err)
		}
		a.compiled = re
	}
	return nil
}

func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Execution.Priority != rules[j].Execution.Priority {
			return rules[i].Execution.Priority > rules[j].Execution.Priority
		}
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
}

// buildIndex buckets rules by their host atom shape: a rule with no host
// atom is global; a rule whose only host atom is a non-inverted exact
// match is indexed by that host string; anything else (regex, wildcard,
// contains, or inverted) is treated as complex and checked against every
// request.
func buildIndex(rules []*Rule) *Index {
	idx := &Index{ExactHost: map[string][]*Rule{}}
	for _, r := range rules {
		if !r.Execution.Enabled {
			continue
		}
		host, kind := hostAtomKind(r)
		switch kind {
		case hostNone:
			idx.Global = append(idx.Global, r)
		case hostExact:
			idx.ExactHost[host] = append(idx.ExactHost[host], r)
		case hostComplex:
			idx.ComplexHost = append(idx.ComplexHost, r)
		}
	}
	return idx
}

type hostKind int

const (
	hostNone hostKind = iota
	hostExact
	hostComplex
)

func hostAtomKind(r *Rule) (string, hostKind) {
	for _, a := range r.Match.Request {
		if a.Type != "host" {
			continue
		}
		if a.Invert || a.MatchType != "exact" {
			return "", hostComplex
		}
		value, _ := a.Value.(string)
		return value, hostExact
	}
	return "", hostNone
}

// Candidates returns the rules that could possibly match host: the
// exact-host matches, the complex-host rules and the global rules,
// sorted together by priority, then name, then ID. The matcher still
// re-checks every atom; this only narrows which rules are considered.
func (idx *Index) Candidates(host string) []*Rule {
	var out []*Rule
	out = append(out, idx.ExactHost[host]...)
	out = append(out, idx.ComplexHost...)
	out = append(out, idx.Global...)
	sortRules(out)
	return out
}
