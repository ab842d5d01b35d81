package rules

import (
	"context"

	"siphon/internal/flow"
)

// Tracer is the subset of telemetry.Provider the rule engine needs to
// annotate a pipeline run with span events. It is an interface rather
// than a direct telemetry import so that internal/rules has no
// dependency on internal/telemetry; *telemetry.Provider already
// satisfies it. Nil is valid and disables annotation.
type Tracer interface {
	RecordRuleMatch(ctx context.Context, flowID, ruleID, ruleName string)
	RecordActionApplied(ctx context.Context, flowID, actionType, outcome string)
}

// Engine ties together a Loader and an Executor to run the full
// request/response pipeline against a flow, in the fixed phase order:
// request phase runs throttle (delay + packet-loss only), then
// block_request/map_local/map_remote (terminal), then rewrite_header,
// then rewrite_body; response phase runs throttle (bandwidth only,
// sized on the response body), then rewrite_header, then rewrite_body.
// The response phase is skipped for a flow that a terminal action
// (map_remote included) already answered, and the response header ops
// of a map_remote action are not applied.
type Engine struct {
	Loader   *Loader
	Executor *Executor
	Tracer   Tracer // optional, may be nil
}

// NewEngine constructs an Engine from a Loader and Executor.
func NewEngine(loader *Loader, executor *Executor) *Engine {
	return &Engine{Loader: loader, Executor: executor}
}

// requestOrder and responseOrder fix the relative order in which action types run
// within a single rule's action list, for a single pipeline phase.
// Actions of types not present for this phase are skipped entirely.
var requestOrder = map[string]int{
	"throttle":       0,
	"block_request":  1,
	"map_local":      1,
	"map_remote":     1,
	"rewrite_header": 2,
	"rewrite_body":   3,
}

var responseOrder = map[string]int{
	"throttle":       0,
	"rewrite_header": 1,
	"rewrite_body":   2,
}

func phaseOf(actionType string) (requestPhase, responsePhase bool) {
	_, inReq := requestOrder[actionType]
	_, inResp := responseOrder[actionType]
	return inReq, inResp
}

// HandleRequest loads the current rule index, selects candidates for the
// flow's host, and runs the request-phase pipeline. It stops evaluating
// further rules once a rule with stopOnMatch has matched, or once a
// terminal action has produced a response.
func (e *Engine) HandleRequest(ctx context.Context, f *flow.Flow) error {
	if err := e.Loader.Load(); err != nil {
		return err
	}
	candidates := e.Loader.Index().Candidates(f.Request.Host)

	var matchedIDs []string
	for _, r := range candidates {
		matched, _ := MatchRule(r, f.Request)
		if !matched {
			continue
		}
		matchedIDs = append(matchedIDs, r.ID)
		if e.Tracer != nil {
			e.Tracer.RecordRuleMatch(ctx, f.ID, r.ID, r.Name)
		}

		e.executePipeline(ctx, r, f, flow.PhaseRequest)
		e.recordRuleHit(r, f, flow.PhaseRequest)

		if f.Meta.IsTerminated() || r.Execution.StopOnMatch {
			break
		}
	}
	f.Meta.SetMatchedRules(matchedIDs)
	return nil
}

// HandleResponse runs the response-phase pipeline for every rule that
// matched in the request phase, skipping entirely if the flow was
// already terminated by a request-phase terminal action (matching the
// source system: a synthesized response never passes back through
// response-phase rewriting).
func (e *Engine) HandleResponse(ctx context.Context, f *flow.Flow) {
	if f.Meta.IsTerminated() {
		return
	}
	idx := e.Loader.Index()
	for _, id := range f.Meta.GetMatchedRules() {
		r := findRule(idx, id)
		if r == nil {
			continue
		}
		e.executePipeline(ctx, r, f, flow.PhaseResponse)
		e.recordRuleHit(r, f, flow.PhaseResponse)
	}
}

func findRule(idx *Index, id string) *Rule {
	for _, r := range idx.Global {
		if r.ID == id {
			return r
		}
	}
	for _, rs := range idx.ExactHost {
		for _, r := range rs {
			if r.ID == id {
				return r
			}
		}
	}
	for _, r := range idx.ComplexHost {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// executePipeline runs a rule's action list in the fixed order for
// phase, stopping early if an action is terminal.
func (e *Engine) executePipeline(ctx context.Context, r *Rule, f *flow.Flow, phase flow.Phase) Outcome {
	order := requestOrder
	if phase == flow.PhaseResponse {
		order = responseOrder
	}

	actions := make([]*Action, 0, len(r.Actions))
	for i := range r.Actions {
		a := &r.Actions[i]
		if _, ok := order[a.Type]; ok {
			actions = append(actions, a)
		}
	}
	stableSortActions(actions, order)

	var last Outcome
	for _, a := range actions {
		last = e.Executor.Apply(a, f, phase, r)
		if e.Tracer != nil {
			e.Tracer.RecordActionApplied(ctx, f.ID, a.Type, last.Status)
		}
		if last.Status == "error" {
			f.Meta.RecordHit(flow.Hit{ID: r.ID, Name: r.Name, Type: flow.HitRule, Status: "error", Phase: phase, Message: last.Message})
		}
		if last.Terminal {
			break
		}
	}
	return last
}

func stableSortActions(actions []*Action, order map[string]int) {
	for i := 1; i < len(actions); i++ {
		j := i
		for j > 0 && order[actions[j-1].Type] > order[actions[j].Type] {
			actions[j-1], actions[j] = actions[j], actions[j-1]
			j--
		}
	}
}

// recordRuleHit records a rule-level hit following the same asymmetric
// dedup rule as flow.Metadata.RecordHit: hits are keyed by rule ID and
// hit type only, so a rule that already has a successful hit from either
// phase is not overwritten by a later success, but any non-success (or
// an existing "unknown") does overwrite.
func (e *Engine) recordRuleHit(r *Rule, f *flow.Flow, phase flow.Phase) {
	status := "success"
	for _, h := range f.Meta.SnapshotHits() {
		if h.ID == r.ID && h.Type == flow.HitRule && h.Phase == phase && h.Status == "error" {
			status = "error"
		}
	}
	f.Meta.RecordHit(flow.Hit{ID: r.ID, Name: r.Name, Type: flow.HitRule, Status: status, Phase: phase})
}
