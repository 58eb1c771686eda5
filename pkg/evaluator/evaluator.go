// Package evaluator holds the registry of scoring evaluators and the
// built-in kinds shipped with the service. An Evaluator scores one
// (test case, system response) pair and returns a Verdict; the Runner
// fans a case out across every evaluator kind the case declares.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/evalcore/orchestrator/pkg/models"
)

// Evaluator scores a system response against a test case's expectation.
type Evaluator interface {
	Kind() string
	Evaluate(ctx context.Context, input EvalInput) (models.Verdict, error)
}

// EvalInput is everything an Evaluator needs to score one case.
type EvalInput struct {
	UserInput      string
	SystemResponse string
	Expected       models.EvaluatorExpectation
	Context        map[string]any
}

// Registry holds registered Evaluators by kind. Registration happens
// once at process startup; lookups happen on every case. Grounded on
// the teacher's sub-agent registry pattern (a name-keyed map guarded by
// sync.RWMutex, populated once in an init-like bootstrap and read
// concurrently by every worker thereafter).
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Evaluator
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Evaluator)}
}

// Register adds an Evaluator under its own Kind(). Panics on duplicate
// registration: a second evaluator claiming a kind already taken is a
// programming error caught at startup, not a runtime condition to
// handle gracefully.
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := e.Kind()
	if _, exists := r.byID[kind]; exists {
		panic(fmt.Sprintf("evaluator: duplicate registration for kind %q", kind))
	}
	r.byID[kind] = e
}

// Get returns the Evaluator for kind, or false if none is registered.
func (r *Registry) Get(kind string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[kind]
	return e, ok
}

// Kinds returns every registered evaluator kind.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for k := range r.byID {
		out = append(out, k)
	}
	return out
}

// NewDefaultRegistry builds a Registry pre-populated with the four
// built-in heuristic evaluators named in SPEC_FULL.md's supplemented
// features: hallucination, answer_relevancy, faithfulness, and
// contextual_precision. These are deterministic lexical heuristics,
// not model-backed judges — a model-backed evaluator kind can later
// register into the same Registry by calling a Connector internally.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(hallucinationEvaluator{})
	r.Register(answerRelevancyEvaluator{})
	r.Register(faithfulnessEvaluator{})
	r.Register(contextualPrecisionEvaluator{})
	return r
}

func deriveVerdict(score float64, expected models.EvaluatorExpectation, reasoning string) models.Verdict {
	passed := score >= 0.5
	if expected.MinScore != nil {
		passed = score >= *expected.MinScore
	}
	return models.Verdict{Score: score, Passed: passed, Reasoning: reasoning}
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	var shared int
	for tok := range a {
		if b[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(a))
}

func contextText(ctx map[string]any) string {
	var sb strings.Builder
	for _, v := range ctx {
		fmt.Fprintf(&sb, "%v ", v)
	}
	return sb.String()
}

// hallucinationEvaluator flags a response as hallucinating when it
// introduces little to no overlap with the supplied context: the score is
// the fraction of response tokens found in the context, so a higher score
// means less hallucination; with no context the score is 1.0.
type hallucinationEvaluator struct{}

func (hallucinationEvaluator) Kind() string { return "hallucination" }

func (hallucinationEvaluator) Evaluate(_ context.Context, in EvalInput) (models.Verdict, error) {
	ctxTokens := tokenSet(contextText(in.Context))
	respTokens := tokenSet(in.SystemResponse)
	if len(ctxTokens) == 0 {
		return deriveVerdict(1.0, in.Expected, "no context supplied, nothing to contradict"), nil
	}
	overlap := overlapRatio(respTokens, ctxTokens)
	score := overlap
	return deriveVerdict(score, in.Expected, fmt.Sprintf("response/context token overlap %.2f", overlap)), nil
}

// answerRelevancyEvaluator scores how much of the response's content
// addresses tokens present in the user's input.
type answerRelevancyEvaluator struct{}

func (answerRelevancyEvaluator) Kind() string { return "answer_relevancy" }

func (answerRelevancyEvaluator) Evaluate(_ context.Context, in EvalInput) (models.Verdict, error) {
	inputTokens := tokenSet(in.UserInput)
	respTokens := tokenSet(in.SystemResponse)
	overlap := overlapRatio(inputTokens, respTokens)
	return deriveVerdict(overlap, in.Expected, fmt.Sprintf("input/response token overlap %.2f", overlap)), nil
}

// faithfulnessEvaluator scores how fully the response is supported by
// the provided context, the complement of the hallucination check
// from the context side.
type faithfulnessEvaluator struct{}

func (faithfulnessEvaluator) Kind() string { return "faithfulness" }

func (faithfulnessEvaluator) Evaluate(_ context.Context, in EvalInput) (models.Verdict, error) {
	ctxTokens := tokenSet(contextText(in.Context))
	respTokens := tokenSet(in.SystemResponse)
	if len(respTokens) == 0 {
		return deriveVerdict(0, in.Expected, "empty response"), nil
	}
	overlap := overlapRatio(respTokens, ctxTokens)
	return deriveVerdict(overlap, in.Expected, fmt.Sprintf("response tokens grounded in context: %.2f", overlap)), nil
}

// contextualPrecisionEvaluator scores how much of the supplied context
// was actually drawn upon by the response, penalizing responses that
// ignore the relevant context they were given.
type contextualPrecisionEvaluator struct{}

func (contextualPrecisionEvaluator) Kind() string { return "contextual_precision" }

func (contextualPrecisionEvaluator) Evaluate(_ context.Context, in EvalInput) (models.Verdict, error) {
	ctxTokens := tokenSet(contextText(in.Context))
	respTokens := tokenSet(in.SystemResponse)
	if len(ctxTokens) == 0 {
		return deriveVerdict(1.0, in.Expected, "no context to measure precision against"), nil
	}
	overlap := overlapRatio(ctxTokens, respTokens)
	return deriveVerdict(overlap, in.Expected, fmt.Sprintf("context tokens used by response: %.2f", overlap)), nil
}
