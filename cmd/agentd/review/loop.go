package review

import (
	"context"
	"fmt"
	"time"

	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/persona"
)

// DefaultMaxIterations bounds the analyst revision loop.
const DefaultMaxIterations = 5

// DefaultAutoPassReason is recorded when the loop terminates by exhaustion.
const DefaultAutoPassReason = "max review iterations reached; accepting last analysis"

// InvokeFunc performs one persona invocation and returns its parsed result
// plus the raw reply string.
type InvokeFunc func(ctx context.Context, personaName, step, intent string, payload map[string]any, timeout time.Duration) (map[string]any, string, error)

// LoopConfig configures one analyst<->reviewer loop run.
type LoopConfig struct {
	AnalystPersona  string
	ReviewerPersona string
	MaxIterations   int

	AnalysisStep   string
	AnalysisIntent string
	ReviewStep     string
	ReviewIntent   string

	AnalysisTimeout time.Duration
	ReviewTimeout   time.Duration

	AutoPassReason string
	Interpreter    Interpreter

	// LookupVar reads workflow variables, used for the {step}_status
	// convention. Optional.
	LookupVar func(name string) (any, bool)
}

func (c *LoopConfig) withDefaults() LoopConfig {
	out := *c
	if out.MaxIterations <= 0 {
		out.MaxIterations = DefaultMaxIterations
	}
	if out.AutoPassReason == "" {
		out.AutoPassReason = DefaultAutoPassReason
	}
	if out.Interpreter == nil {
		out.Interpreter = DefaultInterpreter
	}
	return out
}

// LoopResult is the terminal state of the loop.
type LoopResult struct {
	FinalStatus   string
	AutoPass      bool
	Iterations    int
	LastAnalysis  map[string]any
	LastReview    map[string]any
	ReviewHistory []map[string]any
}

// RunLoop alternates analyst and reviewer until the reviewer passes or
// MaxIterations is reached. Exhaustion auto-passes: the last review is
// wrapped with an explicit auto_pass marker so downstream steps can tell an
// earned pass from a forced one. Persona failures abort the loop.
func RunLoop(ctx context.Context, cfg LoopConfig, base map[string]any, invoke InvokeFunc, log *logger.Logger) (*LoopResult, error) {
	cfg = cfg.withDefaults()

	res := &LoopResult{FinalStatus: persona.StatusUnknown}
	var previousReview map[string]any
	var initialAnalysis map[string]any

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		res.Iterations = iteration

		payload := analysisPayload(base, iteration, previousReview, res.LastAnalysis, initialAnalysis, res.ReviewHistory)
		analysis, _, err := invoke(ctx, cfg.AnalystPersona, cfg.AnalysisStep, cfg.AnalysisIntent, payload, cfg.AnalysisTimeout)
		if err != nil {
			return res, fmt.Errorf("analyst %s iteration %d: %w", cfg.AnalystPersona, iteration, err)
		}
		if initialAnalysis == nil {
			initialAnalysis = analysis
		}
		res.LastAnalysis = analysis

		reviewPayload := copyMap(base)
		reviewPayload["analysis"] = analysis
		reviewPayload["iteration"] = iteration
		reviewResult, rawReview, err := invoke(ctx, cfg.ReviewerPersona, cfg.ReviewStep, cfg.ReviewIntent, reviewPayload, cfg.ReviewTimeout)
		if err != nil {
			return res, fmt.Errorf("reviewer %s iteration %d: %w", cfg.ReviewerPersona, iteration, err)
		}
		res.LastReview = reviewResult

		status := ResolveStatus(cfg.statusVar(), reviewResult, rawReview, cfg.Interpreter)
		log.Info("review iteration finished",
			"iteration", iteration,
			"reviewer", cfg.ReviewerPersona,
			"status", status)

		if status == persona.StatusPass {
			res.FinalStatus = persona.StatusPass
			res.AutoPass = false
			return res, nil
		}

		res.ReviewHistory = append(res.ReviewHistory, reviewResult)

		if iteration == cfg.MaxIterations {
			res.FinalStatus = persona.StatusPass
			res.AutoPass = true
			res.LastReview = map[string]any{
				"status":            persona.StatusPass,
				"auto_pass":         true,
				"reason":            cfg.AutoPassReason,
				"previous_feedback": reviewResult,
			}
			log.Warn("review loop exhausted, auto-passing",
				"iterations", iteration,
				"reason", cfg.AutoPassReason)
			return res, nil
		}

		previousReview = reviewResult
	}

	return res, nil
}

func (c *LoopConfig) statusVar() any {
	if c.LookupVar == nil || c.ReviewStep == "" {
		return nil
	}
	v, ok := c.LookupVar(c.ReviewStep + "_status")
	if !ok {
		return nil
	}
	return v
}

// analysisPayload composes the analyst's input for one iteration: the base
// payload plus revision context accumulated from earlier rounds.
func analysisPayload(base map[string]any, iteration int, previousReview, previousAnalysis, initialAnalysis map[string]any, history []map[string]any) map[string]any {
	payload := copyMap(base)
	payload["iteration"] = iteration
	payload["is_revision"] = iteration > 1

	if iteration == 1 {
		return payload
	}

	if previousReview != nil {
		payload["previous_review"] = normalizeFeedback(previousReview)
	}
	if previousAnalysis != nil {
		payload["previous_analysis"] = previousAnalysis
	}
	if initialAnalysis != nil {
		payload["initial_analysis"] = initialAnalysis
	}
	if len(history) > 0 {
		payload["review_history"] = historyDigest(history)
	}
	payload["revision_directive"] = "Revise the previous analysis to address the reviewer's feedback."
	return payload
}

// normalizeFeedback extracts the reviewer fields an analyst can act on.
func normalizeFeedback(review map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{"text", "summary", "required_revisions", "reason", "status"} {
		if v, ok := review[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return review
	}
	return out
}

// historyDigest keeps the per-iteration verdicts without repeating full
// review bodies.
func historyDigest(history []map[string]any) []map[string]any {
	digest := make([]map[string]any, 0, len(history))
	for i, review := range history {
		entry := map[string]any{"iteration": i + 1}
		if s, ok := review["status"]; ok {
			entry["status"] = s
		}
		if s, ok := review["summary"]; ok {
			entry["summary"] = s
		}
		digest = append(digest, entry)
	}
	return digest
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+6)
	for k, v := range m {
		out[k] = v
	}
	return out
}
