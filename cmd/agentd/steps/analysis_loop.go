package steps

import (
	"context"
	"time"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/review"
	"github.com/multiagent/ma/common/persona"
)

// AnalysisReviewLoopStep runs the analyst<->reviewer iteration until the
// reviewer passes or the loop auto-passes by exhaustion. Its terminal state
// is published through the analysis_* variables for downstream steps.
type AnalysisReviewLoopStep struct {
	deps Deps
}

func (s *AnalysisReviewLoopStep) Type() string { return TypeAnalysisReviewLoop }

func (s *AnalysisReviewLoopStep) Validate(cfg *engine.StepConfig) error {
	if err := requireKey(cfg, "analyst_persona"); err != nil {
		return err
	}
	return requireKey(cfg, "reviewer_persona")
}

func (s *AnalysisReviewLoopStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	if flagSet(ec, VarSkipPersonas) {
		return engine.Skipped("persona operations disabled")
	}

	conf := resolveConfig(ec, cfg)

	loopCfg := review.LoopConfig{
		AnalystPersona:  cfgString(conf, "analyst_persona"),
		ReviewerPersona: cfgString(conf, "reviewer_persona"),
		MaxIterations:   cfgInt(conf, "max_iterations", review.DefaultMaxIterations),
		AnalysisStep:    cfgString(conf, "analysis_step"),
		AnalysisIntent:  cfgString(conf, "analysis_intent"),
		ReviewStep:      cfgString(conf, "review_step"),
		ReviewIntent:    cfgString(conf, "review_intent"),
		AutoPassReason:  cfgString(conf, "auto_pass_reason"),
		LookupVar:       ec.GetVariable,
	}
	if loopCfg.AnalysisStep == "" {
		loopCfg.AnalysisStep = cfg.Name + "_analysis"
	}
	if loopCfg.ReviewStep == "" {
		loopCfg.ReviewStep = cfg.Name + "_review"
	}
	if ms := cfgInt(conf, "analysis_timeout_ms", 0); ms > 0 {
		loopCfg.AnalysisTimeout = time.Duration(ms) * time.Millisecond
	} else {
		loopCfg.AnalysisTimeout = s.deps.personaTimeout()
	}
	if ms := cfgInt(conf, "review_timeout_ms", 0); ms > 0 {
		loopCfg.ReviewTimeout = time.Duration(ms) * time.Millisecond
	} else {
		loopCfg.ReviewTimeout = s.deps.personaTimeout()
	}

	res, err := review.RunLoop(ctx, loopCfg, cfgMap(conf, "payload"), s.invoker(ec), ec.Logger)
	if err != nil {
		return engine.Failure(err)
	}

	ec.SetVariable("analysis_request_result", res.LastAnalysis)
	ec.SetVariable("analysis_review_result", res.LastReview)
	ec.SetVariable("analysis_review_status", res.FinalStatus)
	ec.SetVariable("analysis_iterations", res.Iterations)
	ec.SetVariable("analysis_auto_pass", res.AutoPass)

	return engine.Success(map[string]any{
		"status":     res.FinalStatus,
		"auto_pass":  res.AutoPass,
		"iterations": res.Iterations,
		"analysis":   res.LastAnalysis,
		"review":     res.LastReview,
	})
}

// invoker adapts the persona client to the loop's invocation contract.
func (s *AnalysisReviewLoopStep) invoker(ec *engine.Context) review.InvokeFunc {
	return func(ctx context.Context, personaName, step, intent string, payload map[string]any, timeout time.Duration) (map[string]any, string, error) {
		req := persona.Request{
			WorkflowID: ec.WorkflowID,
			ToPersona:  personaName,
			Step:       step,
			Intent:     intent,
			TaskID:     ec.TaskID,
			Payload:    payload,
			Repo:       ec.RepoRoot,
			Branch:     ec.GetCurrentBranch(),
			ProjectID:  ec.ProjectID,
		}
		corrID, err := s.deps.Client.SendRequest(ctx, req)
		if err != nil {
			return nil, "", err
		}
		event, err := s.deps.Client.AwaitCompletion(ctx, personaName, ec.WorkflowID, corrID, timeout)
		if err != nil {
			return nil, "", err
		}
		return event.Result, event.RawResult, nil
	}
}
