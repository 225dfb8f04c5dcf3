package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/persona"
)

// PersonaRequestStep sends a request to a persona and waits for its
// correlated completion. The persona's normalized status lands in the
// "{step}_status" variable so later conditions and review loops can read it.
type PersonaRequestStep struct {
	deps Deps
}

func (s *PersonaRequestStep) Type() string { return TypePersonaRequest }

func (s *PersonaRequestStep) Validate(cfg *engine.StepConfig) error {
	return requireKey(cfg, "persona")
}

func (s *PersonaRequestStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	if flagSet(ec, VarSkipPersonas) {
		return engine.Skipped("persona operations disabled")
	}

	conf := resolveConfig(ec, cfg)
	target := cfgString(conf, "persona")
	if target == "" {
		return engine.Failure(fmt.Errorf("step %s: persona resolved empty: %w", cfg.Name, engine.ErrContract))
	}

	req := persona.Request{
		WorkflowID: ec.WorkflowID,
		ToPersona:  target,
		Step:       cfg.Name,
		Intent:     cfgString(conf, "intent"),
		TaskID:     ec.TaskID,
		Payload:    cfgMap(conf, "payload"),
		Repo:       ec.RepoRoot,
		Branch:     ec.GetCurrentBranch(),
		ProjectID:  ec.ProjectID,
	}

	corrID, err := s.deps.Client.SendRequest(ctx, req)
	if err != nil {
		return engine.Failure(err)
	}

	wait := s.deps.personaTimeout()
	if ms := cfgInt(conf, "wait_timeout_ms", 0); ms > 0 {
		wait = time.Duration(ms) * time.Millisecond
	}

	event, err := s.deps.Client.AwaitCompletion(ctx, target, ec.WorkflowID, corrID, wait)
	if err != nil {
		return engine.Failure(err)
	}

	status := event.Status()
	ec.SetVariable(cfg.Name+"_status", status)
	// Kept as a variable so later steps can still read the reply when this
	// step fails without aborting.
	ec.SetVariable(cfg.Name+"_result", event.Result)

	outputs := map[string]any{
		"status":  status,
		"corr_id": corrID,
		"result":  event.Result,
		"raw":     event.RawResult,
	}

	if status == persona.StatusFail {
		return &engine.StepResult{
			Status:  engine.StatusFailure,
			Outputs: outputs,
			Err:     fmt.Errorf("persona %s step %s: %w", target, cfg.Name, ErrPersonaFailure),
		}
	}
	return engine.Success(outputs)
}
