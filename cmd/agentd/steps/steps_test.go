package steps

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/config"
	"github.com/multiagent/ma/common/gitrepo"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/persona"
	"github.com/multiagent/ma/common/transport"
)

const (
	testReqStream  = "test.requests"
	testRespStream = "test.events"
)

// scriptedGit satisfies every git invocation with canned output.
type scriptedGit struct {
	sha       string
	hasRemote bool
}

func (g scriptedGit) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	switch args[0] {
	case "rev-parse":
		return g.sha + "\n", "", nil
	case "remote":
		if g.hasRemote {
			return "origin\n", "", nil
		}
		return "", "", nil
	default:
		return "", "", nil
	}
}

type fixture struct {
	deps Deps
	tr   transport.Transport
	dash *clients.MemoryDashboard
	eng  *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := transport.NewMemory(logger.Discard())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect() })

	dash := clients.NewMemoryDashboard()
	reg := engine.NewRegistry()
	eng := engine.New(reg, logger.Discard())

	deps := Deps{
		Client:    persona.NewClient(tr, testReqStream, testRespStream, logger.Discard()),
		Dashboard: dash,
		Engine:    eng,
		Log:       logger.Discard(),
		NewMutator: func(repoRoot string) (*gitrepo.Mutator, error) {
			return gitrepo.NewMutator(repoRoot, config.MutationConfig{}, scriptedGit{sha: "abc123"}, logger.Discard())
		},
		DefaultPersonaTimeout: 3 * time.Second,
	}
	RegisterBuiltins(reg, deps)

	return &fixture{deps: deps, tr: tr, dash: dash, eng: eng}
}

func (f *fixture) newContext(t *testing.T, repoRoot string) *engine.Context {
	t.Helper()
	ec := engine.NewContext("wf-test", "proj-1", repoRoot, "main", f.tr, logger.Discard())
	ec.TaskID = "task-under-test"
	return ec
}

// startResponder consumes the request stream and answers every request with
// handler's result, keyed off the raw stream fields. Returns a stop func.
func (f *fixture) startResponder(t *testing.T, handler func(fields map[string]string) map[string]any) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	err := f.tr.XGroupCreate(ctx, testReqStream, "responder", "0", true)
	require.NoError(t, err)

	go func() {
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := f.tr.XReadGroup(ctx, "responder", "r1",
				[]transport.Cursor{{Stream: testReqStream, ID: ">"}}, 10, 100*time.Millisecond)
			if err != nil {
				return
			}
			for _, sm := range res {
				for _, msg := range sm.Messages {
					_, _ = f.tr.XAck(ctx, testReqStream, "responder", msg.ID)
					result := handler(msg.Fields)
					if result == nil {
						continue
					}
					_, _ = persona.PublishEvent(ctx, f.tr, testRespStream, persona.Event{
						WorkflowID: msg.Fields[persona.FieldWorkflowID],
						CorrID:     msg.Fields[persona.FieldCorrID],
						From:       msg.Fields[persona.FieldToPersona],
						Result:     result,
					})
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
