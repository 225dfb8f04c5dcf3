package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/steps"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

const statusWorkflowYAML = `
name: task
version: "1"
steps:
  - name: update
    type: task_update
    config:
      status: in_review
`

type fixture struct {
	dash *clients.MemoryDashboard
	tr   transport.Transport
	dir  string
	co   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := transport.NewMemory(logger.Discard())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect() })

	dash := clients.NewMemoryDashboard()

	reg := engine.NewRegistry()
	eng := engine.New(reg, logger.Discard())
	steps.RegisterBuiltins(reg, steps.Deps{
		Dashboard: dash,
		Engine:    eng,
		Log:       logger.Discard(),
	})

	dir := t.TempDir()
	writeDef(t, dir, "task.yaml", statusWorkflowYAML)

	return &fixture{
		dash: dash,
		tr:   tr,
		dir:  dir,
		co:   New(dash, eng, tr, dir, logger.Discard(), Options{}),
	}
}

func writeDef(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func seedProject(f *fixture) {
	f.dash.PutProject(clients.ProjectStatus{
		ID:                 "proj-1",
		Name:               "demo",
		RepoPath:           "/tmp/demo",
		Branch:             "main",
		BacklogMilestoneID: "m-backlog",
	})
}

func TestCoordinateRunsEveryOpenTask(t *testing.T) {
	f := newFixture(t)
	seedProject(f)
	f.dash.PutTask("proj-1", clients.Task{ID: "t-1", Title: "first", Status: "todo"})
	f.dash.PutTask("proj-1", clients.Task{ID: "t-2", Title: "second", Status: "in_progress"})
	f.dash.PutTask("proj-1", clients.Task{ID: "t-3", Title: "finished", Status: "done"})

	outcome, err := f.co.Coordinate(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	require.Len(t, outcome.Results, 2, "done tasks are not coordinated")

	for _, res := range outcome.Results {
		assert.True(t, res.Success)
		assert.Equal(t, DefaultWorkflow, res.Workflow)
	}

	require.Len(t, f.dash.StatusUpdates, 2)
	assert.Equal(t, "t-1", f.dash.StatusUpdates[0].TaskID)
	assert.Equal(t, "in_review", f.dash.StatusUpdates[0].Status)
}

func TestCoordinateTaskFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	seedProject(f)
	writeDef(t, f.dir, "broken.yaml", `
name: broken
version: "1"
steps:
  - name: update
    type: task_update
    config:
      status: done
      task_id: no-such-task
`)
	f.dash.PutTask("proj-1", clients.Task{ID: "t-1", Status: "todo", Workflow: "broken"})
	f.dash.PutTask("proj-1", clients.Task{ID: "t-2", Status: "todo"})

	outcome, err := f.co.Coordinate(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.Len(t, outcome.Results, 2)

	assert.False(t, outcome.Results[0].Success)
	assert.Equal(t, "update", outcome.Results[0].FailedStep)
	assert.Contains(t, outcome.Results[0].Error, "no-such-task")

	// The second task still ran.
	assert.True(t, outcome.Results[1].Success)
	require.Len(t, f.dash.StatusUpdates, 1)
	assert.Equal(t, "t-2", f.dash.StatusUpdates[0].TaskID)
}

func TestCoordinateMissingDefinitionRecordsFailure(t *testing.T) {
	f := newFixture(t)
	seedProject(f)
	f.dash.PutTask("proj-1", clients.Task{ID: "t-1", Status: "todo", Workflow: "ghost"})

	outcome, err := f.co.Coordinate(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.NotEmpty(t, outcome.Results[0].Error)
}

func TestCoordinateWorkflowNameCannotEscapeDir(t *testing.T) {
	f := newFixture(t)
	seedProject(f)
	f.dash.PutTask("proj-1", clients.Task{ID: "t-1", Status: "todo", Workflow: "../../etc/task"})

	outcome, err := f.co.Coordinate(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "task", outcome.Results[0].Workflow)
	assert.True(t, outcome.Results[0].Success)
}

func TestCoordinateUnknownProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.co.Coordinate(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}
