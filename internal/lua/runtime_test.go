package lua

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/agent"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/testutil"
	"github.com/mpataki/crew/internal/tools"
	"github.com/mpataki/crew/internal/workspace"
)

type fixture struct {
	store *storage.Storage
	run   *models.Run
	ws    *workspace.Workspace
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run := &models.Run{
		Kind:          models.RunKindLua,
		SpecName:      "demo",
		InitialPrompt: "sleep apnea",
		Inputs:        map[string]string{"topic": "sleep apnea"},
		Status:        models.RunStatusRunning,
	}
	run.ID, err = store.CreateRun(run)
	require.NoError(t, err)

	ws, err := workspace.Create(filepath.Join(dir, "workspaces"), run.ID)
	require.NoError(t, err)

	return &fixture{store: store, run: run, ws: ws, dir: dir}
}

func (f *fixture) runtime(t *testing.T, r llm.Reasoner) *Runtime {
	t.Helper()
	specs := map[string]*models.AgentSpec{
		"researcher": {Name: "researcher", Role: "Researcher"},
		"writer":     {Name: "writer", Role: "Writer"},
	}
	agents, err := agent.BuildAll(specs, r, tools.NewRegistry())
	require.NoError(t, err)
	return NewRuntime(f.store, f.run, f.ws, agents)
}

func (f *fixture) script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, "workflow.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const pipeline = `
function workflow(prompt)
	local research = run("researcher")
	if research.status ~= "DONE" then
		stuck(research.reason)
	end
	log("research: " .. research.output)
	local draft = run("writer", "Write about " .. prompt)
	log("draft: " .. draft.output)
end
`

func TestExecuteRunsAgentsInOrder(t *testing.T) {
	f := newFixture(t)
	reasoner := testutil.NewReasoner("facts", "article")
	rt := f.runtime(t, reasoner)

	require.NoError(t, rt.Execute(context.Background(), f.script(t, pipeline), "sleep apnea"))

	run, err := f.store.GetRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, run.Status)
	assert.NotNil(t, run.CompletedAt)

	assert.Equal(t, []string{"research: facts", "draft: article"}, rt.GetLogs())

	reqs := reasoner.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "sleep apnea", reqs[0].Messages[0].Content)
	second := reqs[1].Messages[0].Content
	assert.True(t, strings.HasPrefix(second, "Write about sleep apnea"))
	assert.Contains(t, second, "This is the context you're working with:\nfacts")

	execs, err := f.store.GetExecutionsForRun(f.run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "researcher", execs[0].AgentName)
	assert.Equal(t, 1, execs[0].CallIndex)
	assert.Equal(t, models.ExecStatusComplete, execs[1].Status)
	assert.Equal(t, "article", execs[1].Output)
	assert.Equal(t, int64(10), execs[1].TokensIn)

	log, err := f.ws.ReadContext()
	require.NoError(t, err)
	assert.Contains(t, log, "## researcher")
	assert.Contains(t, log, "article")

	meta, err := f.ws.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, "writer", meta.CurrentAgent)
	assert.Equal(t, []string{"researcher"}, meta.PreviousAgents)
}

func TestResumeReplaysCompletedCalls(t *testing.T) {
	f := newFixture(t)
	path := f.script(t, pipeline)
	require.NoError(t, f.runtime(t, testutil.NewReasoner("facts", "article")).Execute(context.Background(), path, "sleep apnea"))

	// No scripted replies: every call must come from the cache.
	reasoner := testutil.NewReasoner()
	rt := f.runtime(t, reasoner)
	require.NoError(t, rt.Execute(context.Background(), path, "sleep apnea"))

	assert.Empty(t, reasoner.Requests())
	assert.Equal(t, []string{"research: facts", "draft: article"}, rt.GetLogs())
}

func TestResumeRerunsFailedCall(t *testing.T) {
	f := newFixture(t)
	path := f.script(t, pipeline)

	// The writer has no reply and fails.
	require.Error(t, f.runtime(t, testutil.NewReasoner("facts")).Execute(context.Background(), path, "x"))
	run, err := f.store.GetRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	reasoner := testutil.NewReasoner("article")
	require.NoError(t, f.runtime(t, reasoner).Execute(context.Background(), path, "x"))
	assert.Len(t, reasoner.Requests(), 1)

	execs, err := f.store.GetExecutionsForRun(f.run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecStatusComplete, execs[1].Status)
	assert.Empty(t, execs[1].Error)
}

func TestDeterminismViolationInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	first := f.script(t, `function workflow(p) run("researcher") run("writer") end`)
	require.NoError(t, f.runtime(t, testutil.NewReasoner("a", "b")).Execute(context.Background(), first, "x"))

	second := f.script(t, `function workflow(p) run("writer") end`)
	reasoner := testutil.NewReasoner("c")
	rt := f.runtime(t, reasoner)
	require.NoError(t, rt.Execute(context.Background(), second, "x"))

	assert.Len(t, reasoner.Requests(), 1)
	require.Len(t, rt.GetLogs(), 1)
	assert.Contains(t, rt.GetLogs()[0], "determinism violation at call 1: expected researcher, got writer")

	execs, err := f.store.GetExecutionsForRun(f.run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "writer", execs[0].AgentName)
	assert.Equal(t, "c", execs[0].Output)
}

func TestStuckAndAgentErrors(t *testing.T) {
	f := newFixture(t)
	// No reply, so run() reports ERROR and the script gives up.
	rt := f.runtime(t, testutil.NewReasoner())
	require.NoError(t, rt.Execute(context.Background(), f.script(t, pipeline), "x"))

	run, err := f.store.GetRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStuck, run.Status)
	assert.Contains(t, run.Error, testutil.ErrNoReply.Error())
}

func TestContextFunction(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(t, testutil.NewReasoner())
	script := f.script(t, `
function workflow(p)
	local c = context()
	log(c.prompt .. "|" .. c.inputs.topic .. "|" .. c.iteration .. "|" .. tostring(c.run_id))
end`)
	require.NoError(t, rt.Execute(context.Background(), script, "x"))
	assert.Equal(t, []string{"sleep apnea|sleep apnea|0|1"}, rt.GetLogs())
}

func TestSandboxAndScriptErrors(t *testing.T) {
	cases := map[string]struct {
		script string
		want   string
	}{
		"dofile removed":   {`function workflow(p) dofile("x") end`, "workflow execution failed"},
		"no io library":    {`function workflow(p) io.write("x") end`, "workflow execution failed"},
		"no random":        {`function workflow(p) math.random() end`, "workflow execution failed"},
		"unknown agent":    {`function workflow(p) run("critic") end`, `unknown agent "critic"`},
		"missing workflow": {`local x = 1`, "must define a 'workflow' function"},
		"syntax error":     {`function workflow(`, "failed to load script"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			err := f.runtime(t, testutil.NewReasoner()).Execute(context.Background(), f.script(t, tc.script), "x")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)

			run, err := f.store.GetRun(f.run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFailed, run.Status)
		})
	}
}

func TestIsLuaSpec(t *testing.T) {
	assert.True(t, IsLuaSpec("crews/demo/workflow.lua"))
	assert.False(t, IsLuaSpec("crews/demo/tasks.yaml"))
}
