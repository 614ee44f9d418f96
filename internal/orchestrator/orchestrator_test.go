package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/embedding"
	"github.com/mpataki/crew/internal/ingest"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/research"
	"github.com/mpataki/crew/internal/spec"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/testutil"
	"github.com/mpataki/crew/internal/vectorstore"
)

const (
	agentsYAML = `
researcher:
  role: Clinical Researcher
  goal: Gather evidence
writer:
  role: Protocol Writer
`
	tasksYAML = `
research:
  description: Research {topic}.
  expected_output: Notes
  agent: researcher
write:
  description: Write the protocol.
  expected_output: A protocol
  agent: writer
`
	crewYAML = `
name: clinical
result: clinical_protocol
inputs: [topic]
`
	validProtocol = `{"title": "T", "protocol_sections": [{"section_title": "Aims", "content": "..."}], "summary": "S"}`
)

type env struct {
	store *storage.Storage
	dir   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &env{store: store, dir: dir}
}

func (e *env) orchestrator(r llm.Reasoner, opts ...Option) *Orchestrator {
	return New(e.store, filepath.Join(e.dir, "workspaces"), r, opts...)
}

func writeCrew(t *testing.T, files map[string]string) *models.CrewSpec {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clinical")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	c, err := spec.Parse(dir)
	require.NoError(t, err)
	require.NoError(t, spec.Validate(c))
	return c
}

func TestRunCrewRecordsExecutions(t *testing.T) {
	e := newEnv(t)
	c := writeCrew(t, map[string]string{"agents.yaml": agentsYAML, "tasks.yaml": tasksYAML, "crew.yaml": crewYAML})
	o := e.orchestrator(testutil.NewReasoner("notes", validProtocol))

	run, err := o.StartRun(c, "", map[string]string{"topic": "sleep apnea"})
	require.NoError(t, err)
	assert.Equal(t, models.RunKindCrew, run.Kind)
	assert.Equal(t, "topic=sleep apnea", run.InitialPrompt)

	outcome, err := o.RunCrew(context.Background(), run, c)
	require.NoError(t, err)
	assert.Equal(t, validProtocol, outcome.Final)

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
	assert.Empty(t, got.CurrentAgent)

	execs, err := o.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "research", execs[0].TaskName)
	assert.Equal(t, "researcher", execs[0].AgentName)
	assert.Equal(t, models.ExecStatusComplete, execs[1].Status)
	assert.Equal(t, int64(5), execs[1].TokensOut)
	assert.Contains(t, execs[1].Prompt, "notes")

	assert.FileExists(t, filepath.Join(run.WorkspacePath, "tasks", "01-research.md"))
	assert.FileExists(t, filepath.Join(run.WorkspacePath, "result.json"))

	log, err := o.ReadContext(run.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "## research (researcher)")
}

func TestInvalidCrewIsRefused(t *testing.T) {
	e := newEnv(t)
	good := writeCrew(t, map[string]string{"agents.yaml": agentsYAML, "tasks.yaml": tasksYAML, "crew.yaml": crewYAML})

	dir := filepath.Join(t.TempDir(), "clinical")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(agentsYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crew.yaml"), []byte(crewYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(`
research:
  description: Research {topic}.
  agent: nobody
`), 0644))
	bad, err := spec.Parse(dir)
	require.NoError(t, err)

	r := testutil.NewReasoner("never used")
	o := e.orchestrator(r)

	_, err = o.StartRun(bad, "", map[string]string{"topic": "x"})
	assert.ErrorContains(t, err, `agent "nobody" not found`)
	_, err = o.StartRun(nil, "x", nil)
	assert.ErrorContains(t, err, "crew spec is required")
	runs, err := o.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	run, err := o.StartRun(good, "", map[string]string{"topic": "x"})
	require.NoError(t, err)
	assert.NotPanics(t, func() { err = o.Execute(context.Background(), run, bad) })
	assert.ErrorContains(t, err, "invalid crew clinical")

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "nobody")
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, r.Requests())
}

func TestStartRunBindsPromptToSingleInput(t *testing.T) {
	e := newEnv(t)
	c := writeCrew(t, map[string]string{"agents.yaml": agentsYAML, "tasks.yaml": tasksYAML, "crew.yaml": crewYAML})
	o := e.orchestrator(testutil.NewReasoner("notes", validProtocol))

	run, err := o.StartRun(c, "Drug X", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"topic": "Drug X"}, run.Inputs)
	assert.Equal(t, "Drug X", run.InitialPrompt)

	_, err = o.RunCrew(context.Background(), run, c)
	require.NoError(t, err)

	_, err = o.StartRun(c, "", nil)
	assert.ErrorContains(t, err, "missing inputs: topic")
}

func TestResumeCrewSkipsCompletedTasks(t *testing.T) {
	e := newEnv(t)
	c := writeCrew(t, map[string]string{"agents.yaml": agentsYAML, "tasks.yaml": tasksYAML, "crew.yaml": crewYAML})

	// The writer returns an invalid protocol the first time.
	first := e.orchestrator(testutil.NewReasoner("notes", `{"title": "T"}`))
	run, err := first.StartRun(c, "", map[string]string{"topic": "x"})
	require.NoError(t, err)
	_, err = first.RunCrew(context.Background(), run, c)
	var verr *llm.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := first.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "summary is required")

	reasoner := testutil.NewReasoner(validProtocol)
	require.NoError(t, e.orchestrator(reasoner).ResumeRun(context.Background(), run.ID))
	require.Len(t, reasoner.Requests(), 1)
	assert.Contains(t, reasoner.Requests()[0].System, "Protocol Writer")

	got, err = first.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
	assert.Empty(t, got.Error)

	err = e.orchestrator(reasoner).ResumeRun(context.Background(), run.ID)
	assert.ErrorContains(t, err, "already complete")
}

func TestRunLuaWorkflow(t *testing.T) {
	e := newEnv(t)
	c := writeCrew(t, map[string]string{
		"agents.yaml": agentsYAML,
		"workflow.lua": `
function workflow(prompt)
	local notes = run("researcher")
	run("writer", "Draft from the notes")
end`,
	})
	o := e.orchestrator(testutil.NewReasoner("notes", "draft"))

	run, err := o.StartRun(c, "sleep apnea", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunKindLua, run.Kind)
	require.NoError(t, o.Execute(context.Background(), run, c))

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)

	execs, err := o.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 2, execs[1].CallIndex)

	// Resuming a finished script is refused; a stuck one would replay.
	assert.Error(t, o.ResumeRun(context.Background(), run.ID))
}

func researchHandler(req llm.Request) (*llm.Response, error) {
	switch {
	case strings.HasPrefix(req.System, "You are tasked with creating a set of AI analyst personas"):
		return testutil.Text(`{"analysts": [{"name": "Ada", "role": "Economist", "affiliation": "LSE", "description": "costs"}]}`)
	case strings.HasPrefix(req.System, "You will be given a conversation"):
		return testutil.Text(`{"search_query": "q"}`)
	}
	return testutil.Text("## Insights\nThank you so much for your help!")
}

func TestRunResearch(t *testing.T) {
	e := newEnv(t)
	web := &testutil.Searcher{Docs: []models.Document{{URL: "https://example.com", Content: "c"}}}
	var steps int
	o := e.orchestrator(&testutil.Reasoner{Handler: researchHandler},
		WithSearchers(web, nil),
		WithResearchConfig(research.Config{MaxAnalysts: 1, OnStep: func(research.StepEvent) { steps++ }}),
	)

	run, err := o.StartResearch("remote work")
	require.NoError(t, err)
	report, err := o.RunResearch(context.Background(), run)
	require.NoError(t, err)
	assert.NotEmpty(t, report.FinalReport)

	data, err := os.ReadFile(filepath.Join(run.WorkspacePath, "report.md"))
	require.NoError(t, err)
	assert.Equal(t, report.FinalReport, string(data))

	execs, err := o.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, steps, len(execs))
	assert.Equal(t, "research", execs[0].AgentName)
	assert.Equal(t, string(research.StateCreateAnalysts), execs[0].TaskName)

	var sections int
	for _, ex := range execs {
		if ex.TaskName == string(research.StateWriteSection) {
			sections++
			assert.Equal(t, "Ada", ex.AgentName)
		}
	}
	assert.Equal(t, 1, sections)
}

func TestRunResearchFailure(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(&testutil.Reasoner{Handler: func(llm.Request) (*llm.Response, error) {
		return nil, errors.New("service down")
	}})
	run, err := o.StartResearch("remote work")
	require.NoError(t, err)
	_, err = o.RunResearch(context.Background(), run)
	require.ErrorContains(t, err, "service down")

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "service down")
}

func TestRunIngest(t *testing.T) {
	e := newEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/templates/workflows/7" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"workflow": {"name": "Alerts", "workflow": {"nodes": []}}}`)
	}))
	t.Cleanup(server.Close)

	vectors, err := vectorstore.NewChromem("", "n8n", embedding.NewHashingProvider(16))
	require.NoError(t, err)
	reasoner := &testutil.Reasoner{Handler: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.Messages[0].Content, "You are an expert in n8n workflows") {
			return testutil.Text("GOOD")
		}
		return testutil.Text("summary")
	}}
	pipeline := ingest.NewPipeline(ingest.NewClient(server.Client(), server.URL), reasoner, vectors, e.store, ingest.WithRate(0))
	o := e.orchestrator(reasoner, WithIngestPipeline(pipeline))

	run, err := o.StartIngest([]int64{6, 7, 8})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"from": "6", "to": "8"}, run.Inputs)

	require.NoError(t, o.Execute(context.Background(), run, nil))

	execs, err := o.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "template 7", execs[1].TaskName)
	assert.Equal(t, string(ingest.ResultIngested), execs[1].Output)
	assert.Equal(t, string(ingest.ResultMissing), execs[0].Output)

	rec, err := e.store.GetWorkflow(7)
	require.NoError(t, err)
	assert.Equal(t, "Alerts", rec.Name)

	log, err := o.ReadContext(run.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "ingested=1 rejected=0 existing=0 missing=2 failed=0")
}

func TestRunIngestNotConfigured(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(testutil.NewReasoner())
	run, err := o.StartIngest([]int64{1})
	require.NoError(t, err)
	_, err = o.RunIngest(context.Background(), run, []int64{1})
	assert.ErrorContains(t, err, "not configured")

	_, err = o.StartIngest(nil)
	assert.Error(t, err)
}

func TestKillRunCancelsExecution(t *testing.T) {
	e := newEnv(t)
	c := writeCrew(t, map[string]string{"agents.yaml": agentsYAML, "tasks.yaml": tasksYAML, "crew.yaml": crewYAML})

	var o *Orchestrator
	var runID int64
	reasoner := &testutil.Reasoner{Handler: func(llm.Request) (*llm.Response, error) {
		require.NoError(t, o.KillRun(runID))
		return nil, errors.New("interrupted")
	}}
	o = e.orchestrator(reasoner)

	run, err := o.StartRun(c, "", map[string]string{"topic": "x"})
	require.NoError(t, err)
	runID = run.ID

	_, err = o.RunCrew(context.Background(), run, c)
	assert.ErrorIs(t, err, ErrKilled)

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, ErrKilled.Error(), got.Error)

	execs, err := o.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecStatusFailed, execs[0].Status)
}

func TestKillPendingRun(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(testutil.NewReasoner())
	run, err := o.StartResearch("x")
	require.NoError(t, err)

	require.NoError(t, o.KillRun(run.ID))
	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecuteWithoutReasoner(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil)
	run, err := o.StartResearch("x")
	require.NoError(t, err)

	_, err = o.RunResearch(context.Background(), run)
	assert.ErrorIs(t, err, ErrNoReasoner)

	got, err := o.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
}

func TestDeleteRun(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(testutil.NewReasoner())
	run, err := o.StartResearch("x")
	require.NoError(t, err)
	assert.DirExists(t, run.WorkspacePath)

	require.NoError(t, o.DeleteRun(run.ID))
	assert.NoDirExists(t, run.WorkspacePath)
	_, err = o.GetRun(run.ID)
	assert.Error(t, err)
}

func TestTemplateIDEncoding(t *testing.T) {
	cases := [][]int64{{5}, {1, 2, 3}, {3, 9, 4}}
	for _, ids := range cases {
		got, err := DecodeIDs(encodeIDs(ids))
		require.NoError(t, err)
		assert.Equal(t, ids, got)
	}
	assert.Equal(t, map[string]string{"ids": "3,9,4"}, encodeIDs([]int64{3, 9, 4}))

	_, err := DecodeIDs(map[string]string{"ids": "1,x"})
	assert.Error(t, err)
	_, err = DecodeIDs(map[string]string{})
	assert.Error(t, err)
}

func TestDescribeInputs(t *testing.T) {
	assert.Equal(t, "a=1, b=2", DescribeInputs(map[string]string{"b": "2", "a": "1"}))
	assert.Empty(t, DescribeInputs(nil))
}
