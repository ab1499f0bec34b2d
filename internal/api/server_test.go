package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanders/ecrnow/internal/eca"
	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/internal/plan"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

const apiPlanJSON = `{
  "name": "covid-19-reporting",
  "actions": [
    {"id": "match-trigger", "kind": "match-trigger"},
    {"id": "create-eicr", "kind": "create-report",
     "related_actions": [{"action_id": "match-trigger", "relationship": "after"}]}
  ]
}`

// stubPlanRunner records RunPlan invocations.
type stubPlanRunner struct {
	lastSubject string
	lastEvent   schema.WorkflowEvent
	outcomes    map[string]eca.Outcome
	err         error
}

func (s *stubPlanRunner) RunPlan(_ context.Context, subjectID string, event schema.WorkflowEvent) (map[string]eca.Outcome, error) {
	s.lastSubject = subjectID
	s.lastEvent = event
	return s.outcomes, s.err
}

func newAPIHarness(t *testing.T) (*Server, *store.LibSQLStore, *stubPlanRunner) {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "api.db")
	st, err := store.NewLibSQLStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	evaluator, err := expressions.NewEvaluator()
	require.NoError(t, err)
	registry, err := plan.Parse([]byte(apiPlanJSON), evaluator)
	require.NoError(t, err)

	runner := &stubPlanRunner{outcomes: map[string]eca.Outcome{
		"match-trigger": eca.OutcomeCompleted,
		"create-eicr":   eca.OutcomeWaiting,
	}}
	srv := NewServer(st, registry, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, st, runner
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLaunch_CreatesSubjectAndRunsPlan(t *testing.T) {
	srv, st, runner := newAPIHarness(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/r4/launch",
		`{"patient_id": "pat-1", "encounter_id": "enc-1", "fhir_server_url": "http://fhir.example.org"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		SubjectID string                 `json:"subject_id"`
		Plan      string                 `json:"plan"`
		Outcomes  map[string]eca.Outcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SubjectID)
	assert.Equal(t, "covid-19-reporting", resp.Plan)
	assert.Equal(t, eca.OutcomeCompleted, resp.Outcomes["match-trigger"])

	assert.Equal(t, resp.SubjectID, runner.lastSubject)
	assert.Equal(t, schema.EventSOFLaunch, runner.lastEvent)

	sub, err := st.GetSubject(context.Background(), resp.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", sub.PatientID)
	assert.Equal(t, "enc-1", sub.EncounterID)
}

func TestLaunch_RequiresPatientID(t *testing.T) {
	srv, _, _ := newAPIHarness(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/r4/launch", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotify_RunsPlanWithNormalizedEvent(t *testing.T) {
	srv, st, runner := newAPIHarness(t)
	require.NoError(t, st.CreateSubject(context.Background(), &store.Subject{ID: "sub-1", PatientID: "pat-1"}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/r4/subjects/sub-1/notify", `{"event": "SUBSCRIPTION"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sub-1", runner.lastSubject)
	assert.Equal(t, schema.EventSubscription, runner.lastEvent)

	// Unknown event strings collapse to INBOUND_EVENT.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/r4/subjects/sub-1/notify", `{"event": "HL7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.EventInbound, runner.lastEvent)
}

func TestNotify_UnknownSubject(t *testing.T) {
	srv, _, runner := newAPIHarness(t)
	runner.err = schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown subject %q", "ghost")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/r4/subjects/ghost/notify", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_ReportsActionStates(t *testing.T) {
	srv, st, _ := newAPIHarness(t)
	ctx := context.Background()

	state := schema.NewExecutionState()
	require.NoError(t, state.MarkCompleted("match-trigger", "", true))
	state.TriggerMatch.SetCodes(true, []string{"http://loinc.org|94500-6"})
	blob, err := state.Encode()
	require.NoError(t, err)

	require.NoError(t, st.CreateSubject(ctx, &store.Subject{
		ID: "sub-1", PatientID: "pat-1", PlanName: "covid-19-reporting",
		StartDate: time.Now().UTC(), State: blob,
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/r4/subjects/sub-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SubjectID    string                 `json:"subject_id"`
		TriggerMatch schema.TriggerMatch    `json:"trigger_match"`
		Actions      []*schema.ActionStatus `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sub-1", resp.SubjectID)
	assert.True(t, resp.TriggerMatch.Matched)

	// Plan order, with never-run actions reported as NOT_STARTED.
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, "match-trigger", resp.Actions[0].ActionID)
	assert.Equal(t, schema.JobCompleted, resp.Actions[0].JobStatus)
	assert.Equal(t, "create-eicr", resp.Actions[1].ActionID)
	assert.Equal(t, schema.JobNotStarted, resp.Actions[1].JobStatus)
}

func TestStatus_NotFound(t *testing.T) {
	srv, _, _ := newAPIHarness(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/r4/subjects/ghost/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newAPIHarness(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
