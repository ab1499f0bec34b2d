package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/pkg/schema"
)

func newEvaluator(t *testing.T) *expressions.Evaluator {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	return ev
}

const validPlanJSON = `{
  "name": "covid-19-reporting",
  "version": "1.0",
  "value_sets": {
    "covid-triggers": ["http://loinc.org|94500-6", "http://snomed.info/sct|840539006"]
  },
  "actions": [
    {
      "id": "match-trigger",
      "kind": "match-trigger",
      "trigger_code_sets": ["covid-triggers"],
      "data_requirements": ["Condition", "Observation"]
    },
    {
      "id": "create-eicr",
      "kind": "create-report",
      "related_actions": [
        {"action_id": "match-trigger", "relationship": "after"}
      ],
      "conditions": [
        {"language": "cel", "expression": "trigger.matched"}
      ],
      "data_requirements": ["Condition", "Observation"]
    },
    {
      "id": "close-out-eicr",
      "kind": "close-out",
      "related_actions": [
        {"action_id": "create-eicr", "relationship": "after", "offset": "10s"}
      ],
      "timing_schedules": [
        {"delay": "72h"}
      ],
      "data_requirements": ["Encounter", "Condition"]
    },
    {
      "id": "validate-eicr",
      "kind": "validate-report",
      "related_actions": [
        {"action_id": "close-out-eicr", "relationship": "after"}
      ]
    },
    {
      "id": "submit-eicr",
      "kind": "submit-report",
      "related_actions": [
        {"action_id": "validate-eicr", "relationship": "after"}
      ]
    }
  ]
}`

func TestParse_ValidPlan(t *testing.T) {
	r, err := Parse([]byte(validPlanJSON), newEvaluator(t))
	require.NoError(t, err)

	assert.Equal(t, "covid-19-reporting", r.Plan().Name)
	assert.Equal(t, []string{"match-trigger", "create-eicr", "close-out-eicr", "validate-eicr", "submit-eicr"}, r.All())

	a, err := r.Get("close-out-eicr")
	require.NoError(t, err)
	assert.Equal(t, schema.ActionCloseOut, a.Kind)
	assert.Len(t, a.After(), 1)

	assert.Len(t, r.ByKind(schema.ActionSubmitReport), 1)

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte("{broken"), newEvaluator(t))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"name": "p", "actions": [{"id": "a", "kind": "close-out"}], "extra": 1}`), newEvaluator(t))
	require.Error(t, err)
}

func TestParse_RejectsDuplicateIDs(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out"},
	    {"id": "a", "kind": "create-report"}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestParse_RejectsDanglingReference(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out", "related_actions": [
	      {"action_id": "ghost", "relationship": "after"}
	    ]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
}

func TestParse_RejectsSelfReference(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out", "related_actions": [
	      {"action_id": "a", "relationship": "after"}
	    ]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
}

func TestParse_RejectsCycle(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out", "related_actions": [
	      {"action_id": "b", "relationship": "after"}
	    ]},
	    {"id": "b", "kind": "create-report", "related_actions": [
	      {"action_id": "a", "relationship": "after"}
	    ]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestParse_BeforeEdgesNeverCycle(t *testing.T) {
	// BEFORE edges are informational; a before/after pair between the same two
	// actions is consistent, not circular.
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "create-report", "related_actions": [
	      {"action_id": "b", "relationship": "before"}
	    ]},
	    {"id": "b", "kind": "close-out", "related_actions": [
	      {"action_id": "a", "relationship": "after"}
	    ]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.NoError(t, err)
}

func TestParse_RejectsEmptyTimingSchedule(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out", "timing_schedules": [{}]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delay or a cron")
}

func TestParse_RejectsBadCron(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "periodic-update", "timing_schedules": [{"cron": "not a cron"}]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
}

func TestParse_RejectsUnknownValueSet(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "match-trigger", "trigger_code_sets": ["missing"]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown value set")
}

func TestParse_RejectsUncompilableCondition(t *testing.T) {
	raw := `{
	  "name": "p",
	  "actions": [
	    {"id": "a", "kind": "close-out", "conditions": [
	      {"language": "cel", "expression": "trigger..matched ==="}
	    ]}
	  ]
	}`
	_, err := Parse([]byte(raw), newEvaluator(t))
	require.Error(t, err)
}

func TestRegistry_TriggerCodes(t *testing.T) {
	r, err := Parse([]byte(validPlanJSON), newEvaluator(t))
	require.NoError(t, err)

	a, err := r.Get("match-trigger")
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"http://loinc.org|94500-6", "http://snomed.info/sct|840539006"},
		r.TriggerCodes(a))

	// An action without configured sets matches against every plan value set.
	b, err := r.Get("close-out-eicr")
	require.NoError(t, err)
	assert.Equal(t, r.TriggerCodes(a), r.TriggerCodes(b))
}
