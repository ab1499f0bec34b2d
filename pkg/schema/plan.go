package schema

import "time"

// ActionKind enumerates the closed set of configurable action variants.
type ActionKind string

const (
	ActionMatchTrigger   ActionKind = "match-trigger"
	ActionCreateReport   ActionKind = "create-report"
	ActionPeriodicUpdate ActionKind = "periodic-update"
	ActionCloseOut       ActionKind = "close-out"
	ActionValidateReport ActionKind = "validate-report"
	ActionSubmitReport   ActionKind = "submit-report"
)

// KnownActionKinds is the set of recognized action kinds.
var KnownActionKinds = map[ActionKind]bool{
	ActionMatchTrigger:   true,
	ActionCreateReport:   true,
	ActionPeriodicUpdate: true,
	ActionCloseOut:       true,
	ActionValidateReport: true,
	ActionSubmitReport:   true,
}

// RelationKind is the dependency relationship between two actions.
type RelationKind string

const (
	RelationBefore RelationKind = "before"
	RelationAfter  RelationKind = "after"
)

// RelatedAction is a configuration-time edge in the action dependency graph:
// a reference to another action, a relationship kind, and an optional offset.
type RelatedAction struct {
	ActionID     string       `json:"action_id"`
	Relationship RelationKind `json:"relationship"`
	Offset       string       `json:"offset,omitempty"` // Go duration, e.g. "10s"
}

// OffsetDuration parses the offset. A zero duration means no offset.
func (r *RelatedAction) OffsetDuration() (time.Duration, error) {
	if r.Offset == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Offset)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid offset %q: %s", r.Offset, err.Error()).WithCause(err)
	}
	return d, nil
}

// TimingSchedule is a declarative delay/repeat rule consumed by the job
// scheduler. The engine treats it as opaque beyond "one or more exist".
type TimingSchedule struct {
	Delay string `json:"delay,omitempty"` // one-shot delay, Go duration
	Cron  string `json:"cron,omitempty"`  // recurring schedule, standard 5-field cron
}

// DelayDuration parses the one-shot delay. Zero means fire immediately
// (or per cron, when set).
func (t *TimingSchedule) DelayDuration() (time.Duration, error) {
	if t.Delay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Delay)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid delay %q: %s", t.Delay, err.Error()).WithCause(err)
	}
	return d, nil
}

// Condition is an applicability predicate attached to an action.
type Condition struct {
	Language   string `json:"language"` // cel | expr | jq
	Expression string `json:"expression"`
}

// ActionDefinition is one configured action in a reporting plan. Immutable
// after load; the per-subject mutable state lives in ExecutionState.
type ActionDefinition struct {
	ID               string           `json:"id"`
	Kind             ActionKind       `json:"kind"`
	Description      string           `json:"description,omitempty"`
	Conditions       []Condition      `json:"conditions,omitempty"`
	TriggerCodeSets  []string         `json:"trigger_code_sets,omitempty"` // value set IDs to match against
	RelatedActions   []RelatedAction  `json:"related_actions,omitempty"`
	TimingSchedules  []TimingSchedule `json:"timing_schedules,omitempty"`
	DataRequirements []string         `json:"data_requirements,omitempty"` // FHIR resource types to fetch
}

// After returns the AFTER edges of this action, in configuration order.
func (a *ActionDefinition) After() []RelatedAction {
	var out []RelatedAction
	for _, r := range a.RelatedActions {
		if r.Relationship == RelationAfter {
			out = append(out, r)
		}
	}
	return out
}

// ReportingPlan is the full workflow configuration: the action graph plus the
// trigger-code value sets it references.
type ReportingPlan struct {
	Name      string              `json:"name"`
	Version   string              `json:"version,omitempty"`
	Actions   []ActionDefinition  `json:"actions"`
	ValueSets map[string][]string `json:"value_sets,omitempty"` // set ID -> system|code entries
}
