package schema

import (
	"bytes"
	"encoding/json"
	"sort"
)

// NegativeArtifactID marks an action that completed without producing a
// report, either because the trigger match no longer held at finalization
// time or because a collaborator failed.
const NegativeArtifactID = "0"

// ActionStatus is the execution status record for one action of one subject.
type ActionStatus struct {
	ActionID   string    `json:"action_id"`
	JobStatus  JobStatus `json:"job_status"`
	Completed  bool      `json:"completed"`
	ArtifactID string    `json:"artifact_id,omitempty"`
}

// TriggerMatch is the outcome of the most recent trigger-code evaluation.
// It is overwritten on every re-evaluation, never merged.
type TriggerMatch struct {
	Matched      bool     `json:"matched"`
	MatchedCodes []string `json:"matched_codes,omitempty"`
}

// SetCodes replaces the matched code set, normalized to a sorted, de-duplicated
// slice so that state serialization stays deterministic.
func (t *TriggerMatch) SetCodes(matched bool, codes []string) {
	t.Matched = matched
	if len(codes) == 0 {
		t.MatchedCodes = nil
		return
	}
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	t.MatchedCodes = out
}

// ExecutionState is the full per-subject workflow state: one status entry per
// action that has ever run or been scheduled, plus the latest trigger match.
// It round-trips through Encode/Decode byte-for-byte for unchanged state.
type ExecutionState struct {
	Statuses     map[string]*ActionStatus `json:"statuses"`
	TriggerMatch TriggerMatch             `json:"trigger_match"`
}

// NewExecutionState creates an empty ExecutionState.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{Statuses: make(map[string]*ActionStatus)}
}

// Status returns the status entry for the given action, creating a
// NOT_STARTED entry if the action has never been seen. An action that has
// never executed is always NOT_STARTED, never absent.
func (s *ExecutionState) Status(actionID string) *ActionStatus {
	if s.Statuses == nil {
		s.Statuses = make(map[string]*ActionStatus)
	}
	st, ok := s.Statuses[actionID]
	if !ok {
		st = &ActionStatus{ActionID: actionID, JobStatus: JobNotStarted}
		s.Statuses[actionID] = st
	}
	return st
}

// HasCompleted reports whether the given action has reached its terminal status.
func (s *ExecutionState) HasCompleted(actionID string) bool {
	return s.Status(actionID).JobStatus == JobCompleted
}

// Transition moves an action's job status forward, enforcing monotonicity.
func (s *ExecutionState) Transition(actionID string, to JobStatus) error {
	st := s.Status(actionID)
	if !CanTransition(st.JobStatus, to) {
		return NewErrorf(ErrCodeInvalidTransition,
			"invalid job transition: %s -> %s", st.JobStatus, to).
			WithAction(actionID)
	}
	st.JobStatus = to
	return nil
}

// MarkCompleted transitions an action to COMPLETED and records the produced
// artifact. A produced=false completion records the negative artifact marker.
func (s *ExecutionState) MarkCompleted(actionID, artifactID string, produced bool) error {
	if err := s.Transition(actionID, JobCompleted); err != nil {
		return err
	}
	st := s.Status(actionID)
	st.Completed = produced
	if produced {
		st.ArtifactID = artifactID
	} else {
		st.ArtifactID = NegativeArtifactID
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	cp := NewExecutionState()
	cp.TriggerMatch.Matched = s.TriggerMatch.Matched
	if s.TriggerMatch.MatchedCodes != nil {
		cp.TriggerMatch.MatchedCodes = append([]string(nil), s.TriggerMatch.MatchedCodes...)
	}
	for id, st := range s.Statuses {
		c := *st
		cp.Statuses[id] = &c
	}
	return cp
}

// Encode serializes the state to its persisted blob form. Map keys are
// emitted in sorted order, so encoding is deterministic for a given state.
func (s *ExecutionState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, NewErrorf(ErrCodePersistence, "encode execution state: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

// DecodeExecutionState parses a persisted state blob. An empty blob yields a
// fresh state (a subject that has never run any action).
func DecodeExecutionState(blob []byte) (*ExecutionState, error) {
	if len(blob) == 0 {
		return NewExecutionState(), nil
	}
	s := NewExecutionState()
	if err := json.Unmarshal(blob, s); err != nil {
		return nil, NewErrorf(ErrCodePersistence, "decode execution state: %s", err.Error()).WithCause(err)
	}
	if s.Statuses == nil {
		s.Statuses = make(map[string]*ActionStatus)
	}
	return s, nil
}

// Equal reports structural equality via the canonical encoding.
func (s *ExecutionState) Equal(other *ExecutionState) bool {
	if other == nil {
		return false
	}
	a, err1 := s.Encode()
	b, err2 := other.Encode()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}
