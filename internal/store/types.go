package store

import (
	"encoding/json"
	"time"

	"github.com/emanders/ecrnow/pkg/schema"
)

// Subject is the persisted record a workflow runs against: one per patient
// encounter launch. It owns the serialized ExecutionState blob; the engine
// reads the blob at the start of every invocation and writes it back
// atomically on every status-changing exit.
type Subject struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	EncounterID   string    `json:"encounter_id,omitempty"`
	FHIRServerURL string    `json:"fhir_server_url,omitempty"`
	PlanName      string    `json:"plan_name,omitempty"`
	StartDate     time.Time `json:"start_date"`
	State         []byte    `json:"state,omitempty"` // opaque ExecutionState blob
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExecutionState decodes the subject's state blob.
func (s *Subject) ExecutionState() (*schema.ExecutionState, error) {
	return schema.DecodeExecutionState(s.State)
}

// ScheduledJob is a persisted future invocation of one action for one subject.
type ScheduledJob struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	ActionID      string     `json:"action_id"`
	FireAt        time.Time  `json:"fire_at"`
	Cron          string     `json:"cron,omitempty"` // recurring jobs re-arm after firing
	Status        string     `json:"status"`         // pending | done | error
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Job status values.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobError   = "error"
)

// Artifact is a produced report document record.
type Artifact struct {
	ID         string          `json:"id"`
	SubjectID  string          `json:"subject_id"`
	ActionID   string          `json:"action_id"`
	Kind       string          `json:"kind"`
	Content    json.RawMessage `json:"content,omitempty"`
	Status     string          `json:"status"` // created | validated | submitted
	CreatedAt  time.Time       `json:"created_at"`
}

// Artifact status values.
const (
	ArtifactCreated   = "created"
	ArtifactValidated = "validated"
	ArtifactSubmitted = "submitted"
)

// SubjectFilter specifies criteria for listing subjects.
type SubjectFilter struct {
	PatientID string `json:"patient_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	FireAt        *time.Time `json:"fire_at,omitempty"`
	Status        string     `json:"status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	SubjectID string `json:"subject_id,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
