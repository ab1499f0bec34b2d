package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Serialization of
// invocations for a single subject is the caller's responsibility; the store
// only guarantees that each state write is atomic.
type Store interface {
	// Subjects
	CreateSubject(ctx context.Context, sub *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	UpdateSubjectState(ctx context.Context, id string, state []byte) error
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]*Subject, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	ListDueJobs(ctx context.Context, asOf time.Time) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Artifacts
	CreateArtifact(ctx context.Context, art *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	LatestArtifact(ctx context.Context, subjectID string) (*Artifact, error)
	ListArtifacts(ctx context.Context, subjectID string) ([]*Artifact, error)
	UpdateArtifactStatus(ctx context.Context, id string, status string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
