package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanders/ecrnow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestLibSQLStore_SubjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &Subject{
		ID:            "sub-1",
		PatientID:     "pat-1",
		EncounterID:   "enc-1",
		FHIRServerURL: "http://fhir.example.org",
		PlanName:      "covid-19",
		StartDate:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateSubject(ctx, sub))

	got, err := s.GetSubject(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "pat-1", got.PatientID)
	assert.Equal(t, "enc-1", got.EncounterID)
	assert.Equal(t, "covid-19", got.PlanName)
	assert.Empty(t, got.State)

	// A subject with no stored state decodes to a fresh execution state.
	state, err := got.ExecutionState()
	require.NoError(t, err)
	assert.Empty(t, state.Statuses)

	require.NoError(t, state.Transition("close-out", schema.JobScheduled))
	blob, err := state.Encode()
	require.NoError(t, err)
	require.NoError(t, s.UpdateSubjectState(ctx, "sub-1", blob))

	got, err = s.GetSubject(ctx, "sub-1")
	require.NoError(t, err)
	reloaded, err := got.ExecutionState()
	require.NoError(t, err)
	assert.Equal(t, schema.JobScheduled, reloaded.Status("close-out").JobStatus)
}

func TestLibSQLStore_SubjectNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSubject(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.UpdateSubjectState(ctx, "ghost", []byte("{}"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestLibSQLStore_ListSubjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.CreateSubject(ctx, &Subject{ID: id, PatientID: "pat-" + id}))
	}
	require.NoError(t, s.CreateSubject(ctx, &Subject{ID: "s4", PatientID: "pat-s1"}))

	all, err := s.ListSubjects(ctx, SubjectFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byPatient, err := s.ListSubjects(ctx, SubjectFilter{PatientID: "pat-s1"})
	require.NoError(t, err)
	assert.Len(t, byPatient, 2)

	limited, err := s.ListSubjects(ctx, SubjectFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLibSQLStore_ScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSubject(ctx, &Subject{ID: "sub-1", PatientID: "pat-1"}))

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "job-due", SubjectID: "sub-1", ActionID: "close-out", FireAt: past,
	}))
	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "job-later", SubjectID: "sub-1", ActionID: "periodic", FireAt: future, Cron: "*/15 * * * *",
	}))

	due, err := s.ListDueJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "job-due", due[0].ID)
	assert.Equal(t, JobPending, due[0].Status)

	pending, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{
		SubjectID: "sub-1", ActionID: "periodic", Status: JobPending,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "*/15 * * * *", pending[0].Cron)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-due", ScheduledJobUpdate{
		Status:        JobDone,
		LastRunAt:     &now,
		LastRunStatus: "completed",
	}))

	got, err := s.GetScheduledJob(ctx, "job-due")
	require.NoError(t, err)
	assert.Equal(t, JobDone, got.Status)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	// Done jobs are no longer due.
	due, err = s.ListDueJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.DeleteScheduledJob(ctx, "job-later"))
	_, err = s.GetScheduledJob(ctx, "job-later")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestLibSQLStore_ScheduledJobRearm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSubject(ctx, &Subject{ID: "sub-1", PatientID: "pat-1"}))
	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "job-1", SubjectID: "sub-1", ActionID: "periodic",
		FireAt: time.Now().UTC().Add(-time.Minute), Cron: "0 * * * *",
	}))

	next := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-1", ScheduledJobUpdate{FireAt: &next}))

	got, err := s.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, got.Status)
	assert.WithinDuration(t, next, got.FireAt, time.Second)
}

func TestLibSQLStore_Artifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSubject(ctx, &Subject{ID: "sub-1", PatientID: "pat-1"}))

	_, err := s.LatestArtifact(ctx, "sub-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	first := &Artifact{
		ID: "art-1", SubjectID: "sub-1", ActionID: "create-eicr", Kind: "create-report",
		Content:   json.RawMessage(`{"id":"art-1"}`),
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	second := &Artifact{
		ID: "art-2", SubjectID: "sub-1", ActionID: "close-out", Kind: "close-out",
		Content:   json.RawMessage(`{"id":"art-2"}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateArtifact(ctx, first))
	require.NoError(t, s.CreateArtifact(ctx, second))

	latest, err := s.LatestArtifact(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "art-2", latest.ID)
	assert.Equal(t, ArtifactCreated, latest.Status)
	assert.JSONEq(t, `{"id":"art-2"}`, string(latest.Content))

	require.NoError(t, s.UpdateArtifactStatus(ctx, "art-2", ArtifactValidated))
	got, err := s.GetArtifact(ctx, "art-2")
	require.NoError(t, err)
	assert.Equal(t, ArtifactValidated, got.Status)

	all, err := s.ListArtifacts(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "art-1", all[0].ID)
}

func TestLibSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
