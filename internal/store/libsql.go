package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/emanders/ecrnow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Subjects ---

func (s *LibSQLStore) CreateSubject(ctx context.Context, sub *Subject) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, patient_id, encounter_id, fhir_server_url, plan_name, start_date, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.PatientID, nullStr(sub.EncounterID), nullStr(sub.FHIRServerURL), nullStr(sub.PlanName),
		timeOrNow(sub.StartDate), nullBytes(sub.State), timeOrNow(sub.CreatedAt), timeOrNow(sub.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	sub := &Subject{}
	var encounterID, serverURL, planName sql.NullString
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, encounter_id, fhir_server_url, plan_name, start_date, state, created_at, updated_at
		 FROM subjects WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.PatientID, &encounterID, &serverURL, &planName,
		&sub.StartDate, &state, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subject", id)
	}
	if err != nil {
		return nil, err
	}
	sub.EncounterID = encounterID.String
	sub.FHIRServerURL = serverURL.String
	sub.PlanName = planName.String
	sub.State = state
	return sub, nil
}

// UpdateSubjectState replaces the subject's serialized execution state in a
// single statement, so a partial blob is never observable to readers.
func (s *LibSQLStore) UpdateSubjectState(ctx context.Context, id string, state []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullBytes(state), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subject", id)
}

func (s *LibSQLStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]*Subject, error) {
	query := `SELECT id, patient_id, encounter_id, fhir_server_url, plan_name, start_date, state, created_at, updated_at FROM subjects`
	var args []any
	if filter.PatientID != "" {
		query += ` WHERE patient_id = ?`
		args = append(args, filter.PatientID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subject
	for rows.Next() {
		sub := &Subject{}
		var encounterID, serverURL, planName sql.NullString
		var state []byte
		if err := rows.Scan(&sub.ID, &sub.PatientID, &encounterID, &serverURL, &planName,
			&sub.StartDate, &state, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.EncounterID = encounterID.String
		sub.FHIRServerURL = serverURL.String
		sub.PlanName = planName.String
		sub.State = state
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	status := job.Status
	if status == "" {
		status = JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, subject_id, action_id, fire_at, cron, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SubjectID, job.ActionID, job.FireAt.UTC(), nullStr(job.Cron), status, timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var cron, lastStatus sql.NullString
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, action_id, fire_at, cron, status, last_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.SubjectID, &job.ActionID, &job.FireAt, &cron, &job.Status, &lastRun, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Cron = cron.String
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	query := `UPDATE scheduled_jobs SET `
	var sets []string
	var args []any
	if update.FireAt != nil {
		sets = append(sets, `fire_at = ?`)
		args = append(args, update.FireAt.UTC())
	}
	if update.Status != "" {
		sets = append(sets, `status = ?`)
		args = append(args, update.Status)
	}
	if update.LastRunAt != nil {
		sets = append(sets, `last_run_at = ?`)
		args = append(args, update.LastRunAt.UTC())
	}
	if update.LastRunStatus != "" {
		sets = append(sets, `last_run_status = ?`)
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id, subject_id, action_id, fire_at, cron, status, last_run_at, last_run_status, created_at FROM scheduled_jobs WHERE 1=1`
	var args []any
	if filter.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, filter.SubjectID)
	}
	if filter.ActionID != "" {
		query += ` AND action_id = ?`
		args = append(args, filter.ActionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY fire_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.scanJobs(ctx, query, args...)
}

// ListDueJobs returns pending jobs whose fire time is at or before asOf.
func (s *LibSQLStore) ListDueJobs(ctx context.Context, asOf time.Time) ([]*ScheduledJob, error) {
	return s.scanJobs(ctx,
		`SELECT id, subject_id, action_id, fire_at, cron, status, last_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE status = ? AND fire_at <= ? ORDER BY fire_at ASC`,
		JobPending, asOf.UTC(),
	)
}

func (s *LibSQLStore) scanJobs(ctx context.Context, query string, args ...any) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var cron, lastStatus sql.NullString
		var lastRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.SubjectID, &job.ActionID, &job.FireAt, &cron,
			&job.Status, &lastRun, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Cron = cron.String
		job.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Artifacts ---

func (s *LibSQLStore) CreateArtifact(ctx context.Context, art *Artifact) error {
	status := art.Status
	if status == "" {
		status = ArtifactCreated
	}
	content, err := nullableJSON(art.Content)
	if err != nil {
		return fmt.Errorf("marshal artifact content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, subject_id, action_id, kind, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.SubjectID, art.ActionID, art.Kind, content, status, timeOrNow(art.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	art, err := s.scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, action_id, kind, content, status, created_at FROM artifacts WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("artifact", id)
	}
	return art, err
}

// LatestArtifact returns the most recently created artifact for a subject,
// or a NOT_FOUND error when none exists.
func (s *LibSQLStore) LatestArtifact(ctx context.Context, subjectID string) (*Artifact, error) {
	art, err := s.scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, action_id, kind, content, status, created_at
		 FROM artifacts WHERE subject_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, subjectID,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("artifact for subject", subjectID)
	}
	return art, err
}

func (s *LibSQLStore) scanArtifact(row *sql.Row) (*Artifact, error) {
	art := &Artifact{}
	var content sql.NullString
	err := row.Scan(&art.ID, &art.SubjectID, &art.ActionID, &art.Kind, &content, &art.Status, &art.CreatedAt)
	if err != nil {
		return nil, err
	}
	art.Content = jsonOrNil(content)
	return art, nil
}

func (s *LibSQLStore) ListArtifacts(ctx context.Context, subjectID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, action_id, kind, content, status, created_at
		 FROM artifacts WHERE subject_id = ? ORDER BY created_at ASC, id ASC`, subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arts []*Artifact
	for rows.Next() {
		art := &Artifact{}
		var content sql.NullString
		if err := rows.Scan(&art.ID, &art.SubjectID, &art.ActionID, &art.Kind, &content, &art.Status, &art.CreatedAt); err != nil {
			return nil, err
		}
		art.Content = jsonOrNil(content)
		arts = append(arts, art)
	}
	return arts, rows.Err()
}

func (s *LibSQLStore) UpdateArtifactStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "artifact", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EcrError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}
