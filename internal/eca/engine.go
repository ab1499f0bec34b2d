package eca

import (
	"context"
	"log/slog"
	"time"

	"github.com/emanders/ecrnow/internal/ehr"
	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/internal/logging"
	"github.com/emanders/ecrnow/internal/plan"
	"github.com/emanders/ecrnow/internal/report"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/internal/trigger"
	"github.com/emanders/ecrnow/pkg/schema"
)

// JobScheduler registers a future re-invocation of the engine for one
// subject/action pair. Implementations guarantee at least one SCHEDULED_JOB
// invocation at or after the requested time.
type JobScheduler interface {
	ScheduleJob(ctx context.Context, subjectID string, ts *schema.TimingSchedule, delay time.Duration, actionID string, referenceTime time.Time) error
}

// cacheInvalidator is optionally satisfied by the data fetcher; fresh events
// must not be answered from stale cache.
type cacheInvalidator interface {
	Invalidate(subjectID string)
}

// Engine is the ECA execution engine entry point. It holds only immutable,
// shared collaborators; all mutable per-subject state flows through the
// load/execute/save cycle. Serializing invocations for one subject is the
// caller's responsibility.
type Engine struct {
	registry  *plan.Registry
	store     store.Store
	scheduler JobScheduler
	fetcher   ehr.DataFetcher
	builder   report.Builder
	validator *report.Validator
	submitter report.Submitter
	matcher   *trigger.Matcher
	evaluator *expressions.Evaluator
	logger    *slog.Logger

	finalizers map[schema.ActionKind]finalizeFunc
}

// NewEngine creates an Engine with the given collaborators.
func NewEngine(
	registry *plan.Registry,
	st store.Store,
	scheduler JobScheduler,
	fetcher ehr.DataFetcher,
	builder report.Builder,
	validator *report.Validator,
	submitter report.Submitter,
	matcher *trigger.Matcher,
	evaluator *expressions.Evaluator,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		registry:  registry,
		store:     st,
		scheduler: scheduler,
		fetcher:   fetcher,
		builder:   builder,
		validator: validator,
		submitter: submitter,
		matcher:   matcher,
		evaluator: evaluator,
		logger:    logger,
	}
	e.finalizers = map[schema.ActionKind]finalizeFunc{
		schema.ActionMatchTrigger:   e.finalizeMatchTrigger,
		schema.ActionCreateReport:   e.finalizeBuildReport,
		schema.ActionPeriodicUpdate: e.finalizeBuildReport,
		schema.ActionCloseOut:       e.finalizeBuildReport,
		schema.ActionValidateReport: e.finalizeValidate,
		schema.ActionSubmitReport:   e.finalizeSubmit,
	}
	return e
}

// run carries everything one invocation needs across the protocol steps.
type run struct {
	sub    *store.Subject
	action *schema.ActionDefinition
	state  *schema.ExecutionState
	event  schema.WorkflowEvent
	bundle *ehr.Bundle
	match  schema.TriggerMatch
}

// Execute runs one action for one subject in response to a triggering event,
// following the fixed protocol: condition check, dependency resolution,
// scheduling, then re-validation and completion. All outcomes are reported
// explicitly; state is persisted on every path that changed it.
func (e *Engine) Execute(ctx context.Context, subjectID string, event schema.WorkflowEvent, actionID string) (Outcome, error) {
	event = event.Normalize()
	ctx = logging.WithIDs(ctx, subjectID, actionID, string(event))

	sub, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return OutcomeNoop, schema.NewErrorf(schema.ErrCodeInvalidInput,
				"unknown subject %q", subjectID).WithAction(actionID).WithCause(err)
		}
		return OutcomeNoop, schema.NewError(schema.ErrCodeStore, "load subject").WithCause(err)
	}

	action, err := e.registry.Get(actionID)
	if err != nil {
		return OutcomeNoop, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"unknown action %q", actionID).WithCause(err)
	}

	state, err := schema.DecodeExecutionState(sub.State)
	if err != nil {
		// Fatal: the engine never guesses at partial state. The stored blob
		// is left untouched.
		return OutcomeNoop, err
	}

	r := &run{sub: sub, action: action, state: state, event: event}
	st := state.Status(actionID)
	e.logger.InfoContext(ctx, "executing action", slog.String("prior_status", string(st.JobStatus)))

	// Re-invoking a completed action is a no-op other than logging.
	if st.JobStatus == schema.JobCompleted {
		e.logger.InfoContext(ctx, "action already completed")
		return OutcomeNoop, nil
	}

	if inv, ok := e.fetcher.(cacheInvalidator); ok {
		inv.Invalidate(subjectID)
	}

	// Step 1: condition check.
	applicable, err := e.conditionsHold(ctx, r)
	if err != nil {
		// Collaborator failure during evaluation: complete degraded rather
		// than leaving the workflow stuck.
		e.logger.WarnContext(ctx, "condition evaluation failed, completing degraded", slog.String("error", err.Error()))
		return e.completeDegraded(ctx, r)
	}
	if !applicable {
		e.logger.InfoContext(ctx, "conditions not met, action will not run")
		return OutcomeNotApplicable, nil
	}

	// Step 2: dependency resolution over AFTER edges.
	outcome, done, err := e.resolveDependencies(ctx, r)
	if done || err != nil {
		return outcome, err
	}

	// Step 3: self-scheduling.
	switch st.JobStatus {
	case schema.JobNotStarted:
		if len(action.TimingSchedules) > 0 {
			e.logger.InfoContext(ctx, "timing data present, scheduling job")
			return e.schedule(ctx, r, &action.TimingSchedules[0], 0)
		}
		// No timing data: the action completes synchronously in this pass.
	case schema.JobScheduled:
		if !event.IsScheduled() {
			e.logger.InfoContext(ctx, "job already scheduled, ignoring out-of-band event")
			return OutcomeNoop, nil
		}
		e.logger.InfoContext(ctx, "scheduled job firing")
	}

	// Step 4: re-validation and completion.
	return e.finalize(ctx, r)
}

// RunPlan invokes every action of the plan, in configuration order, for one
// subject. Used when an inbound clinical event arrives: each action decides
// for itself whether it can progress.
func (e *Engine) RunPlan(ctx context.Context, subjectID string, event schema.WorkflowEvent) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome)
	for _, actionID := range e.registry.All() {
		out, err := e.Execute(ctx, subjectID, event, actionID)
		if err != nil {
			return outcomes, err
		}
		outcomes[actionID] = out
	}
	return outcomes, nil
}

// conditionsHold fetches the action's required data and evaluates its
// condition predicates. All conditions must hold; an action without
// conditions is always applicable.
func (e *Engine) conditionsHold(ctx context.Context, r *run) (bool, error) {
	bundle, err := e.fetcher.FetchFilteredData(ctx, r.sub, r.action.DataRequirements)
	if err != nil {
		return false, err
	}
	r.bundle = bundle

	if len(r.action.Conditions) == 0 {
		return true, nil
	}

	data := e.conditionData(r)
	for _, cond := range r.action.Conditions {
		ok, err := e.evaluator.EvalCondition(ctx, cond, data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// conditionData builds the expression environment for condition evaluation.
func (e *Engine) conditionData(r *run) map[string]any {
	stateData := make(map[string]any, len(r.state.Statuses))
	for id, st := range r.state.Statuses {
		stateData[id] = map[string]any{
			"job_status":  string(st.JobStatus),
			"completed":   st.Completed,
			"artifact_id": st.ArtifactID,
		}
	}
	codes := make([]any, 0, len(r.state.TriggerMatch.MatchedCodes))
	for _, c := range r.state.TriggerMatch.MatchedCodes {
		codes = append(codes, c)
	}
	var resources map[string]any
	if r.bundle != nil {
		resources = r.bundle.Data()
	}
	return map[string]any{
		"subject": map[string]any{
			"id":           r.sub.ID,
			"patient_id":   r.sub.PatientID,
			"encounter_id": r.sub.EncounterID,
			"start_date":   r.sub.StartDate.Format(time.RFC3339),
		},
		"resources": resources,
		"state":     stateData,
		"trigger": map[string]any{
			"matched":       r.state.TriggerMatch.Matched,
			"matched_codes": codes,
		},
	}
}

// resolveDependencies walks the action's AFTER edges. It returns done=true
// when this pass must stop: either a dependency is incomplete (waiting) or a
// deferred start was scheduled. BEFORE edges exist for dependents to query
// and never gate this action.
func (e *Engine) resolveDependencies(ctx context.Context, r *run) (Outcome, bool, error) {
	st := r.state.Status(r.action.ID)

	for _, edge := range r.action.RelatedActions {
		if edge.Relationship != schema.RelationAfter {
			e.logger.DebugContext(ctx, "informational edge",
				slog.String("related_action", edge.ActionID),
				slog.String("relationship", string(edge.Relationship)))
			continue
		}

		// A dependency that has never executed is NOT_STARTED, never absent.
		if !r.state.HasCompleted(edge.ActionID) {
			e.logger.InfoContext(ctx, "dependency not completed, action must wait",
				slog.String("related_action", edge.ActionID))
			return OutcomeWaiting, true, nil
		}

		offset, err := edge.OffsetDuration()
		if err != nil {
			return OutcomeNoop, true, err
		}
		if offset > 0 && st.JobStatus == schema.JobNotStarted {
			// Deferred-start directive: the dependency completed and this
			// action must start after the offset. Configured timing
			// schedules take precedence over the raw offset.
			e.logger.InfoContext(ctx, "dependency completed with offset, scheduling deferred start",
				slog.String("related_action", edge.ActionID),
				slog.Duration("offset", offset))
			if len(r.action.TimingSchedules) > 0 {
				out, err := e.schedule(ctx, r, &r.action.TimingSchedules[0], 0)
				return out, true, err
			}
			out, err := e.schedule(ctx, r, nil, offset)
			return out, true, err
		}
		e.logger.DebugContext(ctx, "dependency satisfied", slog.String("related_action", edge.ActionID))
	}
	return OutcomeNoop, false, nil
}

// schedule registers exactly one future invocation, marks the action
// SCHEDULED and persists. Execution is suspended until the job fires.
func (e *Engine) schedule(ctx context.Context, r *run, ts *schema.TimingSchedule, delay time.Duration) (Outcome, error) {
	if err := e.scheduler.ScheduleJob(ctx, r.sub.ID, ts, delay, r.action.ID, r.sub.StartDate); err != nil {
		return OutcomeNoop, schema.NewError(schema.ErrCodeSchedule, "schedule job").
			WithAction(r.action.ID).WithCause(err)
	}
	if err := r.state.Transition(r.action.ID, schema.JobScheduled); err != nil {
		return OutcomeNoop, err
	}
	if err := e.persist(ctx, r); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeScheduled, nil
}

// matchGatedKinds are the kinds whose completion depends on the current
// trigger match. Validation and submission operate on an already-produced
// artifact and never re-check codes.
var matchGatedKinds = map[schema.ActionKind]bool{
	schema.ActionMatchTrigger:   true,
	schema.ActionCreateReport:   true,
	schema.ActionPeriodicUpdate: true,
	schema.ActionCloseOut:       true,
}

// finalize re-checks the trigger match against current data, then runs the
// per-kind completion logic. Data may have changed since scheduling was
// requested; this re-check closes that gap. "Nothing to report" is a
// completed terminal state, not a failure.
func (e *Engine) finalize(ctx context.Context, r *run) (Outcome, error) {
	if matchGatedKinds[r.action.Kind] {
		if r.bundle == nil {
			bundle, err := e.fetcher.FetchFilteredData(ctx, r.sub, r.action.DataRequirements)
			if err != nil {
				e.logger.WarnContext(ctx, "data fetch failed at finalization, completing degraded",
					slog.String("error", err.Error()))
				return e.completeDegraded(ctx, r)
			}
			r.bundle = bundle
		}

		var data map[string]any
		if r.bundle != nil {
			data = r.bundle.Data()
		}
		match, err := e.matcher.Match(ctx, e.registry.TriggerCodes(r.action), data)
		if err != nil {
			e.logger.WarnContext(ctx, "trigger re-check failed, completing degraded",
				slog.String("error", err.Error()))
			return e.completeDegraded(ctx, r)
		}
		r.match = match
		r.state.TriggerMatch = match
	} else {
		r.match = r.state.TriggerMatch
	}

	fin, ok := e.finalizers[r.action.Kind]
	if !ok {
		return OutcomeNoop, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"no finalizer for action kind %q", r.action.Kind).WithAction(r.action.ID)
	}

	artifactID, produced, err := fin(ctx, r)
	if err != nil {
		e.logger.WarnContext(ctx, "finalizer failed, completing degraded",
			slog.String("error", err.Error()))
		return e.completeDegraded(ctx, r)
	}

	if err := r.state.MarkCompleted(r.action.ID, artifactID, produced); err != nil {
		return OutcomeNoop, err
	}
	if err := e.persist(ctx, r); err != nil {
		return OutcomeNoop, err
	}
	e.logger.InfoContext(ctx, "action completed",
		slog.Bool("produced", produced),
		slog.String("artifact_id", artifactID))
	return OutcomeCompleted, nil
}

// completeDegraded records a collaborator failure as a completed terminal
// state with the negative artifact marker, so the workflow never sticks.
func (e *Engine) completeDegraded(ctx context.Context, r *run) (Outcome, error) {
	if err := r.state.MarkCompleted(r.action.ID, "", false); err != nil {
		return OutcomeNoop, err
	}
	if err := e.persist(ctx, r); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeCompleted, nil
}

// persist writes the full execution state back to the subject record. Errors
// here are fatal; the last-known-good blob remains on disk untouched.
func (e *Engine) persist(ctx context.Context, r *run) error {
	blob, err := r.state.Encode()
	if err != nil {
		return err
	}
	if err := e.store.UpdateSubjectState(ctx, r.sub.ID, blob); err != nil {
		return schema.NewError(schema.ErrCodePersistence, "persist execution state").
			WithAction(r.action.ID).WithCause(err)
	}
	r.sub.State = blob
	return nil
}
