package eca

// Outcome is the explicit result of one engine invocation for one action.
// Callers and tests assert on it instead of inspecting side effects.
type Outcome string

const (
	// OutcomeNotApplicable — the action's conditions did not hold; nothing ran.
	OutcomeNotApplicable Outcome = "not-applicable"
	// OutcomeWaiting — an AFTER dependency has not completed; the action must wait.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeScheduled — a future invocation was registered; execution is suspended.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeCompleted — the action reached its terminal status this pass.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNoop — nothing to do (already completed, or an out-of-band event
	// arrived while a job is pending).
	OutcomeNoop Outcome = "noop"
)
