package schema

// WorkflowEvent identifies what caused an engine invocation.
type WorkflowEvent string

const (
	// EventInbound signals that fresh clinical data arrived for the subject.
	EventInbound WorkflowEvent = "INBOUND_EVENT"
	// EventScheduledJob signals that a previously scheduled job is firing.
	EventScheduledJob WorkflowEvent = "SCHEDULED_JOB"
	// EventSOFLaunch signals a SMART-on-FHIR app launch for an encounter.
	EventSOFLaunch WorkflowEvent = "SOF_LAUNCH"
	// EventSubscription signals a FHIR subscription notification.
	EventSubscription WorkflowEvent = "SUBSCRIPTION"
)

// Normalize collapses unrecognized events to EventInbound. Only the
// scheduled-job event carries special semantics in the execution protocol;
// everything else means "new data, re-evaluate".
func (e WorkflowEvent) Normalize() WorkflowEvent {
	switch e {
	case EventScheduledJob:
		return EventScheduledJob
	case EventInbound, EventSOFLaunch, EventSubscription:
		return e
	default:
		return EventInbound
	}
}

// IsScheduled reports whether this invocation is a scheduled job firing.
func (e WorkflowEvent) IsScheduled() bool {
	return e == EventScheduledJob
}

// JobStatus is the per-action execution status within a subject's workflow.
type JobStatus string

const (
	JobNotStarted JobStatus = "NOT_STARTED"
	JobScheduled  JobStatus = "SCHEDULED"
	JobCompleted  JobStatus = "COMPLETED"
)

// ValidJobTransitions defines the allowed status transitions for an action.
// The lifecycle is strictly monotonic; completed is terminal.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobNotStarted: {JobScheduled, JobCompleted},
	JobScheduled:  {JobCompleted},
	JobCompleted:  {},
}

// CanTransition reports whether moving from one job status to another is allowed.
func CanTransition(from, to JobStatus) bool {
	for _, a := range ValidJobTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
