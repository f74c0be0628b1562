package bus

// Agent lifecycle topics.
const (
	TopicAgentCreated    = "agent.created"
	TopicAgentTerminated = "agent.terminated"
)

// Job lifecycle topics.
const (
	TopicJobComplete  = "job.complete"
	TopicJobError     = "job.error"
	TopicJobProgress  = "job.progress"
	TopicJobAborted   = "job.aborted"
	TopicJobRecovered = "job.recovered"
)

// Schedule topics.
const (
	TopicScheduleFired = "schedule.fired"
)

// AgentEvent is published on agent.created and agent.terminated.
type AgentEvent struct {
	WorkerID string // identity from the GET_ID handshake, may be empty
	Reason   string // set on termination
}

// JobEvent is published on job.complete, job.error, job.aborted and
// job.recovered.
type JobEvent struct {
	JobID  string
	Status string
	Mode   string
	Error  string // set on job.error
}

// JobProgressEvent is published on job.progress. Percent is the last
// observed value, not necessarily the maximum.
type JobProgressEvent struct {
	JobID   string
	Percent int
}

// ScheduleEvent is published on schedule.fired.
type ScheduleEvent struct {
	ScheduleID string
	JobID      string
}
