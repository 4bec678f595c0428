package bus

// Task lifecycle topics. Payload is TaskEvent.
const (
	TopicTaskQueued    = "task.queued"
	TopicTaskRunning   = "task.running"
	TopicTaskSucceeded = "task.succeeded"
	TopicTaskFailed    = "task.failed"
)

// Approval topics. Payload is ApprovalEvent.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicApprovalExpired   = "approval.expired"
)

// Guardrail and schedule topics.
const (
	TopicGuardrailAdded = "guardrail.added"
	TopicCronFired      = "cron.fired"
)

// TaskEvent is published on every task state change.
type TaskEvent struct {
	TaskID      int64  `json:"task_id"`
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	ThreadTS    string `json:"thread_ts"`
	Text        string `json:"text,omitempty"` // result or error text on terminal states
}

// ApprovalEvent is published when an approval is created or leaves pending.
type ApprovalEvent struct {
	ApprovalID string `json:"approval_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Decision   string `json:"decision,omitempty"`
}

// GuardrailEvent is published when a rule is persisted.
type GuardrailEvent struct {
	RuleID string `json:"rule_id"`
	Source string `json:"source"` // always | proposal | seed | admin
}

// CronEvent is published each time a cron job fires.
type CronEvent struct {
	JobID  string `json:"job_id"`
	Mode   string `json:"mode"`
	TaskID int64  `json:"task_id,omitempty"`
	Err    string `json:"error,omitempty"`
}
