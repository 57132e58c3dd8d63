package domain

// Queue topics. Workers for a capability consume WorkerTopic(capability).
const (
	TopicTasksPending   = "tasks.pending"
	TopicStepsDispatch  = "steps.dispatch"
	TopicStepsCompleted = "steps.completed"
	TopicStepsDLQ       = "steps.dlq"

	workerTopicPrefix = "steps.worker."
)

// WorkerTopic returns the per-capability topic the dispatcher routes steps to.
func WorkerTopic(capability string) string {
	return workerTopicPrefix + capability
}

// StartMessage asks the orchestrator to take the first decision for a task.
type StartMessage struct {
	TaskID string `json:"task_id"`
}

// DispatchMessage carries one step to the worker that owns its capability.
type DispatchMessage struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Batch     int    `json:"batch"`
	Action    Action `json:"action"`
}

// CompletionMessage tells the orchestrator that a step of a batch was observed.
type CompletionMessage struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Batch     int    `json:"batch"`
}
