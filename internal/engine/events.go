package engine

// EventType names an engine lifecycle event.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventNodeStarted        EventType = "node.started"
	EventNodeRetrying       EventType = "node.retrying"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeFailed         EventType = "node.failed"
	EventNodeRolledBack     EventType = "node.rolled_back"
	EventNodeRollbackFailed EventType = "node.rollback_failed"
	EventRunFinished        EventType = "run.finished"
)

// Event is delivered to engine observers.
type Event struct {
	Type    EventType
	RunID   string
	NodeID  string
	Attempt int
	Result  any
	Err     error
	Summary *RunSummary
}
