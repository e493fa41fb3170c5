package engine

import (
	"github.com/rendis/agentloom/pkg/schema"
)

// NodeState is the lifecycle position of a node within one run.
type NodeState string

const (
	NodePending        NodeState = "pending"
	NodeQueued         NodeState = "queued"
	NodeRunning        NodeState = "running"
	NodeCompleted      NodeState = "completed"
	NodeFailed         NodeState = "failed"
	NodeRolledBack     NodeState = "rolled_back"
	NodeRollbackFailed NodeState = "rollback_failed"
)

// validNodeTransitions defines the allowed node state transitions.
var validNodeTransitions = map[NodeState][]NodeState{
	NodePending:        {NodeQueued},
	NodeQueued:         {NodeRunning},
	NodeRunning:        {NodeCompleted, NodeFailed},
	NodeCompleted:      {NodeRolledBack, NodeRollbackFailed},
	NodeFailed:         {},
	NodeRolledBack:     {},
	NodeRollbackFailed: {},
}

// nodeStates tracks the state of every node in a run. It is owned by the run
// loop and is not safe for concurrent use.
type nodeStates map[string]NodeState

func newNodeStates(ids []string) nodeStates {
	s := make(nodeStates, len(ids))
	for _, id := range ids {
		s[id] = NodePending
	}
	return s
}

// transition moves id to the given state, rejecting moves the table does not allow.
func (s nodeStates) transition(id string, to NodeState) error {
	from := s[id]
	for _, allowed := range validNodeTransitions[from] {
		if allowed == to {
			s[id] = to
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid node transition: %s -> %s", from, to).
		WithNode(id).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// snapshot returns a copy suitable for handing to callers.
func (s nodeStates) snapshot() map[string]NodeState {
	out := make(map[string]NodeState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
