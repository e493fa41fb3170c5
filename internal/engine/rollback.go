package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/agentloom/internal/logging"
)

// rollback runs the rollback body of every completed node, newest completion
// first, one at a time. Rollback failures are logged and emitted, never
// returned. Rollback bodies run even when ctx is already cancelled; they
// keep its values but not its cancellation. It returns the IDs whose
// rollback succeeded, in sweep order.
func (e *Engine) rollback(ctx context.Context, log *slog.Logger, runID string, g *graph, completed []string, states nodeStates, ec *ExecutionContext) []string {
	ctx = context.WithoutCancel(ctx)
	var rolledBack []string
	for i := len(completed) - 1; i >= 0; i-- {
		id := completed[i]
		node := g.nodes[id]
		if node.Rollback == nil {
			continue
		}

		_, err := invoke(logging.WithNodeID(ctx, id), id, node.Rollback, ec)
		if err != nil {
			e.mustTransition(log, states, id, NodeRollbackFailed)
			log.Error("rollback failed", slog.String("node_id", id), slog.String("error", err.Error()))
			e.observers.Emit(Event{Type: EventNodeRollbackFailed, RunID: runID, NodeID: id, Err: err})
			continue
		}

		e.mustTransition(log, states, id, NodeRolledBack)
		rolledBack = append(rolledBack, id)
		log.Info("node rolled back", slog.String("node_id", id))
		e.observers.Emit(Event{Type: EventNodeRolledBack, RunID: runID, NodeID: id})
	}
	return rolledBack
}
