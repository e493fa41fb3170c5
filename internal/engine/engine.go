package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentloom/internal/contextstore"
	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/observe"
	"github.com/rendis/agentloom/internal/streaming"
	"github.com/rendis/agentloom/pkg/schema"
)

// TaskFunc is a node body or rollback body.
type TaskFunc func(ctx context.Context, ec *ExecutionContext) (any, error)

// Node is one unit of work in a run. Nodes must not be mutated while a run
// that received them is in progress.
type Node struct {
	ID        string
	Run       TaskFunc
	Rollback  TaskFunc
	DependsOn []string
	Retry     *RetryPolicy
}

// ExecutionContext is handed to every node body. The engine never inspects it.
type ExecutionContext struct {
	SessionID string
	Metadata  map[string]any
	Store     contextstore.Store
	Router    *streaming.Router
}

// Options tunes a single run.
type Options struct {
	// Concurrency caps how many node bodies are in flight. Defaults to 1.
	Concurrency int
	// OnTaskComplete is called once per node that succeeds.
	OnTaskComplete func(id string, result any)
	// OnTaskError is called once per node whose final attempt fails.
	OnTaskError func(id string, err error)
}

// RunSummary is the outcome of one run. It is never shared between runs.
type RunSummary struct {
	RunID      string               `json:"run_id"`
	Completed  []string             `json:"completed"`
	Failed     map[string]error     `json:"-"`
	RolledBack []string             `json:"rolled_back,omitempty"`
	States     map[string]NodeState `json:"states"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Pool       PoolMetrics          `json:"pool"`
}

// IsCompleted reports whether the node with the given ID completed.
func (s *RunSummary) IsCompleted(id string) bool {
	for _, c := range s.Completed {
		if c == id {
			return true
		}
	}
	return false
}

// Succeeded reports whether no node failed.
func (s *RunSummary) Succeeded() bool {
	return len(s.Failed) == 0
}

// Engine runs node graphs. One Engine may serve many concurrent runs.
type Engine struct {
	logger    *slog.Logger
	observers observe.List[Event]
}

// New creates an Engine. A nil logger discards output.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logging.OrDiscard(logger)}
}

// Subscribe registers fn for engine events. Handlers may be invoked from node
// goroutines and must be safe for concurrent use.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.observers.Subscribe(fn)
}

type settlement struct {
	id     string
	result any
	err    error
}

// Run executes nodes honoring their dependencies, the concurrency cap and
// each node's retry policy. A validation error is returned for malformed
// graphs; node failures are reported in the summary, not as an error. When
// ctx is cancelled no further nodes are admitted and ctx.Err() is returned
// alongside the partial summary once in-flight nodes have settled.
func (e *Engine) Run(ctx context.Context, nodes []Node, ec *ExecutionContext, opts Options) (*RunSummary, error) {
	g, err := buildGraph(nodes)
	if err != nil {
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if ec == nil {
		ec = &ExecutionContext{}
	}

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		Failed:    make(map[string]error),
		StartedAt: time.Now(),
	}
	ctx = logging.WithRunID(ctx, summary.RunID)
	log := logging.LogWith(ctx, e.logger)

	states := newNodeStates(g.order)
	done := make(map[string]bool, len(g.order))
	queue := make([]string, 0, len(g.order))
	settled := make(chan settlement, len(g.order))
	workers := newPool(concurrency)
	inFlight := 0
	rolledBack := false

	log.Info("run started", slog.Int("nodes", len(g.order)), slog.Int("concurrency", concurrency))
	e.observers.Emit(Event{Type: EventRunStarted, RunID: summary.RunID})

	enqueueReady := func() {
		for _, id := range g.order {
			if states[id] != NodePending || !g.ready(id, done) {
				continue
			}
			e.mustTransition(log, states, id, NodeQueued)
			queue = append(queue, id)
		}
	}

	admit := func() {
		for len(summary.Failed) == 0 && ctx.Err() == nil && inFlight < concurrency && len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			node := g.nodes[id]
			e.mustTransition(log, states, id, NodeRunning)
			inFlight++

			nodeCtx := logging.WithNodeID(ctx, id)
			err := workers.Go(ctx, func() {
				s := settlement{id: id}
				defer func() {
					if r := recover(); r != nil {
						s.result, s.err = nil, panicError(id, r)
					}
					settled <- s
				}()
				s.result, s.err = e.execute(nodeCtx, summary.RunID, node, ec)
			})
			if err != nil {
				// Only a cancelled ctx makes Go fail; the node never started.
				states[id] = NodeQueued
				queue = append([]string{id}, queue...)
				inFlight--
				return
			}
		}
	}

	enqueueReady()
	admit()

	for inFlight > 0 {
		s := <-settled
		inFlight--

		if s.err == nil {
			e.mustTransition(log, states, s.id, NodeCompleted)
			done[s.id] = true
			summary.Completed = append(summary.Completed, s.id)
			log.Debug("node completed", slog.String("node_id", s.id))
			if opts.OnTaskComplete != nil {
				opts.OnTaskComplete(s.id, s.result)
			}
			e.observers.Emit(Event{Type: EventNodeCompleted, RunID: summary.RunID, NodeID: s.id, Result: s.result})
		} else {
			e.mustTransition(log, states, s.id, NodeFailed)
			summary.Failed[s.id] = s.err
			log.Warn("node failed", slog.String("node_id", s.id), slog.String("error", s.err.Error()))
			if opts.OnTaskError != nil {
				opts.OnTaskError(s.id, s.err)
			}
			e.observers.Emit(Event{Type: EventNodeFailed, RunID: summary.RunID, NodeID: s.id, Err: s.err})

			if !rolledBack {
				rolledBack = true
				summary.RolledBack = e.rollback(ctx, log, summary.RunID, g, summary.Completed, states, ec)
			}
		}

		if len(summary.Failed) == 0 {
			enqueueReady()
			admit()
		}
	}
	workers.Wait()

	finished := time.Now()
	summary.FinishedAt = &finished
	summary.States = states.snapshot()
	summary.Pool = workers.Metrics()

	log.Info("run finished",
		slog.Int("completed", len(summary.Completed)),
		slog.Int("failed", len(summary.Failed)),
		slog.Int64("peak_concurrency", summary.Pool.Peak),
		slog.Duration("duration", finished.Sub(summary.StartedAt)),
	)
	e.observers.Emit(Event{Type: EventRunFinished, RunID: summary.RunID, Summary: summary})

	if len(summary.Failed) == 0 && len(summary.Completed) < len(g.order) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// execute attempts node.Run up to the retry policy's attempt count.
// The error of the final attempt is returned unwrapped.
func (e *Engine) execute(ctx context.Context, runID string, node *Node, ec *ExecutionContext) (any, error) {
	policy := node.Retry.normalize()
	log := logging.LogWith(ctx, e.logger)

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		e.observers.Emit(Event{Type: EventNodeStarted, RunID: runID, NodeID: node.ID, Attempt: attempt})

		result, err := invoke(ctx, node.ID, node.Run, ec)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == policy.Attempts {
			break
		}

		log.Debug("node attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.Attempts),
			slog.Duration("delay", policy.Delay),
			slog.String("error", err.Error()),
		)
		e.observers.Emit(Event{Type: EventNodeRetrying, RunID: runID, NodeID: node.ID, Attempt: attempt, Err: err})
		if waitForBackoff(ctx, policy.Delay) != nil {
			break
		}
	}
	return nil, lastErr
}

// invoke calls fn, converting a panic into an EXECUTION_ERROR.
func invoke(ctx context.Context, id string, fn TaskFunc, ec *ExecutionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(id, r)
		}
	}()
	return fn(ctx, ec)
}

func panicError(id string, r any) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", r).WithNode(id)
}

func (e *Engine) mustTransition(log *slog.Logger, states nodeStates, id string, to NodeState) {
	if err := states.transition(id, to); err != nil {
		log.Error("node state", slog.String("error", err.Error()))
	}
}

// String renders the summary for logs.
func (s *RunSummary) String() string {
	return fmt.Sprintf("run %s: %d completed, %d failed", s.RunID, len(s.Completed), len(s.Failed))
}
