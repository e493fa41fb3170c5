package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/rendis/agentloom/internal/breaker"
	"github.com/rendis/agentloom/internal/bridge"
	"github.com/rendis/agentloom/internal/contextstore"
	"github.com/rendis/agentloom/internal/engine"
	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/protocol"
	"github.com/rendis/agentloom/internal/registry"
	"github.com/rendis/agentloom/internal/security"
	"github.com/rendis/agentloom/internal/session"
	"github.com/rendis/agentloom/internal/streaming"
)

// app wires the engine to one supervised worker and the collaborators.
type app struct {
	cfg    Config
	logger *slog.Logger

	store    contextstore.Store
	closer   func() error
	sessions *session.Store
	router   *streaming.Router
	registry *registry.Registry
	guard    *security.Guard
	client   *protocol.Client
	sender   sender
	bridge   *bridge.Bridge
	engine   *engine.Engine

	teardown []func()
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		router:   streaming.NewRouter(),
		sessions: session.NewStore(),
		registry: registry.New(logger),
		engine:   engine.New(logger),
		closer:   func() error { return nil },
	}

	switch cfg.Store {
	case storeLibSQL:
		s, err := contextstore.NewLibSQLStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store, a.closer = s, s.Close
	default:
		a.store = contextstore.NewMemoryStore()
	}

	guard, err := security.NewGuard(logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.guard = guard
	var caps []security.Capability
	if cfg.Security != nil {
		desc := *cfg.Security
		desc.ActorID = cfg.ActorID
		if err := guard.Register(desc); err != nil {
			a.close()
			return nil, err
		}
		caps = desc.Capabilities
		if err := a.checkWorkerExec(); err != nil {
			a.close()
			return nil, err
		}
	}

	if _, err := a.registry.Register(registry.Definition{
		ID:           cfg.ActorID,
		Name:         cfg.Worker.Command,
		Capabilities: caps,
		Singleton:    true,
	}); err != nil {
		a.close()
		return nil, err
	}
	a.teardown = append(a.teardown, a.registry.Subscribe(func(e registry.Event) {
		if e.Entry != nil {
			logger.Debug("actor state", slog.String("actor_id", e.ActorID), slog.String("event", string(e.Type)), slog.String("status", string(e.Entry.State.Status)))
		}
	}))

	client, err := protocol.New(cfg.Worker, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = client
	a.sender = client
	if cfg.Breaker.Enabled() {
		a.sender = &breakerSender{next: client, breakers: breaker.New(cfg.Breaker)}
	}
	a.teardown = append(a.teardown, client.OnRestart(func(attempt int) {
		_, _ = a.registry.SetStatus(cfg.ActorID, registry.StatusError, fmt.Sprintf("worker restarting (attempt %d)", attempt))
	}))

	b, err := bridge.New(a.router, cfg.Bridge, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bridge = b
	a.teardown = append(a.teardown, b.Close)
	b.Attach(client)

	for _, topic := range cfg.WatchTopics {
		sub := a.router.Subscribe(topic, func(env streaming.Envelope) {
			logger.Info("event", slog.String("topic", env.Topic), slog.Any("payload", env.Payload))
		})
		a.teardown = append(a.teardown, sub.Unsubscribe)
	}

	a.teardown = append(a.teardown, a.engine.Subscribe(a.publishEngineEvent))
	return a, nil
}

// checkWorkerExec asks the guard whether the actor may run its own command.
func (a *app) checkWorkerExec() error {
	path, err := exec.LookPath(a.cfg.Worker.Command)
	if err != nil {
		path = a.cfg.Worker.Command
	}
	return a.guard.CheckExec(a.cfg.ActorID, path)
}

func (a *app) authorize(op string) error {
	if a.cfg.Security == nil {
		return nil
	}
	return a.guard.CheckAction(a.cfg.ActorID, security.ActionOp, op)
}

// readAttachment reads a pack attachment once the guard allows it.
func (a *app) readAttachment(path string) ([]byte, error) {
	if a.cfg.Security != nil {
		if err := a.guard.CheckFS(a.cfg.ActorID, path, security.AccessRead); err != nil {
			return nil, err
		}
	}
	return os.ReadFile(path)
}

// sessionRunsKey counts the runs a session has seen.
const sessionRunsKey = "runs"

// openSession sweeps expired sessions, dropping their stored results, then
// opens sessionID and slides its expiry forward.
func (a *app) openSession(ctx context.Context, sessionID string) (session.Session, error) {
	for _, id := range a.sessions.Sweep() {
		if err := a.dropNamespace(ctx, id); err != nil {
			a.logger.Warn("drop expired session", slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		a.logger.Debug("session expired", slog.String("session_id", id))
	}
	sess, err := a.sessions.Open(sessionID, a.cfg.SessionTTL)
	if err != nil {
		return session.Session{}, err
	}
	if a.cfg.SessionTTL > 0 {
		if err := a.sessions.Extend(sess.ID, a.cfg.SessionTTL); err != nil {
			return session.Session{}, err
		}
	}
	if err := a.sessions.Attach(sess.ID, a.cfg.ActorID); err != nil {
		return session.Session{}, err
	}
	runs, _, _ := a.sessions.GetContext(sess.ID, sessionRunsKey)
	count, _ := runs.(int)
	if err := a.sessions.SetContext(sess.ID, sessionRunsKey, count+1); err != nil {
		return session.Session{}, err
	}
	sess, _ = a.sessions.Get(sess.ID)
	return sess, nil
}

func (a *app) dropNamespace(ctx context.Context, namespace string) error {
	snap, err := a.store.Snapshot(ctx, namespace)
	if err != nil {
		return err
	}
	for key := range snap.Data {
		if err := a.store.Delete(ctx, namespace, key); err != nil {
			return err
		}
	}
	return nil
}

// publishEngineEvent mirrors engine events on the router under "engine.<type>".
func (a *app) publishEngineEvent(e engine.Event) {
	payload := map[string]any{"run_id": e.RunID}
	if e.NodeID != "" {
		payload["node_id"] = e.NodeID
	}
	if e.Attempt > 0 {
		payload["attempt"] = e.Attempt
	}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	a.router.Publish("engine."+string(e.Type), payload, "")
}

// runOnce executes wf against the worker in a fresh session.
func (a *app) runOnce(ctx context.Context, wf *workflowFile) (*runReport, error) {
	sessionID := wf.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logging.WithActorID(ctx, a.cfg.ActorID)

	sess, err := a.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.sessions.Detach(sess.ID, a.cfg.ActorID) }()
	run, _ := sess.Context[sessionRunsKey].(int)

	concurrency := a.cfg.Concurrency
	if wf.Concurrency > 0 {
		concurrency = wf.Concurrency
	}

	_, _ = a.registry.SetStatus(a.cfg.ActorID, registry.StatusRunning, "")
	ec := &engine.ExecutionContext{
		SessionID: sessionID,
		Metadata:  map[string]any{"workflow": wf.Name, "actor_id": a.cfg.ActorID, "session_run": run},
		Store:     a.store,
		Router:    a.router,
	}
	summary, err := a.engine.Run(ctx, buildNodes(wf, nodeDeps{send: a.sender, authorize: a.authorize, readFile: a.readAttachment}), ec, engine.Options{
		Concurrency: concurrency,
		OnTaskComplete: func(id string, _ any) {
			logging.LogWith(ctx, a.logger).Info("node completed", slog.String("node_id", id))
		},
		OnTaskError: func(id string, err error) {
			logging.LogWith(ctx, a.logger).Error("node failed", slog.String("node_id", id), slog.String("error", err.Error()))
		},
	})
	if summary == nil {
		_, _ = a.registry.SetStatus(a.cfg.ActorID, registry.StatusError, err.Error())
		return nil, err
	}

	if summary.Succeeded() {
		_, _ = a.registry.SetStatus(a.cfg.ActorID, registry.StatusIdle, "")
	} else {
		_, _ = a.registry.SetStatus(a.cfg.ActorID, registry.StatusError, summary.String())
	}

	report := newRunReport(wf.Name, sessionID, summary)
	report.SessionRun = run
	report.SessionExpiresAt = sess.ExpiresAt
	if snap, serr := a.store.Snapshot(ctx, sessionID); serr == nil {
		report.Results = snap.Data
	}
	return report, err
}

func (a *app) close() {
	for i := len(a.teardown) - 1; i >= 0; i-- {
		a.teardown[i]()
	}
	a.teardown = nil
	if a.client != nil {
		if err := a.client.Stop(); err != nil {
			a.logger.Warn("stop worker", slog.String("error", err.Error()))
		}
	}
	if a.registry != nil && a.registry.Has(a.cfg.ActorID) {
		_, _ = a.registry.SetStatus(a.cfg.ActorID, registry.StatusStopped, "")
	}
	if err := a.closer(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
