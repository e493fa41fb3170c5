// Package supervisor owns the lifecycle of one external worker process:
// spawning it, noticing when it exits, and respawning it after a fixed
// backoff until a restart budget is spent. It knows nothing about what the
// worker says on its pipes.
package supervisor

import (
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/observe"
	"github.com/rendis/agentloom/pkg/schema"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// EventType names a supervisor event.
type EventType string

const (
	EventStarted    EventType = "started"
	EventExited     EventType = "exited"
	EventRestarting EventType = "restarting"
	EventFailed     EventType = "failed"
)

// Event is delivered to supervisor observers.
type Event struct {
	Type    EventType
	Process *Process // started, exited
	Attempt int      // restarting: 1-based restart attempt
	Err     error    // exited: wait error; failed: spawn error or RESTART_EXHAUSTED
}

// Supervisor keeps at most one worker process alive at a time.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	proc         *Process
	state        State
	restarts     int
	generation   uint64
	shuttingDown bool
	restartTimer *time.Timer

	observers observe.List[Event]
}

// New creates a Supervisor. Zero-valued config fields take their defaults.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With(slog.String("component", "supervisor"), slog.String("command", cfg.Command)),
		state:  StateStopped,
	}, nil
}

// Subscribe registers fn for lifecycle events. Handlers run synchronously on
// the goroutine that caused the event and must not call Stop.
func (s *Supervisor) Subscribe(fn func(Event)) func() {
	return s.observers.Subscribe(fn)
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many automatic restarts have been scheduled.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// IsRunning reports whether a live worker process exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.proc.Exited()
}

// Child returns the live process, or nil.
func (s *Supervisor) Child() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Start spawns the worker if none is running. Starting from the stopped or
// failed state begins a fresh lifecycle with the restart counter at zero;
// starting while a restart is pending spawns immediately. If the spawn fails
// a failed event is emitted and, with AutoRestart, a restart is scheduled.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.proc != nil {
		stopping := s.shuttingDown
		s.mu.Unlock()
		if stopping {
			return schema.NewError(schema.ErrCodeConflict, "worker is stopping")
		}
		return nil
	}
	switch s.state {
	case StateStopped, StateFailed:
		s.restarts = 0
	case StateRestarting:
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
	}
	s.shuttingDown = false
	s.mu.Unlock()

	return s.spawn()
}

// spawn launches a new process unless one is already live or Stop was called.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	if s.proc != nil || s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	p, err := spawn(s.cfg, s.generation)
	if err != nil {
		s.state = StateStopped
		if s.cfg.AutoRestart {
			s.state = StateRestarting
		}
		s.mu.Unlock()

		s.logger.Error("worker spawn failed", slog.String("error", err.Error()))
		s.observers.Emit(Event{Type: EventFailed, Err: err})
		if s.cfg.AutoRestart {
			s.scheduleRestart()
		}
		return err
	}
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("worker started", slog.Int("pid", p.PID()), slog.Uint64("generation", p.generation))
	s.observers.Emit(Event{Type: EventStarted, Process: p})

	// Started is always observed before the matching exited event.
	go s.wait(p)
	return nil
}

// wait blocks until p exits and decides between stopping and restarting.
func (s *Supervisor) wait(p *Process) {
	p.exitErr = p.cmd.Wait()
	close(p.done)
	defer close(p.settled)

	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	restart := !s.shuttingDown && s.cfg.AutoRestart
	s.state = StateStopped
	if restart {
		s.state = StateRestarting
	}
	s.mu.Unlock()

	attrs := []any{slog.Int("pid", p.PID())}
	if p.exitErr != nil {
		attrs = append(attrs, slog.String("error", p.exitErr.Error()))
	}
	s.logger.Info("worker exited", attrs...)
	s.observers.Emit(Event{Type: EventExited, Process: p, Err: p.exitErr})

	if restart {
		s.scheduleRestart()
	}
}

// scheduleRestart arms the backoff timer for the next restart, or moves to
// the failed state once the restart budget is spent.
func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	if s.shuttingDown || s.restartTimer != nil {
		s.mu.Unlock()
		return
	}
	if s.cfg.restartsLimited() && s.restarts >= s.cfg.MaxRestarts {
		s.state = StateFailed
		limit := s.cfg.MaxRestarts
		s.mu.Unlock()

		err := schema.NewErrorf(schema.ErrCodeRestartExhausted, "maximum restart attempts (%d) exceeded", limit)
		s.logger.Error("worker restart budget exhausted", slog.Int("max_restarts", limit))
		s.observers.Emit(Event{Type: EventFailed, Err: err})
		return
	}

	s.restarts++
	attempt := s.restarts
	s.state = StateRestarting

	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.backoff(), func() {
		s.mu.Lock()
		if s.restartTimer != timer || s.shuttingDown {
			s.mu.Unlock()
			return
		}
		s.restartTimer = nil
		s.mu.Unlock()

		s.logger.Warn("restarting worker", slog.Int("attempt", attempt))
		s.observers.Emit(Event{Type: EventRestarting, Attempt: attempt})
		_ = s.spawn()
	})
	s.restartTimer = timer
	s.mu.Unlock()
}

// Stop signals the worker (SIGTERM when sig is nil) and waits for it to exit,
// killing it after StopTimeout. A pending restart is cancelled. Stop is
// idempotent and never leads to an automatic restart.
func (s *Supervisor) Stop(sig os.Signal) error {
	if sig == nil {
		sig = syscall.SIGTERM
	}

	s.mu.Lock()
	s.shuttingDown = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	p := s.proc
	if p == nil {
		if s.state == StateRestarting {
			s.state = StateStopped
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_ = p.Stdin.Close()
	if err := p.cmd.Process.Signal(sig); err != nil && !p.Exited() {
		s.logger.Warn("signal worker", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.settled:
	case <-timer.C:
		s.logger.Warn("worker did not exit in time, killing", slog.Duration("timeout", s.cfg.StopTimeout))
		_ = p.cmd.Process.Kill()
		<-p.settled
	}

	s.logger.Info("worker stopped")
	return nil
}
