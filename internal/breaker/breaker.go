// Package breaker keeps one circuit breaker per worker op so a worker that
// keeps timing out or dropping requests is not hammered by retries.
package breaker

import (
	"sync"
	"time"

	"github.com/rendis/agentloom/pkg/schema"
)

// State of one circuit.
type State int

const (
	Closed   State = iota // requests flow
	Open                  // requests rejected until the cooldown elapses
	HalfOpen              // a limited number of trial calls are let through
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes every circuit in a Set.
type Config struct {
	// FailureThreshold is the number of consecutive worker failures that opens
	// a circuit. Zero disables breaking.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long a circuit stays open before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMax caps concurrent trial calls while half-open. Defaults to 1.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// Enabled reports whether c breaks at all.
func (c Config) Enabled() bool { return c.FailureThreshold > 0 }

// DefaultCooldown applies when Config.Cooldown is zero.
const DefaultCooldown = 30 * time.Second

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	trials   int
}

// Set holds the circuits keyed by op.
type Set struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Set. Zero Cooldown and HalfOpenMax take their defaults.
func New(cfg Config) *Set {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Set{cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

// Allow returns nil when a request for op may be sent and a CIRCUIT_OPEN
// error otherwise.
func (s *Set) Allow(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuit(op)
	s.advance(c)
	switch c.state {
	case Open:
		remaining := s.cfg.Cooldown - s.now().Sub(c.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit open for op %q after %d consecutive failures", op, c.failures).
			WithDetails(map[string]any{
				"op":                   op,
				"consecutive_failures": c.failures,
				"cooldown_remaining":   remaining.String(),
			})
	case HalfOpen:
		if c.trials >= s.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for op %q: trial call already in flight", op).
				WithDetails(map[string]any{"op": op})
		}
		c.trials++
	}
	return nil
}

// Record feeds the outcome of a request for op back into its circuit. Only
// worker-side failures count: a transport, timeout or protocol error. An
// EXECUTION_ERROR means the worker answered, so it closes the circuit like
// a success does.
func (s *Set) Record(op string, err error) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuit(op)
	if !workerFailure(err) {
		c.state, c.failures, c.trials = Closed, 0, 0
		return c.state
	}

	c.failures++
	if c.state == HalfOpen || c.failures >= s.cfg.FailureThreshold {
		c.state = Open
		c.openedAt = s.now()
		c.trials = 0
	}
	return c.state
}

// State returns the current state of op's circuit.
func (s *Set) State(op string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.circuit(op)
	s.advance(c)
	return c.state
}

// Stats describes op's circuit for logs.
func (s *Set) Stats(op string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.circuit(op)
	s.advance(c)
	return map[string]any{
		"op":                   op,
		"state":                c.state.String(),
		"consecutive_failures": c.failures,
		"failure_threshold":    s.cfg.FailureThreshold,
		"cooldown":             s.cfg.Cooldown.String(),
	}
}

// advance moves an open circuit to half-open once the cooldown has elapsed.
func (s *Set) advance(c *circuit) {
	if c.state == Open && s.now().Sub(c.openedAt) >= s.cfg.Cooldown {
		c.state = HalfOpen
		c.trials = 0
	}
}

func (s *Set) circuit(op string) *circuit {
	c, ok := s.circuits[op]
	if !ok {
		c = &circuit{}
		s.circuits[op] = c
	}
	return c
}

func workerFailure(err error) bool {
	if err == nil {
		return false
	}
	return schema.IsCode(err, schema.ErrCodeTransport) ||
		schema.IsCode(err, schema.ErrCodeTimeout) ||
		schema.IsCode(err, schema.ErrCodeProtocol)
}
