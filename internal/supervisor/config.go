package supervisor

import (
	"time"

	"dario.cat/mergo"

	"github.com/rendis/agentloom/pkg/schema"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxRestarts = 5
	DefaultBackoff     = time.Second
	DefaultStopTimeout = 5 * time.Second
)

// Config describes how to launch and supervise one worker process.
type Config struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Dir     string            `json:"dir,omitempty" yaml:"dir"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"` // overrides on top of os.Environ()

	// AutoRestart respawns the worker when it exits without Stop being called.
	// It is the only switch for "never restart".
	AutoRestart bool `json:"auto_restart" yaml:"auto_restart"`
	// MaxRestarts bounds automatic restarts. Zero means DefaultMaxRestarts;
	// a negative value means unlimited.
	MaxRestarts int `json:"max_restarts" yaml:"max_restarts"`
	// Backoff is the fixed delay between an exit and the respawn. Zero means
	// DefaultBackoff; a negative value respawns immediately.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
	// StopTimeout is how long Stop waits after signalling before killing.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// withDefaults returns a copy of c with zero fields filled in.
func (c Config) withDefaults() (Config, error) {
	out := c
	if err := mergo.Merge(&out, Config{
		MaxRestarts: DefaultMaxRestarts,
		Backoff:     DefaultBackoff,
		StopTimeout: DefaultStopTimeout,
	}); err != nil {
		return c, schema.NewErrorf(schema.ErrCodeValidation, "apply supervisor defaults: %v", err).WithCause(err)
	}
	return out, nil
}

func (c Config) validate() error {
	if c.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "supervisor command is required")
	}
	return nil
}

// backoff returns the effective restart delay.
func (c Config) backoff() time.Duration {
	if c.Backoff < 0 {
		return 0
	}
	return c.Backoff
}

// restartsLimited reports whether MaxRestarts caps restarts.
func (c Config) restartsLimited() bool {
	return c.MaxRestarts >= 0
}
