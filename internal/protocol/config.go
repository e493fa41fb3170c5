package protocol

import (
	"time"

	"dario.cat/mergo"

	"github.com/rendis/agentloom/internal/supervisor"
	"github.com/rendis/agentloom/pkg/schema"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxLineBytes    = 4 << 20
)

// Config configures a Client and the worker it supervises. The embedded
// supervisor AutoRestart flag is ignored: the client always restarts the
// worker unless DisableAutoRestart is set.
type Config struct {
	supervisor.Config `yaml:",inline"`

	DisableAutoRestart bool          `json:"disable_auto_restart" yaml:"disable_auto_restart"`
	ResponseTimeout    time.Duration `json:"response_timeout" yaml:"response_timeout"`
	MaxLineBytes       int           `json:"max_line_bytes" yaml:"max_line_bytes"`
}

func (c Config) withDefaults() (Config, error) {
	out := c
	if err := mergo.Merge(&out, Config{
		ResponseTimeout: DefaultResponseTimeout,
		MaxLineBytes:    DefaultMaxLineBytes,
	}); err != nil {
		return c, schema.NewErrorf(schema.ErrCodeValidation, "apply client defaults: %v", err).WithCause(err)
	}
	out.AutoRestart = !out.DisableAutoRestart
	return out, nil
}
