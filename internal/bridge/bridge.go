// Package bridge republishes worker notifications on the router. The topic
// for each notification is computed by a jq expression over its payload.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/itchyny/gojq"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/protocol"
	"github.com/rendis/agentloom/internal/streaming"
	"github.com/rendis/agentloom/pkg/schema"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultTopicExpr   = `.type // "notification"`
	DefaultTopicPrefix = "worker."
)

// Source emits notifications. *protocol.Client satisfies it.
type Source interface {
	OnNotification(fn func(protocol.Notification)) func()
}

// Config controls topic selection.
type Config struct {
	// TopicExpr is a jq expression evaluated against the payload. Its first
	// output must be a string; null falls back to "notification".
	TopicExpr string `json:"topic_expr" yaml:"topic_expr"`
	// TopicPrefix is prepended to every computed topic.
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	// SessionID stamps published envelopes.
	SessionID string `json:"session_id" yaml:"session_id"`
}

// Bridge forwards notifications from any number of sources to a router.
type Bridge struct {
	cfg    Config
	router *streaming.Router
	code   *gojq.Code
	logger *slog.Logger

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	mu        sync.Mutex
	detachers []func()
}

// New compiles cfg.TopicExpr. An empty expression uses DefaultTopicExpr and
// an empty prefix uses DefaultTopicPrefix.
func New(router *streaming.Router, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if router == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "bridge requires a router")
	}
	if cfg.TopicExpr == "" {
		cfg.TopicExpr = DefaultTopicExpr
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	code, err := compile(cfg.TopicExpr)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:    cfg,
		router: router,
		code:   code,
		logger: logging.OrDiscard(logger).With(slog.String("component", "bridge")),
	}, nil
}

func compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// Attach starts forwarding notifications from src. The returned function
// stops forwarding from that source.
func (b *Bridge) Attach(src Source) func() {
	detach := src.OnNotification(func(n protocol.Notification) {
		if _, err := b.Forward(context.Background(), n); err != nil {
			b.dropped.Add(1)
			b.logger.Warn("notification dropped", slog.String("error", err.Error()))
		}
	})
	b.mu.Lock()
	b.detachers = append(b.detachers, detach)
	b.mu.Unlock()
	return detach
}

// Close detaches every source.
func (b *Bridge) Close() {
	b.mu.Lock()
	detachers := b.detachers
	b.detachers = nil
	b.mu.Unlock()
	for _, d := range detachers {
		d()
	}
}

// Forward publishes n on the router and returns the published envelope.
func (b *Bridge) Forward(ctx context.Context, n protocol.Notification) (streaming.Envelope, error) {
	topic, err := b.Topic(ctx, n.Payload)
	if err != nil {
		return streaming.Envelope{}, err
	}
	env := b.router.Publish(topic, n.Payload, b.cfg.SessionID)
	b.forwarded.Add(1)
	return env, nil
}

// Topic evaluates the topic expression against payload and applies the prefix.
func (b *Bridge) Topic(ctx context.Context, payload map[string]any) (string, error) {
	var input any = map[string]any{}
	if payload != nil {
		input = payload
	}
	iter := b.code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok || v == nil {
		return b.cfg.TopicPrefix + "notification", nil
	}
	if err, isErr := v.(error); isErr {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "jq evaluation failed for %q: %s", b.cfg.TopicExpr, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": b.cfg.TopicExpr})
	}
	topic, isString := v.(string)
	if !isString || topic == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "topic expression %q produced %s, want a non-empty string", b.cfg.TopicExpr, describe(v))
	}
	return b.cfg.TopicPrefix + topic, nil
}

// Stats returns how many notifications were forwarded and dropped.
func (b *Bridge) Stats() (forwarded, dropped uint64) {
	return b.forwarded.Load(), b.dropped.Load()
}

func describe(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%T", v)
}
