// Package protocol correlates newline-delimited JSON requests written to a
// supervised worker's stdin with the reply lines it prints on stdout. Lines
// without an id are notifications and are fanned out to observers in arrival
// order.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/observe"
	"github.com/rendis/agentloom/internal/supervisor"
	"github.com/rendis/agentloom/pkg/schema"
)

// drainTimeout bounds how long an exit waits for stdout to reach EOF before
// failing the requests that are still pending.
const drainTimeout = 250 * time.Millisecond

// allGenerations selects pending requests regardless of the process they
// were written to. Process generations start at 1.
const allGenerations uint64 = 0

type outcome struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	id         string
	op         string
	generation uint64
	result     chan outcome // buffered; written exactly once
	timer      *time.Timer
}

// attachment binds the client to one process generation.
type attachment struct {
	proc       *supervisor.Process
	stdoutDone chan struct{}
}

// Client sends requests to a supervised worker and matches the replies.
type Client struct {
	cfg    Config
	logger *slog.Logger
	sup    *supervisor.Supervisor

	mu          sync.Mutex
	current     *attachment
	pending     map[string]*pendingRequest
	lastFailure error

	writeMu sync.Mutex

	notifications  observe.List[Notification]
	protocolErrors observe.List[error]
	restarts       observe.List[int]
}

// New creates a Client. The worker is not started until Start or the first
// Send.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger = logging.OrDiscard(logger)
	sup, err := supervisor.New(cfg.Config, logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "protocol")),
		sup:     sup,
		pending: make(map[string]*pendingRequest),
	}
	sup.Subscribe(c.onSupervisorEvent)
	return c, nil
}

// OnNotification registers fn for notification lines. Notifications are
// delivered in arrival order from a single goroutine per process.
func (c *Client) OnNotification(fn func(Notification)) func() {
	return c.notifications.Subscribe(fn)
}

// OnProtocolError registers fn for malformed lines and transport failures.
func (c *Client) OnProtocolError(fn func(error)) func() {
	return c.protocolErrors.Subscribe(fn)
}

// OnRestart registers fn for supervisor restart attempts (1-based).
func (c *Client) OnRestart(fn func(attempt int)) func() {
	return c.restarts.Subscribe(fn)
}

// State returns the supervisor state.
func (c *Client) State() supervisor.State { return c.sup.State() }

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start launches the worker if it is not running and waits until the client
// is attached to it, bounded by ResponseTimeout. Unlike Send, Start revives a
// supervisor whose restart budget is spent, with a fresh budget.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.ensureRunning(ctx, time.Now().Add(c.cfg.ResponseTimeout), true)
	return err
}

// Stop stops the worker and fails every pending request with a transport
// error. A later Send starts the worker again.
func (c *Client) Stop() error {
	err := c.sup.Stop(nil)
	if n := c.failPending(allGenerations, schema.NewError(schema.ErrCodeTransport, "client stopped")); n > 0 {
		c.logger.Info("failed pending requests on stop", slog.Int("count", n))
	}
	return err
}

// Send writes req to the worker and waits for the matching reply. It settles
// exactly once: with the response, with an EXECUTION_ERROR carrying the
// worker's message when the reply has ok:false, with a TIMEOUT_ERROR, with a
// TRANSPORT_ERROR, or with ctx.Err().
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Op == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "request op is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ResponseTimeout
	}
	deadline := time.Now().Add(timeout)

	id := uuid.NewString()
	line, err := encodeRequest(id, req)
	if err != nil {
		return nil, err
	}

	pr, a, err := c.register(ctx, id, req.Op, timeout, deadline)
	if err != nil {
		return nil, err
	}
	log := logging.LogWith(ctx, c.logger).With(slog.String("request_id", id), slog.String("op", req.Op))
	log.Debug("request sent", slog.Uint64("generation", pr.generation))

	if err := c.write(a, line); err != nil {
		c.transportFailure(pr.generation, schema.NewError(schema.ErrCodeTransport, "write request").WithCause(err))
	}

	select {
	case o := <-pr.result:
		return o.resp, o.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		o := <-pr.result
		return o.resp, o.err
	}
}

// register waits for a live process and records the pending request against
// it. The request is only recorded while the process is still attached, so a
// concurrent exit either sees it or forces another wait.
func (c *Client) register(ctx context.Context, id, op string, timeout time.Duration, deadline time.Time) (*pendingRequest, *attachment, error) {
	for {
		a, err := c.ensureRunning(ctx, deadline, false)
		if err != nil {
			return nil, nil, err
		}

		c.mu.Lock()
		if c.current != a {
			c.mu.Unlock()
			continue
		}
		pr := &pendingRequest{
			id:         id,
			op:         op,
			generation: a.proc.Generation(),
			result:     make(chan outcome, 1),
		}
		pr.timer = time.AfterFunc(time.Until(deadline), func() {
			c.settle(id, outcome{err: schema.NewErrorf(schema.ErrCodeTimeout, "request %q timed out after %s", op, timeout).
				WithDetails(map[string]any{"id": id, "op": op})})
		})
		c.pending[id] = pr
		c.mu.Unlock()
		return pr, a, nil
	}
}

// ensureRunning returns the attached process, starting the supervisor when
// it is stopped. A pending restart is waited for. A failed supervisor has
// spent its restart budget; it is only started again when revive is set,
// otherwise the exhaustion error is returned.
func (c *Client) ensureRunning(ctx context.Context, deadline time.Time, revive bool) (*attachment, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := c.sup.Subscribe(func(supervisor.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	attempted := false
	for {
		c.mu.Lock()
		a := c.current
		c.mu.Unlock()
		if a != nil {
			return a, nil
		}

		switch state := c.sup.State(); state {
		case supervisor.StateStopped, supervisor.StateFailed:
			if attempted || (state == supervisor.StateFailed && !revive) {
				return nil, c.unavailable()
			}
			attempted = true
			if err := c.sup.Start(); err != nil && !c.cfg.AutoRestart {
				return nil, schema.NewError(schema.ErrCodeTransport, "start worker").WithCause(err)
			}
			continue
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, schema.NewError(schema.ErrCodeTimeout, "worker not ready before request deadline")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) unavailable() error {
	c.mu.Lock()
	cause := c.lastFailure
	c.mu.Unlock()
	err := schema.NewError(schema.ErrCodeTransport, "worker unavailable")
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func (c *Client) write(a *attachment, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := a.proc.Stdin.Write(line)
	return err
}

// settle resolves the pending request id. It reports false when the request
// was already settled or never existed.
func (c *Client) settle(id string, o outcome) bool {
	pr := c.take(id)
	if pr == nil {
		return false
	}
	pr.resolve(o)
	return true
}

// take removes and returns the pending request id, or nil. Whoever takes a
// request must resolve it.
func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pr
}

func (pr *pendingRequest) resolve(o outcome) {
	pr.timer.Stop()
	pr.result <- o
}

// failPending rejects every pending request written to the given process
// generation, or all of them for allGenerations.
func (c *Client) failPending(generation uint64, err error) int {
	c.mu.Lock()
	var failed []*pendingRequest
	for id, pr := range c.pending {
		if generation == allGenerations || pr.generation == generation {
			failed = append(failed, pr)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, pr := range failed {
		pr.resolve(outcome{err: err})
	}
	return len(failed)
}

func (c *Client) transportFailure(generation uint64, err error) {
	n := c.failPending(generation, err)
	c.logger.Warn("transport failure", slog.String("error", err.Error()), slog.Int("failed_requests", n))
	c.protocolErrors.Emit(err)
}

func (c *Client) protocolFailure(generation uint64, err error) {
	n := c.failPending(generation, schema.NewError(schema.ErrCodeTransport, "protocol failure").WithCause(err))
	c.logger.Warn("protocol error", slog.String("error", err.Error()), slog.Int("failed_requests", n))
	c.protocolErrors.Emit(err)
}

func (c *Client) onSupervisorEvent(e supervisor.Event) {
	switch e.Type {
	case supervisor.EventStarted:
		c.attach(e.Process)
	case supervisor.EventExited:
		c.mu.Lock()
		a := c.current
		if a != nil && a.proc == e.Process {
			c.current = nil
		} else {
			a = nil
		}
		c.mu.Unlock()
		if a != nil {
			go c.detach(a, e.Err)
		}
	case supervisor.EventRestarting:
		c.restarts.Emit(e.Attempt)
	case supervisor.EventFailed:
		c.mu.Lock()
		c.lastFailure = e.Err
		c.mu.Unlock()
		// A spawn failure with restarts left only delays the next process;
		// requests of earlier generations are failed when they exit.
		if schema.IsCode(e.Err, schema.ErrCodeRestartExhausted) {
			c.transportFailure(allGenerations, schema.NewError(schema.ErrCodeTransport, "worker unavailable").WithCause(e.Err))
		}
	}
}

func (c *Client) attach(p *supervisor.Process) {
	a := &attachment{proc: p, stdoutDone: make(chan struct{})}
	c.mu.Lock()
	c.current = a
	c.lastFailure = nil
	c.mu.Unlock()

	go c.readStdout(a)
	go c.readStderr(a)
}

// detach lets stdout drain so replies written before the exit still settle,
// then fails whatever is left for that generation.
func (c *Client) detach(a *attachment, exitErr error) {
	drain := time.NewTimer(drainTimeout)
	defer drain.Stop()
	select {
	case <-a.stdoutDone:
	case <-drain.C:
	}
	_ = a.proc.Close()

	err := schema.NewError(schema.ErrCodeTransport, "worker exited")
	if exitErr != nil {
		err = schema.NewErrorf(schema.ErrCodeTransport, "worker exited: %v", exitErr).WithCause(exitErr)
	}
	c.transportFailure(a.proc.Generation(), err)
}

func (c *Client) readStdout(a *attachment) {
	defer close(a.stdoutDone)
	gen := a.proc.Generation()
	err := readLines(a.proc.Stdout, c.cfg.MaxLineBytes,
		func(line []byte) { c.handleLine(gen, line) },
		func(size int) {
			c.protocolFailure(gen, schema.NewErrorf(schema.ErrCodeProtocol, "line of %d bytes exceeds limit of %d", size, c.cfg.MaxLineBytes))
		},
	)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		c.transportFailure(gen, schema.NewError(schema.ErrCodeTransport, "read worker stdout").WithCause(err))
	}
}

// readStderr treats any diagnostic output as a transport failure.
func (c *Client) readStderr(a *attachment) {
	gen := a.proc.Generation()
	_ = readLines(a.proc.Stderr, c.cfg.MaxLineBytes,
		func(line []byte) {
			text := string(bytes.TrimSpace(line))
			if text == "" {
				return
			}
			c.transportFailure(gen, schema.NewErrorf(schema.ErrCodeTransport, "worker stderr: %s", text).
				WithDetails(map[string]any{"stderr": text}))
		},
		func(size int) {
			c.transportFailure(gen, schema.NewErrorf(schema.ErrCodeTransport, "worker stderr: %d bytes", size))
		},
	)
}

func (c *Client) handleLine(gen uint64, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	msg, err := decodeLine(bytes.Clone(line))
	if err != nil {
		c.protocolFailure(gen, err)
		return
	}

	switch msg.kind {
	case kindNotification:
		c.notifications.Emit(*msg.notification)
	case kindInvalidID:
		c.logger.Warn("discarding reply with non-string id", slog.String("error", msg.err.Error()))
		c.protocolErrors.Emit(msg.err)
	case kindInvalidResponse:
		pr := c.take(msg.response.ID)
		if pr == nil {
			c.logger.Debug("discarding invalid response with no pending request", slog.String("request_id", msg.response.ID))
			return
		}
		c.protocolErrors.Emit(msg.err)
		pr.resolve(outcome{err: msg.err})
	case kindResponse:
		resp := msg.response
		o := outcome{resp: resp}
		if !resp.OK {
			message := resp.Error
			if message == "" {
				message = "worker reported failure"
			}
			o = outcome{err: schema.NewError(schema.ErrCodeExecution, message).WithDetails(map[string]any{"id": resp.ID})}
		}
		if !c.settle(resp.ID, o) {
			c.logger.Debug("discarding response with no pending request", slog.String("request_id", resp.ID))
		}
	}
}
