package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentloom/internal/supervisor"
	"github.com/rendis/agentloom/pkg/schema"
)

const helperEnv = "AGENTLOOM_PROTOCOL_HELPER"

// TestMain doubles as the synthetic worker when helperEnv is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "worker":
		runWorker()
		return
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

// runWorker answers requests according to their op.
func runWorker() {
	var mu sync.Mutex
	emit := func(v any) {
		b, _ := json.Marshal(v)
		mu.Lock()
		_, _ = os.Stdout.Write(append(b, '\n'))
		mu.Unlock()
	}
	raw := func(s string) {
		mu.Lock()
		_, _ = os.Stdout.WriteString(s + "\n")
		mu.Unlock()
	}

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		var req struct {
			ID   string         `json:"id"`
			Op   string         `json:"op"`
			Args map[string]any `json:"args"`
		}
		if json.Unmarshal(in.Bytes(), &req) != nil {
			continue
		}
		switch req.Op {
		case "echo":
			emit(map[string]any{"id": req.ID, "ok": true, "data": req.Args})
		case "fail":
			emit(map[string]any{"id": req.ID, "ok": false, "error": "boom"})
		case "silent":
		case "notify":
			count, _ := req.Args["count"].(float64)
			for i := 0; i < int(count); i++ {
				emit(map[string]any{"type": "progress", "n": i})
			}
			emit(map[string]any{"id": req.ID, "ok": true})
		case "malformed":
			raw("this is not json")
		case "array":
			raw("[1,2,3]")
		case "no-ok":
			emit(map[string]any{"id": req.ID, "data": 1})
		case "blank":
			raw("")
			raw("   ")
			emit(map[string]any{"id": req.ID, "ok": true, "data": "after-blank"})
		case "stderr":
			fmt.Fprintln(os.Stderr, "oops")
		case "exit":
			os.Exit(2)
		case "late":
			delay, _ := req.Args["delay_ms"].(float64)
			go func(id string) {
				time.Sleep(time.Duration(delay) * time.Millisecond)
				emit(map[string]any{"id": id, "ok": true, "data": "late"})
			}(req.ID)
		case "odd-ids":
			raw(`{"id":7,"ok":true}`)
			raw(`{"id":null,"type":"progress","n":0}`)
			raw(`{"id":"","type":"progress","n":1}`)
			raw(`{"id":"nobody-waits-for-this","data":1}`)
			emit(map[string]any{"id": req.ID, "ok": true, "data": "done"})
		case "reply-then-exit":
			emit(map[string]any{"id": req.ID, "ok": true, "data": "bye"})
			os.Exit(0)
		}
	}
	os.Exit(0)
}

func testConfig() Config {
	return Config{
		Config: supervisor.Config{
			Command:     os.Args[0],
			Args:        []string{"-test.run=^$"},
			Env:         map[string]string{helperEnv: "worker"},
			Backoff:     10 * time.Millisecond,
			StopTimeout: 2 * time.Second,
		},
		ResponseTimeout: 5 * time.Second,
	}
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

type sendResult struct {
	resp *Response
	err  error
}

func sendAsync(c *Client, req Request) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		resp, err := c.Send(context.Background(), req)
		ch <- sendResult{resp, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("send never settled")
		return sendResult{}
	}
}

func waitPending(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending() == n }, 3*time.Second, 5*time.Millisecond)
}

func TestSend_ResolvesWithData(t *testing.T) {
	c := newClient(t, testConfig())

	resp, err := c.Send(context.Background(), Request{Op: "echo", Args: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.OK)

	data, err := Decode[map[string]string](resp)
	require.NoError(t, err)
	assert.Equal(t, "hi", data["msg"])
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, supervisor.StateRunning, c.State())
}

func TestSend_ApplicationError(t *testing.T) {
	c := newClient(t, testConfig())

	resp, err := c.Send(context.Background(), Request{Op: "fail"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.False(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Contains(t, err.Error(), "boom")

	// The worker is still usable.
	_, err = c.Send(context.Background(), Request{Op: "echo"})
	require.NoError(t, err)
}

func TestSend_TimeoutRemovesPending(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	start := time.Now()
	_, err := c.Send(context.Background(), Request{Op: "silent", Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
	assert.False(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestSend_LateResponseIsDiscarded(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Send(context.Background(), Request{
		Op:      "late",
		Args:    map[string]any{"delay_ms": 150},
		Timeout: 30 * time.Millisecond,
	})
	require.True(t, schema.IsCode(err, schema.ErrCodeTimeout))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	resp, err := c.Send(context.Background(), Request{Op: "echo", Args: map[string]any{"k": "v"}})
	require.NoError(t, err)
	data, err := Decode[map[string]string](resp)
	require.NoError(t, err)
	assert.Equal(t, "v", data["k"])
}

func TestNotifications_DeliveredInArrivalOrder(t *testing.T) {
	c := newClient(t, testConfig())

	var mu sync.Mutex
	var seen []int
	c.OnNotification(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "progress", n.Payload["type"])
		seen = append(seen, int(n.Payload["n"].(float64)))
	})

	_, err := c.Send(context.Background(), Request{Op: "notify", Args: map[string]any{"count": 25}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 25)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestNotification_UnsubscribeStopsDelivery(t *testing.T) {
	c := newClient(t, testConfig())

	var count int
	var mu sync.Mutex
	unsubscribe := c.OnNotification(func(Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	_, err := c.Send(context.Background(), Request{Op: "notify", Args: map[string]any{"count": 2}})
	require.NoError(t, err)

	unsubscribe()
	_, err = c.Send(context.Background(), Request{Op: "notify", Args: map[string]any{"count": 2}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestMalformedLine_FailsAllPending(t *testing.T) {
	for _, op := range []string{"malformed", "array"} {
		t.Run(op, func(t *testing.T) {
			c := newClient(t, testConfig())
			require.NoError(t, c.Start(context.Background()))

			protoErrs := make(chan error, 8)
			c.OnProtocolError(func(err error) { protoErrs <- err })

			waiting := sendAsync(c, Request{Op: "silent"})
			waitPending(t, c, 1)

			_, err := c.Send(context.Background(), Request{Op: op})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
			assert.True(t, schema.IsCode(err, schema.ErrCodeProtocol))

			other := waitResult(t, waiting)
			assert.True(t, schema.IsCode(other.err, schema.ErrCodeProtocol))
			assert.Equal(t, 0, c.Pending())

			select {
			case perr := <-protoErrs:
				assert.True(t, schema.IsCode(perr, schema.ErrCodeProtocol))
			case <-time.After(time.Second):
				t.Fatal("no protocol error signal")
			}
		})
	}
}

func TestResponseWithoutOK_RejectsOnlyThatRequest(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	var protoErrs []error
	var mu sync.Mutex
	c.OnProtocolError(func(err error) {
		mu.Lock()
		protoErrs = append(protoErrs, err)
		mu.Unlock()
	})

	waiting := sendAsync(c, Request{Op: "silent", Timeout: 2 * time.Second})
	waitPending(t, c, 1)

	_, err := c.Send(context.Background(), Request{Op: "no-ok"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProtocol))
	assert.False(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Equal(t, 1, c.Pending(), "unrelated request is still pending")

	mu.Lock()
	assert.Len(t, protoErrs, 1)
	mu.Unlock()

	other := waitResult(t, waiting)
	assert.True(t, schema.IsCode(other.err, schema.ErrCodeTimeout))
}

func TestBlankLines_AreSkipped(t *testing.T) {
	c := newClient(t, testConfig())

	resp, err := c.Send(context.Background(), Request{Op: "blank"})
	require.NoError(t, err)
	data, err := Decode[string](resp)
	require.NoError(t, err)
	assert.Equal(t, "after-blank", data)
}

func TestStderr_FailsPendingWithTransportError(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	waiting := sendAsync(c, Request{Op: "silent"})
	waitPending(t, c, 1)

	_, err := c.Send(context.Background(), Request{Op: "stderr"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Contains(t, err.Error(), "oops")

	other := waitResult(t, waiting)
	assert.True(t, schema.IsCode(other.err, schema.ErrCodeTransport))
	assert.Equal(t, 0, c.Pending())
}

func TestExitMidFlight_FailsAllPending(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 30 * time.Second
	c := newClient(t, cfg)
	require.NoError(t, c.Start(context.Background()))

	var waiting []<-chan sendResult
	for i := 0; i < 3; i++ {
		waiting = append(waiting, sendAsync(c, Request{Op: "silent"}))
	}
	waitPending(t, c, 3)

	start := time.Now()
	exiting := sendAsync(c, Request{Op: "exit"})

	for _, ch := range append(waiting, exiting) {
		r := waitResult(t, ch)
		require.Error(t, r.err)
		assert.True(t, schema.IsCode(r.err, schema.ErrCodeTransport))
		assert.False(t, schema.IsCode(r.err, schema.ErrCodeTimeout))
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, c.Pending())
}

func TestReplyBeforeExit_StillResolves(t *testing.T) {
	c := newClient(t, testConfig())

	resp, err := c.Send(context.Background(), Request{Op: "reply-then-exit"})
	require.NoError(t, err)
	data, err := Decode[string](resp)
	require.NoError(t, err)
	assert.Equal(t, "bye", data)
}

func TestSend_RestartsWorkerAfterExit(t *testing.T) {
	c := newClient(t, testConfig())

	restarts := make(chan int, 4)
	c.OnRestart(func(attempt int) { restarts <- attempt })

	_, err := c.Send(context.Background(), Request{Op: "exit"})
	require.True(t, schema.IsCode(err, schema.ErrCodeTransport))

	resp, err := c.Send(context.Background(), Request{Op: "echo", Args: map[string]any{"again": "yes"}})
	require.NoError(t, err)
	data, err := Decode[map[string]string](resp)
	require.NoError(t, err)
	assert.Equal(t, "yes", data["again"])

	select {
	case attempt := <-restarts:
		assert.Equal(t, 1, attempt)
	case <-time.After(time.Second):
		t.Fatal("restart not reported")
	}
}

func TestSend_RestartExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Command = "/nonexistent/agentloom-worker"
	cfg.MaxRestarts = 2
	c := newClient(t, cfg)

	var mu sync.Mutex
	var attempts []int
	c.OnRestart(func(attempt int) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})

	_, err := c.Send(context.Background(), Request{Op: "echo"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.True(t, schema.IsCode(err, schema.ErrCodeRestartExhausted))
	assert.Equal(t, supervisor.StateFailed, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestSend_StartFailureWithoutAutoRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Command = "/nonexistent/agentloom-worker"
	cfg.DisableAutoRestart = true
	c := newClient(t, cfg)

	_, err := c.Send(context.Background(), Request{Op: "echo"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.False(t, schema.IsCode(err, schema.ErrCodeRestartExhausted))
}

func TestStop_FailsPendingAndAllowsRestart(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	waiting := sendAsync(c, Request{Op: "silent"})
	waitPending(t, c, 1)

	require.NoError(t, c.Stop())
	r := waitResult(t, waiting)
	assert.True(t, schema.IsCode(r.err, schema.ErrCodeTransport))
	assert.Equal(t, supervisor.StateStopped, c.State())

	_, err := c.Send(context.Background(), Request{Op: "echo"})
	require.NoError(t, err)
}

func TestSend_ContextCancellation(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Send(ctx, Request{Op: "silent"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, c.Pending())
}

func TestSend_ConcurrentRequestsMatchTheirReplies(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Send(context.Background(), Request{Op: "echo", Args: map[string]any{"i": i}})
			if !assert.NoError(t, err) {
				return
			}
			data, err := Decode[map[string]int](resp)
			assert.NoError(t, err)
			assert.Equal(t, i, data["i"])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}

func TestSend_RequiresOp(t *testing.T) {
	c := newClient(t, testConfig())
	_, err := c.Send(context.Background(), Request{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, supervisor.StateStopped, c.State(), "validation happens before the worker starts")
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{Config: supervisor.Config{Command: "worker"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultResponseTimeout, c.cfg.ResponseTimeout)
	assert.Equal(t, DefaultMaxLineBytes, c.cfg.MaxLineBytes)
	assert.True(t, c.cfg.AutoRestart)

	c, err = New(Config{Config: supervisor.Config{Command: "worker"}, DisableAutoRestart: true}, nil)
	require.NoError(t, err)
	assert.False(t, c.cfg.AutoRestart)

	_, err = New(Config{}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSend_CrashLoopSurfacesRestartExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Env = map[string]string{helperEnv: "crash"}
	cfg.MaxRestarts = 2
	c := newClient(t, cfg)

	var restarts atomic.Int32
	c.OnRestart(func(int) { restarts.Add(1) })

	_, err := c.Send(context.Background(), Request{Op: "echo"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))

	require.Eventually(t, func() bool { return c.State() == supervisor.StateFailed }, 5*time.Second, 10*time.Millisecond)

	_, err = c.Send(context.Background(), Request{Op: "echo"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.True(t, schema.IsCode(err, schema.ErrCodeRestartExhausted))

	// Rejecting the second request must not start another restart cycle.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, supervisor.StateFailed, c.State())
	assert.Equal(t, int32(2), restarts.Load())
}

func TestStart_RevivesExhaustedWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Command = "/nonexistent/agentloom-worker"
	cfg.MaxRestarts = 1
	c := newClient(t, cfg)

	_, err := c.Send(context.Background(), Request{Op: "echo"})
	require.True(t, schema.IsCode(err, schema.ErrCodeRestartExhausted))

	var restarts atomic.Int32
	c.OnRestart(func(int) { restarts.Add(1) })
	err = c.Start(context.Background())
	assert.True(t, schema.IsCode(err, schema.ErrCodeRestartExhausted))
	assert.Equal(t, int32(1), restarts.Load(), "Start grants a fresh restart budget")
}

func TestOddReplyIDs_DoNotDisturbPendingRequests(t *testing.T) {
	c := newClient(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	var mu sync.Mutex
	var protoErrs []error
	var notified []float64
	c.OnProtocolError(func(err error) {
		mu.Lock()
		protoErrs = append(protoErrs, err)
		mu.Unlock()
	})
	c.OnNotification(func(n Notification) {
		mu.Lock()
		notified = append(notified, n.Payload["n"].(float64))
		mu.Unlock()
	})

	waiting := sendAsync(c, Request{Op: "silent", Timeout: 2 * time.Second})
	waitPending(t, c, 1)

	resp, err := c.Send(context.Background(), Request{Op: "odd-ids"})
	require.NoError(t, err)
	out, err := Decode[string](resp)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 1, c.Pending(), "a non-string id must not fail other requests")

	mu.Lock()
	assert.Equal(t, []float64{0, 1}, notified, "null and empty ids are notifications")
	require.Len(t, protoErrs, 1, "only the numeric id is reported; the stray reply is discarded")
	assert.True(t, schema.IsCode(protoErrs[0], schema.ErrCodeProtocol))
	mu.Unlock()

	other := waitResult(t, waiting)
	assert.True(t, schema.IsCode(other.err, schema.ErrCodeTimeout))
}

func TestSpawnFailure_OnlyExhaustionFailsEveryGeneration(t *testing.T) {
	c := newClient(t, testConfig())
	pr := &pendingRequest{
		id:         "r1",
		op:         "echo",
		generation: 2,
		result:     make(chan outcome, 1),
		timer:      time.NewTimer(time.Hour),
	}
	c.mu.Lock()
	c.pending[pr.id] = pr
	c.mu.Unlock()

	spawnErr := schema.NewError(schema.ErrCodeTransport, "start worker: exec format error")
	c.onSupervisorEvent(supervisor.Event{Type: supervisor.EventFailed, Err: spawnErr})
	assert.Equal(t, 1, c.Pending(), "a restartable spawn failure leaves other generations alone")
	assert.ErrorIs(t, c.unavailable(), spawnErr)

	exhausted := schema.NewError(schema.ErrCodeRestartExhausted, "gave up after 5 restarts").WithCause(spawnErr)
	c.onSupervisorEvent(supervisor.Event{Type: supervisor.EventFailed, Err: exhausted})
	assert.Equal(t, 0, c.Pending())

	o := <-pr.result
	assert.True(t, schema.IsCode(o.err, schema.ErrCodeTransport))
	assert.True(t, schema.IsCode(o.err, schema.ErrCodeRestartExhausted))
}
