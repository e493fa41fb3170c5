package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	r := NewRouter()
	var got []Envelope

	sub := r.Subscribe("plan.ready", func(env Envelope) { got = append(got, env) })
	defer sub.Unsubscribe()

	env := r.Publish("plan.ready", map[string]any{"steps": 3}, "sess-1")

	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, KindBroadcast, got[0].Kind)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.Equal(t, "plan.ready", got[0].Topic)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestPublish_OtherTopicsIgnored(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.Subscribe("a", func(Envelope) { calls++ })

	r.Publish("b", nil, "")
	assert.Equal(t, 0, calls)
}

func TestHandlersFireInRegistrationOrder(t *testing.T) {
	r := NewRouter()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		r.Subscribe("t", func(Envelope) { order = append(order, i) })
	}

	r.Publish("t", nil, "")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribeWithinHandler(t *testing.T) {
	r := NewRouter()
	calls := 0

	var sub *Subscription
	sub = r.Subscribe("once", func(Envelope) {
		calls++
		sub.Unsubscribe()
	})

	r.Publish("once", nil, "")
	r.Publish("once", nil, "")

	assert.Equal(t, 1, calls)
	topics, _ := r.Topics()
	assert.Equal(t, 0, topics, "empty topics are dropped")
}

func TestSendToActor(t *testing.T) {
	r := NewRouter()
	var direct, broadcast int

	r.SubscribeActor("reviewer", func(env Envelope) {
		assert.Equal(t, KindDirect, env.Kind)
		direct++
	})
	r.Subscribe("reviewer", func(Envelope) { broadcast++ })

	r.SendTo("reviewer", "please review", "")

	assert.Equal(t, 1, direct)
	assert.Equal(t, 0, broadcast, "direct messages do not hit topic subscribers")
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter()
	calls := 0
	sub := r.SubscribeActor("a1", func(Envelope) { calls++ })

	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	r.SendTo("a1", nil, "")

	assert.Equal(t, 0, calls)
	_, actors := r.Topics()
	assert.Equal(t, 0, actors)
}

func TestSubscribeChan_DropsWhenFull(t *testing.T) {
	r := NewRouter()
	ch, cancel := r.SubscribeChan("events", 2)
	defer cancel()

	for i := 0; i < 5; i++ {
		r.Publish("events", i, "")
	}

	assert.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, 0, first.Payload)
}

func TestSubscribeChan_Receives(t *testing.T) {
	r := NewRouter()
	ch, cancel := r.SubscribeChan("events", 0)
	defer cancel()

	go r.Publish("events", "hello", "")

	select {
	case env := <-ch:
		assert.Equal(t, "hello", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	r := NewRouter()
	var mu sync.Mutex
	received := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := r.Subscribe("load", func(Envelope) {
				mu.Lock()
				received++
				mu.Unlock()
			})
			r.Publish("load", nil, "")
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, received, 10)
}
