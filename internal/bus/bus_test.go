package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotacao_go/internal/metrics"
)

type collector struct {
	mu  sync.Mutex
	got []int
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	c.got = append(c.got, env.Payload.(int))
	c.mu.Unlock()
}

func (c *collector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.got...)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := New(1000, nil)
	defer b.Close()

	var c collector
	_, err := b.Subscribe("tag.updated.*", "ordem", c.handle)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		b.Publish("tag.updated.nivel_rougher", i)
	}

	require.Eventually(t, func() bool { return len(c.values()) == 200 }, 2*time.Second, 5*time.Millisecond)
	for i, v := range c.values() {
		assert.Equal(t, i, v)
	}
}

func TestOverflowDropsOldestAndCounts(t *testing.T) {
	m := metrics.NewUnregistered()
	b := New(16, m)
	defer b.Close()

	gate := make(chan struct{})
	var c collector
	sub, err := b.Subscribe("control.output.rougher", "lento", func(env Envelope) {
		<-gate
		c.handle(env)
	}, WithMailboxSize(4))
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		b.Publish("control.output.rougher", i)
	}
	close(gate)

	require.Eventually(t, func() bool { return sub.Stats().Delivered == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats := sub.Stats()
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(n-4), stats.Dropped)
	assert.Equal(t, float64(n-4), testutil.ToFloat64(m.BusDropped.WithLabelValues("lento")))

	got := c.values()
	require.Len(t, got, 4)
	assert.Equal(t, []int{7, 8, 9}, got[1:], "as mais recentes sobrevivem")
	assert.Less(t, got[0], got[1])
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New(8, nil)
	defer b.Close()

	gate := make(chan struct{})
	defer close(gate)
	_, err := b.Subscribe("history.snapshot", "travado", func(Envelope) { <-gate })
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10000; i++ {
		b.Publish("history.snapshot", i)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestWildcardMatching(t *testing.T) {
	assert.True(t, matches("tag.updated.*", "tag.updated.nivel_rougher"))
	assert.True(t, matches("tag.updated.*", "tag.updated.a.b"))
	assert.False(t, matches("tag.updated.*", "tag.updated"))
	assert.False(t, matches("tag.updated.*", "tag.updatedx.nivel"))
	assert.True(t, matches("history.snapshot", "history.snapshot"))
	assert.False(t, matches("history.snapshot", "history.snapshot.x"))

	b := New(4, nil)
	defer b.Close()
	_, err := b.Subscribe("tag.*.x", "ruim", func(Envelope) {})
	assert.ErrorIs(t, err, ErrInvalidPattern)
	_, err = b.Subscribe("tag.updated.*", "nil", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("feature.ready.*", "fugaz", c.handle)
	require.NoError(t, err)

	b.Publish("feature.ready.rougher", 1)
	require.Eventually(t, func() bool { return len(c.values()) == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	b.Publish("feature.ready.rougher", 2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{1}, c.values())
	assert.NotContains(t, b.Stats(), "fugaz")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var c collector
	_, err := b.Subscribe("control.fault.*", "instavel", func(env Envelope) {
		if env.Payload.(int) == 0 {
			panic("boom")
		}
		c.handle(env)
	})
	require.NoError(t, err)

	b.Publish("control.fault.rougher", 0)
	b.Publish("control.fault.rougher", 1)
	require.Eventually(t, func() bool { return len(c.values()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClosedBusRejectsSubscribers(t *testing.T) {
	b := New(4, nil)
	b.Close()

	_, err := b.Subscribe("history.snapshot", "tarde", func(Envelope) {})
	assert.ErrorIs(t, err, ErrBusClosed)
	b.Publish("history.snapshot", 1)
}

func TestMailboxSingleSlotKeepsInflight(t *testing.T) {
	box := newMailbox(1)

	dropped, ok := box.push(Envelope{Seq: 1})
	require.True(t, ok)
	assert.Zero(t, dropped)

	env, ok := box.next()
	require.True(t, ok)
	assert.Equal(t, uint64(1), env.Seq)

	dropped, _ = box.push(Envelope{Seq: 2})
	assert.Equal(t, 1, dropped)
	box.done()
	assert.Zero(t, box.len())
}
