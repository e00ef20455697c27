package realtime

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records delivered events for assertions across goroutines.
type collector struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (c *collector) callback(ev model.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.events))
	for i, ev := range c.events {
		ids[i] = ev.EntityID
	}
	return ids
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func rowEvent(id string, ts time.Time) model.ChangeEvent {
	return model.ChangeEvent{
		Source:          model.SourceRow,
		Entity:          "parking_entries",
		EntityID:        id,
		Operation:       model.OpUpdate,
		ServerTimestamp: ts,
	}
}

func TestDispatcher_DeliversInArrivalOrder(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var c collector
	d.Subscribe("parking_entries", c.callback, nil)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"1", "2", "3"} {
		require.True(t, d.Ingest(rowEvent(id, base.Add(time.Duration(i)*time.Second))))
	}

	require.Eventually(t, func() bool { return c.count() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, c.ids())
}

func TestDispatcher_DedupsDualChannelDelivery(t *testing.T) {
	d := NewDispatcher(testLogger(), time.Minute)
	d.Start()
	defer d.Close()

	var c collector
	d.Subscribe(TopicAll, c.callback, nil)

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := rowEvent("42", ts)
	require.True(t, d.Ingest(ev))

	// Same logical change arriving on the broadcast channel: the dedup
	// key ignores the source, so the second delivery is suppressed.
	dup := ev
	dup.Source = model.SourceBroadcast
	assert.False(t, d.Ingest(dup))

	require.Eventually(t, func() bool { return c.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestDispatcher_DedupWindowExpires(t *testing.T) {
	d := NewDispatcher(testLogger(), 10*time.Millisecond)
	d.Start()
	defer d.Close()

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	base := time.Now()

	ev := rowEvent("42", ts)
	ev.ReceivedTimestamp = base
	require.True(t, d.Ingest(ev))

	// Same key after the window has passed is a fresh event.
	ev.ReceivedTimestamp = base.Add(20 * time.Millisecond)
	assert.True(t, d.Ingest(ev))
}

func TestDispatcher_TopicAndWildcardFanout(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var entries, all, other collector
	d.Subscribe("parking_entries", entries.callback, nil)
	d.Subscribe(TopicAll, all.callback, nil)
	d.Subscribe("shift_sessions", other.callback, nil)

	require.True(t, d.Ingest(rowEvent("1", time.Now())))

	require.Eventually(t, func() bool {
		return entries.count() == 1 && all.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestDispatcher_FilterNarrowsSubscription(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var c collector
	d.Subscribe("parking_entries", c.callback, func(ev model.ChangeEvent) bool {
		return ev.Operation == model.OpDelete
	})

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	update := rowEvent("1", base)
	deleted := rowEvent("2", base.Add(time.Second))
	deleted.Operation = model.OpDelete

	require.True(t, d.Ingest(update))
	require.True(t, d.Ingest(deleted))

	require.Eventually(t, func() bool { return c.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2"}, c.ids())
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var c collector
	h := d.Subscribe("parking_entries", c.callback, nil)
	assert.Equal(t, 1, d.SubscriberCount("parking_entries"))

	d.Unsubscribe(h)
	assert.Equal(t, 0, d.SubscriberCount("parking_entries"))

	// Idempotent.
	d.Unsubscribe(h)
	d.Unsubscribe(nil)

	require.True(t, d.Ingest(rowEvent("1", time.Now())))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestDispatcher_PanickingSubscriberIsIsolated(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var c collector
	d.Subscribe("parking_entries", func(model.ChangeEvent) {
		panic("subscriber bug")
	}, nil)
	d.Subscribe("parking_entries", c.callback, nil)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.True(t, d.Ingest(rowEvent("1", base)))
	require.True(t, d.Ingest(rowEvent("2", base.Add(time.Second))))

	require.Eventually(t, func() bool { return c.count() == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, c.ids())
}

func TestDispatcher_NoDeliveryAfterClose(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()

	var c collector
	d.Subscribe(TopicAll, c.callback, nil)

	d.Close()

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		assert.False(t, d.Ingest(rowEvent("late", base.Add(time.Duration(i)*time.Second))))
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestDispatcher_SeqPreservesArrivalOrder(t *testing.T) {
	d := NewDispatcher(testLogger(), 0)
	d.Start()
	defer d.Close()

	var c collector
	d.Subscribe("parking_entries", c.callback, nil)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.True(t, d.Ingest(rowEvent("x", base.Add(time.Duration(i)*time.Second))))
	}

	require.Eventually(t, func() bool { return c.count() == 5 },
		time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < len(c.events); i++ {
		assert.Greater(t, c.events[i].Seq, c.events[i-1].Seq)
	}
}
