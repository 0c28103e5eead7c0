package eventstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/agent/repository/sqlite"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
)

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	dbConn, err := sqlx.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	dbConn.SetMaxOpenConns(1)

	repo, err := sqlite.NewWithDB(dbConn, dbConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbConn.Close() })
	return repo
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		MaxBufferSize:    100,
		PollInterval:     1,
		SlowPollInterval: 5,
		IdlePollsToSlow:  10,
		HeartbeatTimeout: 300,
		SweepInterval:    60,
	}
}

func newTestRegistry(t *testing.T, store repository.Store) (*Registry, bus.EventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return NewRegistry(store, eventBus, 100, nil), eventBus
}

func TestNotifyAssignsDenseMonotonicSequences(t *testing.T) {
	store := newTestStore(t)
	registry, _ := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)

	for want := int64(1); want <= 5; want++ {
		seq, err := b.Notify(ctx, events.NewMessage(fmt.Sprintf("m%d", want)))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestConcurrentNotifiesYieldNoGapsOrDuplicates(t *testing.T) {
	store := newTestStore(t)
	registry, _ := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := b.Notify(ctx, events.NewMessage("concurrent"))
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	for want := int64(1); want <= n; want++ {
		assert.True(t, seen[want], "sequence %d missing", want)
	}
}

func TestNotifyAfterDoneReturnsErrStreamDone(t *testing.T) {
	store := newTestStore(t)
	registry, _ := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)

	_, err = b.Notify(ctx, events.NewMessage("last words"))
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewDone())
	require.NoError(t, err)
	assert.True(t, b.Done())

	_, err = b.Notify(ctx, events.NewMessage("too late"))
	assert.ErrorIs(t, err, ErrStreamDone)
	_, err = b.Notify(ctx, events.NewDone())
	assert.ErrorIs(t, err, ErrStreamDone)
}

func TestDoneFlagSurvivesRegistryRestart(t *testing.T) {
	store := newTestStore(t)
	registry, _ := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewDone())
	require.NoError(t, err)

	// A fresh registry over the same store simulates a process restart.
	fresh, _ := newTestRegistry(t, store)
	b2, err := fresh.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, b2.Done())

	_, err = b2.Notify(ctx, events.NewMessage("late"))
	assert.ErrorIs(t, err, ErrStreamDone)
}

func TestSequencesStayMonotonicAcrossRestartAndClear(t *testing.T) {
	store := newTestStore(t)
	registry, _ := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = b.Notify(ctx, events.NewMessage("m"))
		require.NoError(t, err)
	}
	require.NoError(t, b.Buffer().Clear(ctx))

	fresh, _ := newTestRegistry(t, store)
	b2, err := fresh.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)

	seq, err := b2.Notify(ctx, events.NewMessage("after restart"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestBufferOverflowEvictsOldest(t *testing.T) {
	store := newTestStore(t)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	registry := NewRegistry(store, eventBus, 5, nil)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	for i := 1; i <= 7; i++ {
		_, err = b.Notify(ctx, events.NewMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	got, err := b.Buffer().EventsFrom(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(3), got[0].Sequence)
	assert.Equal(t, int64(7), got[4].Sequence)
	assert.Equal(t, int64(7), b.Buffer().CurrentSequence())
}

func collectStream(t *testing.T, ch <-chan *events.BufferedEvent, want int, timeout time.Duration) []*events.BufferedEvent {
	t.Helper()
	var got []*events.BufferedEvent
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case rec, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, rec)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d of %d", len(got), want)
		}
	}
	return got
}

func TestStreamReplaysHistoryThenTailsLive(t *testing.T) {
	store := newTestStore(t)
	registry, eventBus := newTestRegistry(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewMessage("history-1"))
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewMessage("history-2"))
	require.NoError(t, err)

	streamer := NewStreamer(store, registry, eventBus, testEventsConfig(), nil)
	ch, err := streamer.GetEventStream(ctx, "agent-1", 0)
	require.NoError(t, err)

	history := collectStream(t, ch, 2, 5*time.Second)
	assert.Equal(t, "history-1", history[0].Event.Text)
	assert.Equal(t, "history-2", history[1].Event.Text)

	_, err = b.Notify(ctx, events.NewMessage("live"))
	require.NoError(t, err)

	live := collectStream(t, ch, 1, 5*time.Second)
	assert.Equal(t, int64(3), live[0].Sequence)
	assert.Equal(t, "live", live[0].Event.Text)
}

func TestStreamClosesAfterTerminalEvent(t *testing.T) {
	store := newTestStore(t)
	registry, eventBus := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewReport("all done"))
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewDone())
	require.NoError(t, err)

	streamer := NewStreamer(store, registry, eventBus, testEventsConfig(), nil)
	ch, err := streamer.GetEventStream(ctx, "agent-1", 0)
	require.NoError(t, err)

	got := collectStream(t, ch, 2, 5*time.Second)
	assert.Equal(t, events.KindReport, got[0].Kind)
	assert.Equal(t, events.KindDone, got[1].Kind)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after terminal event")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestStreamReconnectFromSequenceReplaysIdentically(t *testing.T) {
	store := newTestStore(t)
	registry, eventBus := newTestRegistry(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err = b.Notify(ctx, events.NewMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	streamer := NewStreamer(store, registry, eventBus, testEventsConfig(), nil)

	first, err := streamer.GetEventStream(ctx, "agent-1", 0)
	require.NoError(t, err)
	firstBatch := collectStream(t, first, 4, 5*time.Second)

	// A reconnect from sequence 3 must deliver exactly the suffix.
	second, err := streamer.GetEventStream(ctx, "agent-1", 3)
	require.NoError(t, err)
	secondBatch := collectStream(t, second, 2, 5*time.Second)

	assert.Equal(t, firstBatch[2].Sequence, secondBatch[0].Sequence)
	assert.Equal(t, firstBatch[2].Event.Text, secondBatch[0].Event.Text)
	assert.Equal(t, firstBatch[3].Sequence, secondBatch[1].Sequence)
	assert.Equal(t, firstBatch[3].Event.Text, secondBatch[1].Event.Text)
}

func TestStreamCancellationRemovesSubscriber(t *testing.T) {
	store := newTestStore(t)
	registry, eventBus := newTestRegistry(t, store)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := registry.GetOrCreate(context.Background(), "agent-1")
	require.NoError(t, err)

	streamer := NewStreamer(store, registry, eventBus, testEventsConfig(), nil)
	_, err = streamer.GetEventStream(ctx, "agent-1", 0)
	require.NoError(t, err)

	count, err := store.CountActiveSubscribers(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cancel()

	require.Eventually(t, func() bool {
		count, err := store.CountActiveSubscribers(context.Background(), "agent-1")
		return err == nil && count == 0
	}, 5*time.Second, 50*time.Millisecond, "subscriber row not removed after cancellation")
}

func TestStreamerCloseEndsActiveStreams(t *testing.T) {
	store := newTestStore(t)
	registry, eventBus := newTestRegistry(t, store)
	ctx := context.Background()

	b, err := registry.GetOrCreate(ctx, "agent-1")
	require.NoError(t, err)
	_, err = b.Notify(ctx, events.NewMessage("before shutdown"))
	require.NoError(t, err)

	streamer := NewStreamer(store, registry, eventBus, testEventsConfig(), nil)
	ch, err := streamer.GetEventStream(ctx, "agent-1", 0)
	require.NoError(t, err)
	collectStream(t, ch, 1, 5*time.Second)

	// Shutdown with no terminal event on the buffer: the reader's channel
	// must still close instead of hanging on the poll loop.
	streamer.Close()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after streamer shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("stream still open after streamer shutdown")
	}

	// Close is idempotent, and the buffer stays resumable.
	streamer.Close()
	assert.False(t, b.Done())

	require.Eventually(t, func() bool {
		count, err := store.CountActiveSubscribers(ctx, "agent-1")
		return err == nil && count == 0
	}, 5*time.Second, 50*time.Millisecond, "subscriber row not removed after shutdown")
}

func TestSweeperExpiresStaleSubscribers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSubscriber(ctx, &models.Subscriber{
		ID:                      "stale",
		AgentID:                 "agent-1",
		CreatedAt:               time.Now().UTC().Add(-time.Hour),
		LastActivity:            time.Now().UTC().Add(-time.Hour),
		IsActive:                true,
		HeartbeatTimeoutSeconds: 300,
	}))

	sweeper := NewSweeper(store, 20*time.Millisecond, nil)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		count, err := store.CountActiveSubscribers(ctx, "agent-1")
		return err == nil && count == 0
	}, 5*time.Second, 50*time.Millisecond)
}
