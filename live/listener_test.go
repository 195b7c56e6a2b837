package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loxone-admin/cell"
	"loxone-admin/metrics"
	"loxone-admin/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cfgID = "cfg1"

var (
	snapshotDest = protocol.SnapshotValuesDestination(cfgID)
	valuesDest   = protocol.TopicValuesDestination(cfgID)
	textsDest    = protocol.TopicTextsDestination(cfgID)
)

// waitState blocks until the listener reaches want
func waitState(t *testing.T, l *Listener, want State) {
	t.Helper()
	reached := make(chan struct{})
	var once sync.Once
	unsubscribe := l.State().Subscribe(func(s State) {
		if s == want {
			once.Do(func() { close(reached) })
		}
	})
	defer unsubscribe()
	if l.State().Get() == want {
		return
	}
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never reached %v (now %v)", want, l.State().Get())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runListener(t *testing.T, l *Listener) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
			return nil
		}
	}
}

func TestListenerSnapshotThenIncremental(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	board := cell.NewBoardWithClock(func() time.Time { return now })

	bus := newFakeBus()
	bus.queue(snapshotDest, `{"success":true,"data":[{"uuid":"A","value":1.0}]}`)
	dial, _ := dialSequence(bus)

	m := metrics.New()
	l := NewListener(dial, board, Options{ConfigID: cfgID, Metrics: m})
	stop := runListener(t, l)

	waitState(t, l, Subscribed)
	binding, ok := board.Lookup("A")
	require.True(t, ok, "スナップショットでセルが作成される")
	assert.Equal(t, "1.00", binding.Value.Get())

	created := now.Add(-3 * time.Minute)
	require.True(t, bus.publish(valuesDest, Message{Body: []byte(
		`{"success":true,"data":[{"uuid":"A","value":2.0,"created":"` + created.Format(time.RFC3339) + `"}]}`)}))

	waitFor(t, func() bool { return binding.Value.Get() == "2.00" })
	assert.Equal(t, "3 minutes ago", binding.Age.Get())
	assert.Equal(t, 1, board.Len())

	require.NoError(t, stop())
	assert.Equal(t, Disconnected, l.State().Get())
	assert.Equal(t, []string{
		"subscribe " + snapshotDest,
		"unsubscribe " + snapshotDest,
		"subscribe " + valuesDest,
		"unsubscribe " + valuesDest,
		"close",
	}, bus.events())

	count, err := testutil.GatherAndCount(m.Registry(), "loxone_admin_bus_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "snapshotとvalueの2系列")
}

func TestListenerTexts(t *testing.T) {
	board := cell.NewBoard()
	bus := newFakeBus()
	bus.queue(snapshotDest, `{"success":true,"data":[]}`)
	dial, _ := dialSequence(bus)

	l := NewListener(dial, board, Options{ConfigID: cfgID, Texts: true})
	stop := runListener(t, l)
	waitState(t, l, Subscribed)

	require.True(t, bus.publish(textsDest, Message{Body: []byte(`{"success":true,"data":[{"uuid":"T","text":"open"}]}`)}))
	waitFor(t, func() bool {
		b, ok := board.Lookup("T")
		return ok && b.Text.Get() == "open"
	})
	require.NoError(t, stop())
	assert.Contains(t, bus.events(), "subscribe "+textsDest)
}

func TestListenerIgnoresRejectedMessages(t *testing.T) {
	board := cell.NewBoard()
	bus := newFakeBus()
	bus.queue(snapshotDest, `{"success":true,"data":[{"uuid":"A","value":1.0}]}`)
	dial, _ := dialSequence(bus)

	var mu sync.Mutex
	var forwarded []string
	sink := SinkFunc(func(ev protocol.ValueEvent) error {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, ev.UUID)
		return nil
	})

	l := NewListener(dial, board, Options{ConfigID: cfgID, Sinks: []Sink{sink}})
	stop := runListener(t, l)
	waitState(t, l, Subscribed)

	for _, body := range []string{
		`{"success":false,"message":"denied","data":[{"uuid":"A","value":9}]}`,
		``,
		`not json`,
		`{"success":true,"data":[{"uuid":"B","value":5}]}`,
	} {
		require.True(t, bus.publish(valuesDest, Message{Body: []byte(body)}))
	}

	waitFor(t, func() bool {
		_, ok := board.Lookup("B")
		return ok
	})
	a, _ := board.Lookup("A")
	assert.Equal(t, "1.00", a.Value.Get(), "失敗したメッセージは適用しない")

	require.NoError(t, stop())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, forwarded)
}

func TestListenerReconnectsWithBackoff(t *testing.T) {
	board := cell.NewBoard()

	first := newFakeBus()
	first.queue(snapshotDest, `{"success":true,"data":[{"uuid":"A","value":1}]}`)
	second := newFakeBus()
	second.queue(snapshotDest, `{"success":true,"data":[{"uuid":"A","value":3}]}`)

	refused := errors.New("connection refused")
	dial, calls := dialSequence(refused, refused, first, refused, second)

	l := NewListener(dial, board, Options{
		ConfigID:         cfgID,
		ReconnectInitial: time.Second,
		ReconnectMax:     3 * time.Second,
	})
	var mu sync.Mutex
	var delays []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	stop := runListener(t, l)
	waitState(t, l, Subscribed)
	waitFor(t, func() bool { return first.publish(valuesDest, Message{Err: errors.New("broken pipe")}) })

	waitFor(t, func() bool {
		b, ok := board.Lookup("A")
		return ok && b.Value.Get() == "3.00"
	})
	waitState(t, l, Subscribed)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	// 2回失敗後に1s,2s、接続成功でリセットされ1s,2s
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}, delays)
	assert.Equal(t, 5, *calls)
	assert.Equal(t, 2, l.Status().Sessions)
}

func TestListenerGivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	dial, calls := dialSequence(refused, refused, refused, refused)

	l := NewListener(dial, cell.NewBoard(), Options{ConfigID: cfgID, MaxAttempts: 2})
	l.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, Disconnected, l.State().Get())
	assert.Contains(t, l.Status().LastError, "connection refused")
}

func TestListenerBackoffCapped(t *testing.T) {
	refused := errors.New("refused")
	dial, _ := dialSequence(refused, refused, refused, refused, refused, refused)

	l := NewListener(dial, cell.NewBoard(), Options{
		ConfigID:         cfgID,
		ReconnectInitial: time.Second,
		ReconnectMax:     5 * time.Second,
		MaxAttempts:      5,
	})
	var delays []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.Error(t, l.Run(context.Background()))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)
}

func TestListenerSnapshotTimeout(t *testing.T) {
	board := cell.NewBoard()
	bus := newFakeBus()
	dial, _ := dialSequence(bus)

	l := NewListener(dial, board, Options{ConfigID: cfgID, SnapshotTimeout: 10 * time.Millisecond})
	stop := runListener(t, l)
	waitState(t, l, Subscribed)

	require.True(t, bus.publish(valuesDest, Message{Body: []byte(`{"success":true,"data":[{"uuid":"X","value":0.5}]}`)}))
	waitFor(t, func() bool {
		b, ok := board.Lookup("X")
		return ok && b.Value.Get() == "0.50"
	})
	require.NoError(t, stop())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Subscribed", Subscribed.String())
}
