package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loxone-admin/cell"
	"loxone-admin/metrics"
	"loxone-admin/protocol"
)

const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultSnapshotTimeout  = 10 * time.Second
)

// Options configures a Listener
type Options struct {
	ConfigID string
	Texts    bool // also subscribe to text events

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int // consecutive failed sessions before giving up, 0 = unlimited
	SnapshotTimeout  time.Duration

	Metrics *metrics.Metrics
	Sinks   []Sink
}

// Status is a point-in-time view of the listener
type Status struct {
	State       string    `json:"state"`
	ConfigID    string    `json:"configId"`
	LastMessage time.Time `json:"lastMessage,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Sessions    int       `json:"sessions"`
	Values      int       `json:"values"`
}

// Listener applies value events from the bus to a board. Each session seeds
// the board from the snapshot destination before subscribing to updates.
type Listener struct {
	dial  Dialer
	board *cell.Board
	opts  Options
	state *cell.Cell[State]

	mu          sync.Mutex
	lastMessage time.Time
	lastErr     error
	sessions    int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewListener creates a listener that dials the bus with dial
func NewListener(dial Dialer, board *cell.Board, opts Options) *Listener {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = DefaultReconnectMax
		if opts.ReconnectMax < opts.ReconnectInitial {
			opts.ReconnectMax = opts.ReconnectInitial
		}
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = DefaultSnapshotTimeout
	}
	return &Listener{
		dial:  dial,
		board: board,
		opts:  opts,
		state: cell.New(Disconnected),
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the observable connection state
func (l *Listener) State() *cell.Cell[State] {
	return l.state
}

// Status returns the current listener status
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:       l.state.Get().String(),
		ConfigID:    l.opts.ConfigID,
		LastMessage: l.lastMessage,
		Sessions:    l.sessions,
		Values:      l.board.Len(),
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

func (l *Listener) setState(s State) {
	l.state.Set(s)
	l.opts.Metrics.BusSubscribed(s == Subscribed)
}

// Run connects and keeps the subscription alive until ctx is done. Lost
// sessions are re-established with exponential backoff. It returns nil when
// ctx is done, or an error after MaxAttempts consecutive failed sessions.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.opts.ReconnectInitial
	failures := 0

	for {
		subscribed, err := l.session(ctx)
		l.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.mu.Lock()
			l.lastErr = err
			l.mu.Unlock()
			slog.Warn("live update session ended", "config_id", l.opts.ConfigID, "err", err)
		}

		if subscribed {
			failures = 0
			backoff = l.opts.ReconnectInitial
		}
		failures++
		if l.opts.MaxAttempts > 0 && failures > l.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", l.opts.MaxAttempts, err)
		}

		slog.Info("reconnecting to message bus", "config_id", l.opts.ConfigID, "in", backoff, "attempt", failures)
		l.opts.Metrics.BusReconnect()
		if err := l.sleep(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > l.opts.ReconnectMax {
			backoff = l.opts.ReconnectMax
		}
	}
}

// session runs one bus session. subscribed reports whether the incremental
// subscription was established.
func (l *Listener) session(ctx context.Context) (subscribed bool, err error) {
	l.setState(Connecting)

	bus, err := l.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if cerr := bus.Close(); cerr != nil {
			slog.Debug("bus close", "err", cerr)
		}
	}()

	l.mu.Lock()
	l.sessions++
	l.mu.Unlock()

	if err := l.seed(ctx, bus); err != nil {
		return false, err
	}

	values, err := bus.Subscribe(protocol.TopicValuesDestination(l.opts.ConfigID))
	if err != nil {
		return false, err
	}
	defer func() { _ = values.Unsubscribe() }()

	var texts <-chan Message
	if l.opts.Texts {
		sub, err := bus.Subscribe(protocol.TopicTextsDestination(l.opts.ConfigID))
		if err != nil {
			return false, err
		}
		defer func() { _ = sub.Unsubscribe() }()
		texts = sub.Messages()
	}

	l.setState(Subscribed)
	slog.Info("subscribed to live updates", "config_id", l.opts.ConfigID, "texts", l.opts.Texts)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-values.Messages():
			if !ok {
				return true, ErrSubscriptionClosed
			}
			if msg.Err != nil {
				return true, fmt.Errorf("value subscription: %w", msg.Err)
			}
			l.handleValues(msg.Body, metrics.MessageValue)
		case msg, ok := <-texts:
			if !ok {
				return true, ErrSubscriptionClosed
			}
			if msg.Err != nil {
				return true, fmt.Errorf("text subscription: %w", msg.Err)
			}
			l.handleTexts(msg.Body)
		}
	}
}

// seed applies the one-shot snapshot. A snapshot that never arrives is
// logged and skipped.
func (l *Listener) seed(ctx context.Context, bus Bus) error {
	sub, err := bus.Subscribe(protocol.SnapshotValuesDestination(l.opts.ConfigID))
	if err != nil {
		return err
	}

	timer := time.NewTimer(l.opts.SnapshotTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return ctx.Err()
	case <-timer.C:
		slog.Warn("no value snapshot received", "config_id", l.opts.ConfigID, "timeout", l.opts.SnapshotTimeout)
	case msg, ok := <-sub.Messages():
		if !ok {
			return fmt.Errorf("snapshot: %w", ErrSubscriptionClosed)
		}
		if msg.Err != nil {
			return fmt.Errorf("snapshot: %w", msg.Err)
		}
		l.handleValues(msg.Body, metrics.MessageSnapshot)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("snapshot unsubscribe: %w", err)
	}
	return nil
}

func (l *Listener) decode(body []byte, kind string, payload interface{}) bool {
	env, err := protocol.ParseEnvelope(body)
	if err != nil {
		l.opts.Metrics.BusMessage(metrics.MessageRejected)
		if errors.Is(err, protocol.ErrEmptyBody) {
			slog.Warn("empty bus message", "kind", kind)
		} else {
			slog.Warn("invalid bus message", "kind", kind, "err", err)
		}
		return false
	}
	if !env.Success {
		l.opts.Metrics.BusMessage(metrics.MessageRejected)
		slog.Warn("bus message reported failure", "kind", kind, "message", env.Message)
		return false
	}
	if err := protocol.ParsePayload(env, payload); err != nil {
		l.opts.Metrics.BusMessage(metrics.MessageRejected)
		slog.Warn("invalid bus payload", "kind", kind, "err", err)
		return false
	}

	l.opts.Metrics.BusMessage(kind)
	l.mu.Lock()
	l.lastMessage = time.Now()
	l.mu.Unlock()
	return true
}

func (l *Listener) handleValues(body []byte, kind string) {
	var events []protocol.ValueEvent
	if !l.decode(body, kind, &events) {
		return
	}
	created := l.board.ApplyValues(events)
	slog.Debug("applied value events", "kind", kind, "count", len(events), "new", created)

	for _, sink := range l.opts.Sinks {
		for _, ev := range events {
			if err := sink.PublishValue(ev); err != nil {
				slog.Warn("forward value failed", "uuid", ev.UUID, "err", err)
			}
		}
	}
}

func (l *Listener) handleTexts(body []byte) {
	var events []protocol.TextEvent
	if !l.decode(body, metrics.MessageText, &events) {
		return
	}
	for _, ev := range events {
		l.board.ApplyText(ev)
	}
}
