package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
)

// StompOptions configures a STOMP-over-WebSocket bus
type StompOptions struct {
	URL        string
	CSRFHeader string
	CSRFToken  string
	HeartBeat  time.Duration // 0 disables heart-beating
	Dialer     *websocket.Dialer
}

// StompBus is a Bus backed by a STOMP session over a WebSocket
type StompBus struct {
	conn *stomp.Conn
	ws   *wsConn

	closeOnce sync.Once
	closeErr  error
}

// NewStompDialer returns a Dialer connecting with opts
func NewStompDialer(opts StompOptions) Dialer {
	return func(ctx context.Context) (Bus, error) {
		return DialStomp(ctx, opts)
	}
}

// DialStomp opens the WebSocket and performs the STOMP CONNECT handshake
func DialStomp(ctx context.Context, opts StompOptions) (*StompBus, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus url %q: %w", opts.URL, err)
	}

	header := http.Header{}
	if opts.CSRFHeader != "" && opts.CSRFToken != "" {
		header.Set(opts.CSRFHeader, opts.CSRFToken)
	}
	ws, err := dialWebSocket(ctx, opts.Dialer, opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", opts.URL, err)
	}

	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(opts.HeartBeat, opts.HeartBeat),
		stomp.ConnOpt.Logger(stompLogger{}),
	}
	if opts.CSRFHeader != "" && opts.CSRFToken != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Header(opts.CSRFHeader, opts.CSRFToken))
	}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := stomp.Connect(ws, connOpts...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("stomp connect: %w", r.err)
		}
		return &StompBus{conn: r.conn, ws: ws}, nil
	case <-ctx.Done():
		// closing the socket unblocks Connect
		_ = ws.Close()
		return nil, ctx.Err()
	}
}

// Subscribe subscribes to destination with automatic acknowledgement
func (b *StompBus) Subscribe(destination string) (Subscription, error) {
	sub, err := b.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	s := &stompSubscription{
		sub:         sub,
		destination: destination,
		out:         make(chan Message),
	}
	go s.forward()
	return s, nil
}

// disconnectTimeout bounds the wait for the DISCONNECT receipt
const disconnectTimeout = 2 * time.Second

// Close disconnects the STOMP session and the socket
func (b *StompBus) Close() error {
	b.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- b.conn.Disconnect()
		}()
		select {
		case err := <-done:
			if err != nil {
				slog.Debug("stomp disconnect", "err", err)
			}
		case <-time.After(disconnectTimeout):
			slog.Debug("stomp disconnect timed out")
		}
		b.closeErr = b.ws.Close()
	})
	return b.closeErr
}

type stompSubscription struct {
	sub         *stomp.Subscription
	destination string
	out         chan Message
}

func (s *stompSubscription) forward() {
	defer close(s.out)
	for msg := range s.sub.C {
		if msg == nil {
			return
		}
		out := Message{
			Destination: msg.Destination,
			Body:        msg.Body,
			Err:         msg.Err,
		}
		s.out <- out
		if msg.Err != nil {
			return
		}
	}
}

func (s *stompSubscription) Messages() <-chan Message {
	return s.out
}

func (s *stompSubscription) Unsubscribe() error {
	// messages still in flight are discarded so the connection never blocks
	go func() {
		for range s.out {
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- s.sub.Unsubscribe()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(disconnectTimeout):
		return fmt.Errorf("unsubscribe %s: no receipt", s.destination)
	}
}

// stompLogger routes STOMP client logs to slog
type stompLogger struct{}

func (stompLogger) Debugf(format string, value ...interface{}) {
	slog.Debug(fmt.Sprintf(format, value...), "component", "stomp")
}

func (stompLogger) Infof(format string, value ...interface{}) {
	slog.Info(fmt.Sprintf(format, value...), "component", "stomp")
}

func (stompLogger) Warningf(format string, value ...interface{}) {
	slog.Warn(fmt.Sprintf(format, value...), "component", "stomp")
}

func (stompLogger) Errorf(format string, value ...interface{}) {
	slog.Error(fmt.Sprintf(format, value...), "component", "stomp")
}

func (stompLogger) Debug(message string) { slog.Debug(message, "component", "stomp") }

func (stompLogger) Info(message string) { slog.Info(message, "component", "stomp") }

func (stompLogger) Warning(message string) { slog.Warn(message, "component", "stomp") }

func (stompLogger) Error(message string) { slog.Error(message, "component", "stomp") }
