// Package live keeps the value board current from the message bus.
package live

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by operations on a closed bus
	ErrNotConnected = errors.New("bus not connected")
	// ErrSubscriptionClosed reports that the bus ended a subscription
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Message is one bus message. Err is set for protocol errors reported on the
// subscription.
type Message struct {
	Destination string
	Body        []byte
	Err         error
}

// Subscription delivers the messages of one destination
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe() error
}

// Bus is a connected message bus session
type Bus interface {
	Subscribe(destination string) (Subscription, error)
	Close() error
}

// Dialer opens a new bus session
type Dialer func(ctx context.Context) (Bus, error)
