package client

import (
	"context"
	"io"

	"loxone-admin/protocol"
)

// Requester performs backend requests
type Requester interface {
	Do(ctx context.Context, req Request) (*protocol.Envelope, error)
}

// Pinger keeps the backend session alive
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResourceReader is the read side of the resource cache
type ResourceReader interface {
	Controls(ctx context.Context) ([]protocol.Control, error)
	Categories(ctx context.Context) ([]protocol.Category, error)
	Rooms(ctx context.Context) ([]protocol.Room, error)
	Sources(ctx context.Context) ([]protocol.SourceMapping, error)
	DatumSet(ctx context.Context) (protocol.DatumSet, error)
	PropertySet(ctx context.Context) (protocol.PropertySet, error)
}

// ResourceWriter is the mutation side of the resource cache
type ResourceWriter interface {
	SetEnable(ctx context.Context, uuid string, enabled bool) error
	SetFrequency(ctx context.Context, uuid string, seconds int) error
	SetDatumType(ctx context.Context, uuid string, t protocol.DatumValueType) error
	SetSource(ctx context.Context, uuid, sourceID string) error
	RemoveSource(ctx context.Context, uuid string) error
	ImportSources(ctx context.Context, filename string, r io.Reader) error
}
