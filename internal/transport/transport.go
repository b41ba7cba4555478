// Package transport defines the handle protocol adapters use to talk to one
// physical device. Connection establishment lives elsewhere (see internal/ble).
package transport

import (
	"context"
	"fmt"
)

// Endpoint names a logical channel on a device, resolved to a concrete
// characteristic by the transport.
type Endpoint string

const (
	EndpointTx      Endpoint = "tx"
	EndpointRx      Endpoint = "rx"
	EndpointCommand Endpoint = "command"
)

// WriteCmd is a single write without response to an endpoint.
type WriteCmd struct {
	Endpoint Endpoint
	Data     []byte
}

func NewWriteCmd(ep Endpoint, data []byte) WriteCmd {
	return WriteCmd{Endpoint: ep, Data: data}
}

func (w WriteCmd) String() string {
	return fmt.Sprintf("write(%s, %x)", w.Endpoint, w.Data)
}

// EventKind discriminates device events.
type EventKind int

const (
	EventNotification EventKind = iota
	EventRemoved
)

// Event is produced on a device's event stream. Notifications carry the
// endpoint and payload; Removed carries nothing.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Data     []byte
}

// Device is the handle for one connected endpoint.
//
// Events returns the same channel for the life of the connection. It has a
// single reader at a time and is closed once the device is gone; a closed
// stream is never restarted.
type Device interface {
	Name() string
	Address() string
	Write(ctx context.Context, cmd WriteCmd) error
	Subscribe(ctx context.Context, ep Endpoint) error
	Unsubscribe(ctx context.Context, ep Endpoint) error
	Events() <-chan Event
	Disconnect() error
}
