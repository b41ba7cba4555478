package protocol

import (
	"context"
	"log"

	"haptic-controller/internal/transport"
)

// HandshakeState tracks an identification exchange.
type HandshakeState int

const (
	AwaitingSubscribeAck HandshakeState = iota
	AwaitingIdentResponse
	Resolved
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitingSubscribeAck:
		return "awaiting-subscribe-ack"
	case AwaitingIdentResponse:
		return "awaiting-ident-response"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Handshake is a connect-time identification exchange: subscribe to a
// notification endpoint, write a request, take the first event as the answer,
// unsubscribe and parse the variant token out of the payload.
type Handshake struct {
	Family    string
	Subscribe transport.Endpoint
	Request   transport.WriteCmd
	Parse     func(payload []byte) (string, error)

	// Observe, when set, is called on every state transition.
	Observe func(HandshakeState)
}

// Run performs the exchange. Cancelling ctx, a Removed event or an exhausted
// event stream fail it with a HandshakeError.
func (h Handshake) Run(ctx context.Context, dev transport.Device) (string, error) {
	h.enter(AwaitingSubscribeAck)
	if err := dev.Subscribe(ctx, h.Subscribe); err != nil {
		return h.fail("subscribe", &TransportError{Op: "subscribe", Endpoint: h.Subscribe, Err: err})
	}

	h.enter(AwaitingIdentResponse)
	events := dev.Events()
	if err := dev.Write(ctx, h.Request); err != nil {
		return h.fail("identification request", &TransportError{Op: "write", Endpoint: h.Request.Endpoint, Err: err})
	}

	var payload []byte
	select {
	case ev, ok := <-events:
		if !ok {
			return h.fail("event stream ended without identification", nil)
		}
		if ev.Kind == transport.EventRemoved {
			return h.fail("device removed during identification", nil)
		}
		payload = ev.Data
	case <-ctx.Done():
		return h.fail("no identification response", ctx.Err())
	}

	if err := dev.Unsubscribe(ctx, h.Subscribe); err != nil {
		return h.fail("unsubscribe", &TransportError{Op: "unsubscribe", Endpoint: h.Subscribe, Err: err})
	}

	id, err := h.Parse(payload)
	if err != nil {
		return h.fail("unparseable identification response", err)
	}
	h.enter(Resolved)
	log.Printf("[Protocol] %s identified as %q", h.Family, id)
	return id, nil
}

func (h Handshake) enter(s HandshakeState) {
	if h.Observe != nil {
		h.Observe(s)
	}
}

func (h Handshake) fail(reason string, err error) (string, error) {
	h.enter(Failed)
	return "", &HandshakeError{Family: h.Family, Reason: reason, Err: err}
}
