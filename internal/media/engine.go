// Package media brokers per-room routers and per-connection transport,
// producer and consumer handles atop an external media engine.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRouterNotFound    = errors.New("room or router not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("cannot consume")
)

// EngineError wraps a failure reported by the underlying media engine. It is
// surfaced to the calling connection and never brings down other rooms.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// RTPCapabilities and RTPParameters are opaque negotiation payloads passed
// through between clients and the engine.
type (
	RTPCapabilities = json.RawMessage
	RTPParameters   = json.RawMessage
)

// TransportInfo carries the negotiation parameters a client needs to connect
// an interactive transport.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// PlainTransportInfo is the fixed endpoint of a plain transport, used for
// server-side capture.
type PlainTransportInfo struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RTCPPort int    `json:"rtcpPort,omitempty"`
}

// Engine creates per-room routers. Implementations wrap the external media
// engine; the broker only models the handles and state that sit atop it.
type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateWebRtcTransport(ctx context.Context) (Transport, error)
	CreatePlainTransport(ctx context.Context) (Transport, error)
	// CanConsume reports whether caps can decode the producer's media.
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close()
}

// Transport is a network path scoped to one peer's connection context.
type Transport interface {
	ID() string
	Info() TransportInfo
	PlainInfo() (PlainTransportInfo, bool)
	// Connect applies the client's negotiation parameters and returns the
	// engine's side of the exchange (empty when the engine has nothing to
	// say back).
	Connect(ctx context.Context, params RTPParameters) (RTPParameters, error)
	Produce(ctx context.Context, kind string, rtpParameters RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	Close()
}

// Producer is an outbound media stream handle.
type Producer interface {
	ID() string
	Kind() string
	// OnClose registers a hook fired once when the producer closes, either
	// explicitly or because its transport went away.
	OnClose(func())
	Close()
}

// Consumer is an inbound media stream handle.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RTPParameters() RTPParameters
	Resume() error
	Close()
}
