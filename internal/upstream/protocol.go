package upstream

import (
	"encoding/json"
	"fmt"
)

// ConnState is the upstream session lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateNegotiating  ConnState = "negotiating"
	StateOpening      ConnState = "opening"
	StateStarting     ConnState = "starting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	ErrNegotiation ErrorKind = "negotiation"
	ErrTransport   ErrorKind = "transport"
	ErrStart       ErrorKind = "start"
	ErrMaxRetries  ErrorKind = "max_retries"
)

// Error wraps an upstream failure with its phase and, for HTTP phases, the
// response status.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s failed (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StateChange is one transition observed on the States channel.
type StateChange struct {
	State ConnState
	Err   error
}

// negotiateResponse is the JSON body of the negotiate handshake step.
type negotiateResponse struct {
	ConnectionToken  string  `json:"ConnectionToken"`
	ConnectionID     string  `json:"ConnectionId"`
	KeepAliveTimeout float64 `json:"KeepAliveTimeout"`
}

// startResponse is the JSON body of the start handshake step.
type startResponse struct {
	Response string `json:"Response"`
}

// hubMessage is the envelope of an inbound hub frame. M carries invocations,
// C a connection id update, S the session-initialized marker.
type hubMessage struct {
	C string          `json:"C"`
	S int             `json:"S"`
	M []hubInvocation `json:"M"`
}

type hubInvocation struct {
	H string            `json:"H"`
	M string            `json:"M"`
	A []json.RawMessage `json:"A"`
}

// hubCall is an outbound hub method invocation. I is a monotonically
// increasing invocation id, serialized as a string.
type hubCall struct {
	H string `json:"H"`
	M string `json:"M"`
	A []any  `json:"A"`
	I string `json:"I"`
}
