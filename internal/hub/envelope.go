package hub

import (
	"encoding/json"
	"time"
)

// Envelope is the outbound wire frame. Type names the event; Data carries
// the kind-specific body.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (e Envelope) encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// feedEvent is the body of a feed:<name> broadcast.
type feedEvent struct {
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
	FeedName  string `json:"feedName"`
}

// inbound is a client request frame.
type inbound struct {
	Type string      `json:"type"`
	Data inboundData `json:"data"`
}

type inboundData struct {
	Feed string `json:"feed"`
}

// sessionRecord is persisted under client_session:<id> while the connection
// lives.
type sessionRecord struct {
	ConnectionID string    `json:"connectionId"`
	RemoteAddr   string    `json:"remoteAddr"`
	Feeds        []string  `json:"subscribedFeeds"`
	ConnectedAt  time.Time `json:"connectedAt"`
}
