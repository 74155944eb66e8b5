package protocol

import (
	"encoding/json"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Event Type            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Type identifies a frame on the auction room protocol.
type Type string

// Outbound (client → server) frame types.
const (
	TypeHello    Type = "HELLO"
	TypeJoin     Type = "JOIN_AUCTION"
	TypeLeave    Type = "LEAVE_AUCTION"
	TypePlaceBid Type = "PLACE_BID"
	TypePing     Type = "PING"
)

// Inbound (server → client) frame types.
const (
	TypeConnected        Type = "CONNECTED"
	TypeHelloOK          Type = "HELLO_OK"
	TypeJoined           Type = "JOINED"
	TypeParticipantCount Type = "PARTICIPANT_COUNT"
	TypeBidPlaced        Type = "BID_PLACED"
	TypeBidRejected      Type = "BID_REJECTED"
	TypeTimeExtended     Type = "AUCTION_TIME_EXTENDED"
	TypeStatusChanged    Type = "AUCTION_STATUS_CHANGED"
	TypeKickedDuplicate  Type = "KICKED_DUPLICATE"
	TypeError            Type = "ERROR"
)

// Marshal wraps a payload in an envelope and serializes it.
func Marshal(event Type, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
