package protocol

import (
	"encoding/json"
	"errors"
)

// ErrUnknownEvent is returned by Decode for event names outside the taxonomy.
// Routers drop these frames rather than failing the connection.
var ErrUnknownEvent = errors.New("unknown event type")

// Message is the tagged union over all inbound frames.
type Message interface {
	Type() Type
}

// Connected is the server's transport-open acknowledgment.
type Connected struct{}

// HelloOK completes the application handshake.
type HelloOK struct{}

// KickedDuplicate reports that the server dropped this session because the
// same identity opened another one.
type KickedDuplicate struct{}

func (Connected) Type() Type { return TypeConnected }

func (HelloOK) Type() Type { return TypeHelloOK }

func (JoinedPayload) Type() Type { return TypeJoined }

func (ParticipantCountPayload) Type() Type { return TypeParticipantCount }

func (BidEvent) Type() Type { return TypeBidPlaced }

func (BidRejectedPayload) Type() Type { return TypeBidRejected }

func (TimeExtensionEvent) Type() Type { return TypeTimeExtended }

func (StatusChangedPayload) Type() Type { return TypeStatusChanged }

func (KickedDuplicate) Type() Type { return TypeKickedDuplicate }

func (ErrorPayload) Type() Type { return TypeError }

// Decode parses a raw inbound frame into its typed message. Malformed JSON
// and unknown event names return an error; callers are expected to drop the
// frame, never to tear down the connection.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Event {
	case TypeConnected:
		return Connected{}, nil
	case TypeHelloOK:
		return HelloOK{}, nil
	case TypeKickedDuplicate:
		return KickedDuplicate{}, nil
	case TypeJoined:
		return decodeAs[JoinedPayload](env.Data)
	case TypeParticipantCount:
		return decodeAs[ParticipantCountPayload](env.Data)
	case TypeBidPlaced:
		return decodeAs[BidEvent](env.Data)
	case TypeBidRejected:
		return decodeAs[BidRejectedPayload](env.Data)
	case TypeTimeExtended:
		return decodeAs[TimeExtensionEvent](env.Data)
	case TypeStatusChanged:
		return decodeAs[StatusChangedPayload](env.Data)
	case TypeError:
		return decodeAs[ErrorPayload](env.Data)
	}
	return nil, ErrUnknownEvent
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var payload T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// ServerTime extracts the serverTimeMs clock sample from messages that carry
// one. The second return is false when the message has no sample.
func ServerTime(msg Message) (int64, bool) {
	switch m := msg.(type) {
	case JoinedPayload:
		if m.ServerTimeMs != nil {
			return *m.ServerTimeMs, true
		}
	case BidEvent:
		if m.ServerTimeMs != nil {
			return *m.ServerTimeMs, true
		}
	case TimeExtensionEvent:
		if m.ServerTimeMs != nil {
			return *m.ServerTimeMs, true
		}
	}
	return 0, false
}
