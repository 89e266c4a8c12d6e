package schema

import (
	json "github.com/goccy/go-json"

	"github.com/marketdesk/desk/errs"
)

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses an inbound frame into the typed message union. Frames with
// an unrecognized type decode into Unknown; frames that are not JSON objects
// with a type tag fail with a protocol error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("schema", errs.CodeProtocol,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	if env.Type == "" {
		return nil, errs.New("schema", errs.CodeProtocol,
			errs.WithMessage("frame missing type tag"))
	}

	switch env.Type {
	case TypeWelcome:
		return decodeAs[Welcome](data)
	case TypeOrdersSnapshot:
		return decodeAs[OrdersSnapshot](data)
	case TypeOrderStoreBatch:
		return decodeAs[OrderStoreBatch](data)
	case TypeUserHeartbeat:
		return decodeAs[UserHeartbeat](data)
	case TypeSystem:
		return decodeAs[SystemNotice](data)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return decodeAs[Pong](data)
	case TypeError:
		return decodeAs[StreamError](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Kind: env.Type, Raw: raw}, nil
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.New("schema", errs.CodeProtocol,
			errs.WithMessage("malformed frame payload"), errs.WithCause(err))
	}
	return msg, nil
}
