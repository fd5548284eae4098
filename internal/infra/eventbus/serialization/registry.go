// Package serialization translates gate domain events to and from their wire
// form. Payloads are encoded as protobuf Struct messages so the schema lives
// next to the codec instead of in generated code.
//
// A codec is registered per event type. The envelope codec looks up the
// payload codec by the envelope's type and nests the encoded payload inside
// the envelope message.
package serialization

import (
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	"github.com/ahrav/gatekeeper/internal/domain/gate"
	serializationerrors "github.com/ahrav/gatekeeper/internal/infra/eventbus/serialization/errors"
)

// EncodeFunc converts a domain event into its Struct representation.
type EncodeFunc func(payload any) (*structpb.Struct, error)

// DecodeFunc converts a Struct back into a domain event.
type DecodeFunc func(msg *structpb.Struct) (any, error)

// Global registries map event types to their codecs.
var (
	encoderRegistry = map[events.EventType]EncodeFunc{}
	decoderRegistry = map[events.EventType]DecodeFunc{}
)

// RegisterCodec registers the encoder and decoder for an event type.
func RegisterCodec(eventType events.EventType, enc EncodeFunc, dec DecodeFunc) {
	encoderRegistry[eventType] = enc
	decoderRegistry[eventType] = dec
}

// EncodePayload converts a domain event into a Struct using the codec
// registered for eventType.
func EncodePayload(eventType events.EventType, payload any) (*structpb.Struct, error) {
	fn, ok := encoderRegistry[eventType]
	if !ok {
		return nil, serializationerrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return fn(payload)
}

// DecodePayload converts a Struct back into a domain event using the codec
// registered for eventType.
func DecodePayload(eventType events.EventType, msg *structpb.Struct) (any, error) {
	fn, ok := decoderRegistry[eventType]
	if !ok {
		return nil, serializationerrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return fn(msg)
}

func init() { RegisterGateCodecs() }

// RegisterGateCodecs registers the codecs for every gate event type.
func RegisterGateCodecs() {
	RegisterCodec(gate.EventTypeGateStateChanged, encodeStateChanged, decodeStateChanged)
	RegisterCodec(gate.EventTypeGateTriggerCompleted, encodeTriggerCompleted, decodeTriggerCompleted)
	RegisterCodec(gate.EventTypeGateReachabilityChecked, encodeReachabilityChecked, decodeReachabilityChecked)
}

// payloadAs accepts both the event value and a pointer to it.
func payloadAs[T any](eventType events.EventType, payload any) (T, error) {
	switch p := payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, serializationerrors.ErrUnexpectedPayload{EventType: string(eventType), Payload: payload}
}

func encodeStateChanged(payload any) (*structpb.Struct, error) {
	evt, err := payloadAs[gate.StateChangedEvent](gate.EventTypeGateStateChanged, payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"occurred_at": formatTime(evt.OccurredAt()),
		"from":        evt.From.String(),
		"to":          evt.To.String(),
		"cause":       evt.Cause.String(),
		"cycle_id":    evt.CycleID.String(),
	})
}

func decodeStateChanged(msg *structpb.Struct) (any, error) {
	f := fields(msg.GetFields())
	at, err := f.time("occurred_at")
	if err != nil {
		return nil, err
	}
	from, err := f.str("from")
	if err != nil {
		return nil, err
	}
	to, err := f.str("to")
	if err != nil {
		return nil, err
	}
	cycleID, err := f.uuid("cycle_id")
	if err != nil {
		return nil, err
	}
	return gate.ReconstructStateChangedEvent(
		at,
		gate.ParseState(from),
		gate.ParseState(to),
		gate.EventKind(f.optStr("cause")),
		cycleID,
	), nil
}

func encodeTriggerCompleted(payload any) (*structpb.Struct, error) {
	evt, err := payloadAs[gate.TriggerCompletedEvent](gate.EventTypeGateTriggerCompleted, payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"occurred_at": formatTime(evt.OccurredAt()),
		"cycle_id":    evt.CycleID.String(),
		"success":     evt.Success,
		"winner":      evt.Winner,
		"elapsed_ns":  evt.Elapsed.Nanoseconds(),
		"attempts":    evt.Attempts,
		"error":       evt.Error,
	})
}

func decodeTriggerCompleted(msg *structpb.Struct) (any, error) {
	f := fields(msg.GetFields())
	at, err := f.time("occurred_at")
	if err != nil {
		return nil, err
	}
	cycleID, err := f.uuid("cycle_id")
	if err != nil {
		return nil, err
	}
	return gate.ReconstructTriggerCompletedEvent(
		at,
		cycleID,
		f.boolean("success"),
		f.optStr("winner"),
		time.Duration(f.number("elapsed_ns")),
		int(f.number("attempts")),
		f.optStr("error"),
	), nil
}

func encodeReachabilityChecked(payload any) (*structpb.Struct, error) {
	evt, err := payloadAs[gate.ReachabilityCheckedEvent](gate.EventTypeGateReachabilityChecked, payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"occurred_at":   formatTime(evt.OccurredAt()),
		"any_reachable": evt.AnyReachable,
		"reachable":     stringList(evt.Reachable),
		"unreachable":   stringList(evt.Unreachable),
	})
}

func decodeReachabilityChecked(msg *structpb.Struct) (any, error) {
	f := fields(msg.GetFields())
	at, err := f.time("occurred_at")
	if err != nil {
		return nil, err
	}
	return gate.ReconstructReachabilityCheckedEvent(
		at,
		f.boolean("any_reachable"),
		f.strings("reachable"),
		f.strings("unreachable"),
	), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// fields reads typed values out of a Struct. Optional accessors return the
// zero value when the field is absent.
type fields map[string]*structpb.Value

func (f fields) str(name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", serializationerrors.ErrMissingField{Field: name}
	}
	return v.GetStringValue(), nil
}

func (f fields) optStr(name string) string { return f[name].GetStringValue() }

func (f fields) boolean(name string) bool { return f[name].GetBoolValue() }

func (f fields) number(name string) float64 { return f[name].GetNumberValue() }

func (f fields) strings(name string) []string {
	vals := f[name].GetListValue().GetValues()
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (f fields) time(name string) (time.Time, error) {
	s, err := f.str(name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, serializationerrors.ErrInvalidTimestamp{Field: name, Err: err}
	}
	return t, nil
}

func (f fields) uuid(name string) (uuid.UUID, error) {
	s, err := f.str(name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, serializationerrors.ErrInvalidUUID{Field: name, Err: err}
	}
	return id, nil
}
