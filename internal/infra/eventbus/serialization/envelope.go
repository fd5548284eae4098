package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/gatekeeper/internal/domain/events"
	serializationerrors "github.com/ahrav/gatekeeper/internal/infra/eventbus/serialization/errors"
)

// SerializeEventEnvelope encodes an envelope and its payload into protobuf
// bytes. The payload is encoded with the codec registered for env.Type.
func SerializeEventEnvelope(env events.EventEnvelope) ([]byte, error) {
	payload, err := EncodePayload(env.Type, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
	}

	headers := make(map[string]any, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}
	msg, err := structpb.NewStruct(map[string]any{
		"type":      string(env.Type),
		"key":       env.Key,
		"timestamp": formatTime(env.Timestamp),
		"headers":   headers,
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	msg.Fields["payload"] = structpb.NewStructValue(payload)

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DeserializeEventEnvelope decodes bytes produced by SerializeEventEnvelope.
// The returned envelope carries the reconstructed domain event as its payload.
func DeserializeEventEnvelope(data []byte) (events.EventEnvelope, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	f := fields(msg.GetFields())
	typ, err := f.str("type")
	if err != nil {
		return events.EventEnvelope{}, err
	}
	ts, err := f.time("timestamp")
	if err != nil {
		return events.EventEnvelope{}, err
	}
	payloadMsg := f["payload"].GetStructValue()
	if payloadMsg == nil {
		return events.EventEnvelope{}, serializationerrors.ErrMissingField{Field: "payload"}
	}

	eventType := events.EventType(typ)
	payload, err := DecodePayload(eventType, payloadMsg)
	if err != nil {
		return events.EventEnvelope{}, fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	env := events.EventEnvelope{
		Type:      eventType,
		Key:       f.optStr("key"),
		Timestamp: ts,
		Payload:   payload,
	}
	if hdrs := f["headers"].GetStructValue().GetFields(); len(hdrs) > 0 {
		env.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			env.Headers[k] = v.GetStringValue()
		}
	}
	return env, nil
}
