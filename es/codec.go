package es

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec encodes event payloads and snapshots. The store keeps payloads as
// opaque bytes, so the wire format is up to the codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

var _ Normalizer = JSONCodec{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Normalizer is implemented by codecs that decode the normalized form themselves,
// typically to keep numbers exact across an upcast.
type Normalizer interface {
	Normalize(data []byte, payload *map[string]any) error
}

// Normalize implements Normalizer. Numbers are kept as json.Number, so integers
// beyond 2^53 survive an upcast unchanged.
func (JSONCodec) Normalize(data []byte, payload *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(payload)
}

// Normalize decodes data into the codec-independent key/value form used by upcasters.
func Normalize(codec Codec, eventType string, data []byte) (map[string]any, error) {
	payload := map[string]any{}
	if len(data) == 0 {
		return payload, nil
	}
	var err error
	if n, ok := codec.(Normalizer); ok {
		err = n.Normalize(data, &payload)
	} else {
		err = codec.Unmarshal(data, &payload)
	}
	if err != nil {
		return nil, &SerializationError{Op: "normalize", EventType: eventType, Err: err}
	}
	return payload, nil
}

// Denormalize encodes a normalized payload back into codec bytes.
func Denormalize(codec Codec, eventType string, payload map[string]any) ([]byte, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Op: "denormalize", EventType: eventType, Err: err}
	}
	return data, nil
}

// CodecByName resolves a codec from configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: codec %q", ErrStrategyNotFound, name)
	}
}
