package v1

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("bridge/v1: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Frames come from another process; cap nesting and sizes.
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("bridge/v1: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewEnvelope encodes payload and wraps it into a validated envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env := Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: raw,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Marshal encodes an envelope into one binary frame.
func Marshal(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Unmarshal decodes one binary frame and validates the header.
func Unmarshal(frame []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodePayload decodes the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := decMode.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
