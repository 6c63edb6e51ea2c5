package eventstream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
	encModeErr  error

	decModeOnce sync.Once
	decMode     cbor.DecMode
	decModeErr  error
)

func getEncMode() (cbor.EncMode, error) {
	encModeOnce.Do(func() {
		opts := cbor.EncOptions{
			// Make sure that maps have ordered keys
			Sort: cbor.SortCoreDeterministic,
		}
		encMode, encModeErr = opts.EncMode()
	})
	return encMode, encModeErr
}

func getDecMode() (cbor.DecMode, error) {
	decModeOnce.Do(func() {
		opts := cbor.DecOptions{
			ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
			MaxNestedLevels:   16,
		}
		decMode, decModeErr = opts.DecMode()
	})
	return decMode, decModeErr
}

// Encode serializes v to deterministic CBOR.
func Encode(v interface{}) ([]byte, error) {
	em, err := getEncMode()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := em.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a single CBOR item from data into dest. Trailing bytes are
// an error.
func Decode(data []byte, dest interface{}) error {
	dm, err := getDecMode()
	if err != nil {
		return err
	}
	dec := dm.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if n := dec.NumBytesRead(); n != len(data) {
		return fmt.Errorf("%d trailing bytes after CBOR item", len(data)-n)
	}
	return nil
}

// NewEnvelope encodes content and wraps it with the given type and
// correlation id.
func NewEnvelope(t MessageType, correlationID string, content interface{}) (Envelope, error) {
	bz, err := Encode(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %v: %w", t, err)
	}
	return Envelope{MessageType: t, CorrelationID: correlationID, Content: bz}, nil
}

// MarshalEnvelope encodes an envelope for a websocket frame.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	return Encode(env)
}

// UnmarshalEnvelope decodes a websocket frame.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := Decode(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
