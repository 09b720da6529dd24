// Package codec encodes governor snapshots (cluster metrics, status, tier values).
//
// Encoded snapshots are self-describing: Encode prefixes the codec name so
// Decode can select the matching codec when reading them back.
package codec

import (
	"bytes"
	"errors"
	"fmt"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ErrUnknownCodec is returned when a snapshot names a codec that is not built in.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Encode marshals v with c and prefixes the codec name.
// A nil codec uses Default.
func Encode(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = Default
	}
	body, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.Name(), err)
	}
	out := make([]byte, 0, len(c.Name())+1+len(body))
	out = append(out, c.Name()...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// Decode reads a snapshot written by Encode into v.
func Decode(data []byte, v any) error {
	name, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return fmt.Errorf("%w: missing header", ErrUnknownCodec)
	}
	c, ok := ByName(string(name))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c.Unmarshal(body, v)
}
