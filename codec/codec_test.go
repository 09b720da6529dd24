package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
	Count  int       `json:"count"`
	Score  float64   `json:"score"`
}

func TestCodecs(t *testing.T) {
	in := sample{ID: "a", Vector: []float32{0.1, -2.5, 3}, Count: 7, Score: 0.8765432101}

	for _, c := range []Codec{JSON{}, GoJSON{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := Encode(c, in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestDecode_UnknownCodec(t *testing.T) {
	var out sample
	assert.ErrorIs(t, Decode([]byte("msgpack\n{}"), &out), ErrUnknownCodec)
	assert.ErrorIs(t, Decode([]byte("{}"), &out), ErrUnknownCodec)
}

func TestByName(t *testing.T) {
	c, ok := ByName("go-json")
	require.True(t, ok)
	assert.Equal(t, "go-json", c.Name())

	_, ok = ByName("gob")
	assert.False(t, ok)
}
