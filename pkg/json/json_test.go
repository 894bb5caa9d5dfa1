package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewStreamingEncoder(&buf)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(map[string]interface{}{"b": 2, "a": 1}))
	require.NoError(t, enc.Encode(map[string]interface{}{"a": "x<y"}))
	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())

	var out []map[string]interface{}
	require.NoError(t, Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "x<y", out[1]["a"])
	assert.Contains(t, buf.String(), `{"a":1,"b":2}`)
}

func TestEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewStreamingEncoder(&buf)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	assert.Equal(t, "[]\n", buf.String())
}

func TestStringHelpers(t *testing.T) {
	s, err := MarshalString(map[string]int{"z": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"z":1}`, s)

	var m map[string]int
	require.NoError(t, UnmarshalString("", &m))
	assert.Nil(t, m)
	require.NoError(t, UnmarshalString(s, &m))
	assert.Equal(t, 2, m["a"])
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("x")
	PutBuffer(buf)
	assert.Equal(t, 0, GetBuffer().Len())
}
