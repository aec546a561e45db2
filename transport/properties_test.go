package transport

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesKeepTheirTypes(t *testing.T) {
	props := map[string]any{
		"flag":   true,
		"b":      int8(-3),
		"s":      int16(1200),
		"i":      int32(-70000),
		"l":      int64(math.MaxInt64),
		"f":      float32(0.1),
		"d":      math.Inf(-1),
		"text":   "héllo",
		"JMSPri": int32(4),
	}

	data, err := MarshalProperties(props)
	require.NoError(t, err)

	got, err := UnmarshalProperties(data)
	require.NoError(t, err)
	assert.Equal(t, props, got)
}

func TestEncodeRejectsUnsupportedTypes(t *testing.T) {
	_, err := EncodeProperties(map[string]any{"n": 3})
	assert.ErrorContains(t, err, `property "n"`)

	_, err = DecodeValue(PropertyValue{Type: "decimal", Value: "1"})
	assert.Error(t, err)

	_, err = DecodeValue(PropertyValue{Type: typeByte, Value: "300"})
	assert.Error(t, err)
}

func TestMessageClone(t *testing.T) {
	m := &Message{ID: "1", Properties: map[string]any{"a": "x"}, Body: []byte("body")}
	c := m.Clone()
	c.Properties["a"] = "y"
	c.Body[0] = 'B'

	assert.Equal(t, "x", m.Properties["a"])
	assert.Equal(t, "body", string(m.Body))
}
