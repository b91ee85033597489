package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecordKeepsNumbers(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, DecodeRecord([]byte(`{"i":12,"f":1.5,"big":12345678901234567890}`), &v))

	i, ok := v["i"].(Number)
	require.True(t, ok, "got %T", v["i"])
	n, err := i.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	f := v["f"].(Number)
	_, err = f.Int64()
	assert.Error(t, err)

	big := v["big"].(Number)
	assert.Equal(t, "12345678901234567890", big.String())
}

func TestDecodeRecordInvalid(t *testing.T) {
	var v map[string]interface{}
	assert.Error(t, DecodeRecord([]byte(`{"a":`), &v))
}

func TestMarshalNoEscapeNoNewline(t *testing.T) {
	out, err := Marshal([]interface{}{"<a>", Number("3"), true, nil})
	require.NoError(t, err)
	assert.Equal(t, `["<a>",3,true,null]`, string(out))

	again, err := Marshal(map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(again))
	assert.Equal(t, `["<a>",3,true,null]`, string(out), "result does not alias pooled buffer")
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("data")
	PutBuffer(buf)
	assert.Zero(t, GetBuffer().Len())
}
