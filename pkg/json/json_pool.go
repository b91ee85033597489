// Package json wraps goccy/go-json with pooled decoders and buffers for the
// ingestion hot path.
package json

import (
	"bytes"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number is a JSON number literal kept as text.
type Number = gojson.Number

var (
	readerPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewReader(nil)
		},
	}
	bufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}
)

// DecodeRecord decodes one JSON value from data, keeping numbers as Number
// so integers and floats can be told apart.
func DecodeRecord(data []byte, v interface{}) error {
	r := readerPool.Get().(*bytes.Reader)
	r.Reset(data)
	defer func() {
		r.Reset(nil)
		readerPool.Put(r)
	}()

	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal encodes v without HTML escaping. The result does not alias any
// pooled memory.
func Marshal(v interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	// Encode appends a newline
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}
