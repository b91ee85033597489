// Package strings provides pooled byte builders used when formatting error
// messages and staging compressed payloads.
package strings

import (
	"fmt"
	"strings"
	"sync"
)

// Builder is an append-only byte buffer that implements io.Writer.
type Builder struct {
	buf []byte
}

// NewBuilder creates a new builder with the given capacity
func NewBuilder(capacity int) *Builder {
	return &Builder{
		buf: make([]byte, 0, capacity),
	}
}

// WriteString appends a string to the builder
func (b *Builder) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

// WriteByte appends a single byte
func (b *Builder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// Write implements io.Writer
func (b *Builder) Write(p []byte) (n int, err error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns a copy of the built contents
func (b *Builder) String() string {
	return string(b.buf)
}

// Bytes returns the underlying byte slice. The slice is only valid until the
// next write or Reset.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Len returns the number of buffered bytes
func (b *Builder) Len() int {
	return len(b.buf)
}

// Reset empties the builder while keeping its capacity
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

// BuilderSize selects one of the builder pools.
type BuilderSize int

const (
	Small  BuilderSize = iota // < 1KB
	Medium                    // 1KB - 16KB
	Large                     // 16KB+
)

var builderPools = [...]*sync.Pool{
	Small:  {New: func() interface{} { return NewBuilder(1024) }},
	Medium: {New: func() interface{} { return NewBuilder(16 * 1024) }},
	Large:  {New: func() interface{} { return NewBuilder(64 * 1024) }},
}

func poolFor(size BuilderSize) *sync.Pool {
	if size < Small || size > Large {
		return builderPools[Small]
	}
	return builderPools[size]
}

// GetBuilder retrieves a pooled builder of the specified size
func GetBuilder(size BuilderSize) *Builder {
	builder := poolFor(size).Get().(*Builder)
	builder.Reset()
	return builder
}

// PutBuilder returns a builder to the pool it was taken from
func PutBuilder(builder *Builder, size BuilderSize) {
	if builder == nil {
		return
	}
	builder.Reset()
	poolFor(size).Put(builder)
}

// SizeFor picks the pool class for an expected payload length.
func SizeFor(n int) BuilderSize {
	switch {
	case n > 16*1024:
		return Large
	case n > 1024:
		return Medium
	default:
		return Small
	}
}

// Sprintf formats into a pooled builder and returns an owned string.
func Sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}

	size := SizeFor(len(format) + len(args)*16)
	builder := GetBuilder(size)
	defer PutBuilder(builder, size)

	fmt.Fprintf(builder, format, args...)
	return builder.String()
}

// JoinInts renders ids as a comma separated list, used in log and error details.
func JoinInts(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
