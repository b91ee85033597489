package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type buffer struct {
	data []byte
}

func TestPoolResetsOnPut(t *testing.T) {
	p := New(
		func() *buffer { return &buffer{data: make([]byte, 0, 16)} },
		func(b *buffer) { b.data = b.data[:0] },
	)

	b := p.Get()
	b.data = append(b.data, "payload"...)
	p.Put(b)

	again := p.Get()
	assert.Empty(t, again.data)
	p.Put(again)
}

func TestPoolStats(t *testing.T) {
	p := New(func() *buffer { return &buffer{} }, nil)

	a := p.Get()
	b := p.Get()
	s := p.Stats()
	assert.Equal(t, int64(2), s.Allocated)
	assert.Equal(t, int64(2), s.InUse)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, int64(0), s.Hits)

	p.Put(a)
	p.Put(b)
	assert.Equal(t, int64(0), p.Stats().InUse)
}

func TestPoolConcurrentUse(t *testing.T) {
	p := New(func() *buffer { return &buffer{} }, func(b *buffer) { b.data = nil })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := p.Get()
				b.data = append(b.data, byte(j))
				p.Put(b)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, int64(0), s.InUse)
	assert.Equal(t, int64(800), s.Hits+s.Misses)
}
