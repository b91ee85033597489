// Package schemamap assigns schema ids to distinct record shapes.
package schemamap

import (
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gibber9809/clp-structured/pkg/compression"
	stringpool "github.com/gibber9809/clp-structured/pkg/strings"
)

// Schema is a set of column ids kept unique and in ascending order. Iterating
// IDs is the canonical column order shared by schema writers and message
// producers.
type Schema struct {
	ids []int32
}

// NewSchema builds a schema from ids in any order; duplicates are dropped.
func NewSchema(ids ...int32) Schema {
	var s Schema
	for _, id := range ids {
		s.Insert(id)
	}
	return s
}

// Insert adds id if absent, keeping ascending order.
func (s *Schema) Insert(id int32) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

// Contains reports whether id is part of the schema
func (s Schema) Contains(id int32) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// IDs returns the ids in ascending order. The slice must not be modified.
func (s Schema) IDs() []int32 {
	return s.ids
}

// Len returns the number of columns
func (s Schema) Len() int {
	return len(s.ids)
}

// Key is a stable string form usable as a map key.
func (s Schema) Key() string {
	return stringpool.JoinInts(s.ids)
}

// Clear empties the schema for reuse
func (s *Schema) Clear() {
	s.ids = s.ids[:0]
}

// Map assigns a schema id to each distinct schema. Safe for concurrent use.
type Map struct {
	mu      sync.RWMutex
	ids     map[string]int32
	schemas []Schema
}

// New creates an empty schema map
func New() *Map {
	return &Map{ids: make(map[string]int32)}
}

// AddSchema returns the id of s, assigning the next id on first sight.
func (m *Map) AddSchema(s Schema) int32 {
	key := s.Key()

	m.mu.RLock()
	id, ok := m.ids[key]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[key]; ok {
		return id
	}
	id = int32(len(m.schemas)) //nolint:gosec // G115: schema counts stay far below MaxInt32
	owned := Schema{ids: append([]int32(nil), s.ids...)}
	m.schemas = append(m.schemas, owned)
	m.ids[key] = id
	return id
}

// Schema returns the schema registered under id
func (m *Map) Schema(id int32) (Schema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || int(id) >= len(m.schemas) {
		return Schema{}, false
	}
	return m.schemas[id], true
}

// Size returns the number of schemas
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.schemas)
}

// Store writes the map as: schema count, then per schema its column count and
// column ids, little-endian inside a compressed stream.
func (m *Map) Store(path string, cfg *compression.Config) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return compression.WriteCompressedFile(path, cfg, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(m.schemas))); err != nil {
			return err
		}
		for _, s := range m.schemas {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(s.ids))); err != nil { //nolint:gosec // G115
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, s.ids); err != nil {
				return err
			}
		}
		return nil
	})
}

// String renders the schema for logs
func (s Schema) String() string {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(s.Key())
	b.WriteByte('}')
	return b.String()
}
