// Package schematree assigns stable node ids to field paths. A node id encodes
// both the field's position in the record tree and its concrete type, so the
// same key seen as an integer and as an array yields two distinct ids.
package schematree

import (
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
)

// RootID is the parent id used for top-level keys.
const RootID int32 = -1

// NodeType is the concrete type variant of a node.
type NodeType uint8

const (
	Integer NodeType = iota
	Float
	Boolean
	VarString
	Array
	Object
	TruncatedObject
	NullValue
	// ClpString is free text stored as a log-type dictionary id.
	ClpString
)

var nodeTypeNames = [...]string{
	Integer:         "integer",
	Float:           "float",
	Boolean:         "boolean",
	VarString:       "varstring",
	Array:           "array",
	Object:          "object",
	TruncatedObject: "truncated_object",
	NullValue:       "null",
	ClpString:       "clpstring",
}

// String returns the lower-case type name
func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return "unknown"
}

// HasColumn reports whether values of this type are stored in a column.
// Objects only structure the tree and null values carry no payload.
func (t NodeType) HasColumn() bool {
	switch t {
	case Integer, Float, Boolean, VarString, ClpString, Array, TruncatedObject:
		return true
	default:
		return false
	}
}

// Node is one entry of the tree.
type Node struct {
	ID       int32
	ParentID int32
	KeyName  string
	Type     NodeType
}

// Reader is the read side of the tree consumed by schema writers.
type Reader interface {
	Node(id int32) (Node, bool)
}

type nodeKey struct {
	parent int32
	key    string
	typ    NodeType
}

// Tree is an in-memory schema tree. Registration is safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	nodes []Node
	index map[nodeKey]int32
}

// New creates an empty tree
func New() *Tree {
	return &Tree{index: make(map[nodeKey]int32)}
}

// AddNode returns the id for (parent, key, type), registering it on first use.
func (t *Tree) AddNode(parentID int32, nodeType NodeType, key string) int32 {
	k := nodeKey{parent: parentID, key: key, typ: nodeType}

	t.mu.RLock()
	id, ok := t.index[k]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.index[k]; ok {
		return id
	}
	id = int32(len(t.nodes)) //nolint:gosec // G115: node counts stay far below MaxInt32
	t.nodes = append(t.nodes, Node{ID: id, ParentID: parentID, KeyName: key, Type: nodeType})
	t.index[k] = id
	return id
}

// Node implements Reader
func (t *Tree) Node(id int32) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || int(id) >= len(t.nodes) {
		return Node{}, false
	}
	return t.nodes[id], true
}

// Size returns the number of registered nodes
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Path returns the dotted key path from the root to id.
func (t *Tree) Path(id int32) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var parts []string
	for id >= 0 && int(id) < len(t.nodes) {
		n := t.nodes[id]
		parts = append(parts, n.KeyName)
		id = n.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Store writes the tree as: node count, then per node parent id, type and
// length-prefixed key, all little-endian inside a compressed stream.
func (t *Tree) Store(path string, cfg *compression.Config) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return compression.WriteCompressedFile(path, cfg, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(t.nodes))); err != nil {
			return err
		}
		for _, n := range t.nodes {
			if err := binary.Write(w, binary.LittleEndian, n.ParentID); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint8(n.Type)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(n.KeyName))); err != nil { //nolint:gosec // G115: key length bounded by input line
				return err
			}
			if _, err := io.WriteString(w, n.KeyName); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads a tree written by Store.
func Load(path string, cfg *compression.Config) (*Tree, error) {
	r, _, err := compression.OpenCompressedFile(path, cfg, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated schema tree")
	}
	t := New()
	for i := uint64(0); i < count; i++ {
		var parent int32
		var typ uint8
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &parent); err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated schema tree")
		}
		if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated schema tree")
		}
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated schema tree")
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated schema tree")
		}
		t.AddNode(parent, NodeType(typ), string(key))
	}
	return t, nil
}
