package schematree

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibber9809/clp-structured/pkg/compression"
)

func TestAddNodeIsIdempotentPerType(t *testing.T) {
	tree := New()

	a := tree.AddNode(RootID, Integer, "status")
	b := tree.AddNode(RootID, Integer, "status")
	c := tree.AddNode(RootID, Array, "status")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, tree.Size())

	n, ok := tree.Node(c)
	require.True(t, ok)
	assert.Equal(t, "status", n.KeyName)
	assert.Equal(t, Array, n.Type)
	assert.Equal(t, RootID, n.ParentID)

	_, ok = tree.Node(99)
	assert.False(t, ok)
	_, ok = tree.Node(-1)
	assert.False(t, ok)
}

func TestPath(t *testing.T) {
	tree := New()
	req := tree.AddNode(RootID, Object, "request")
	hdr := tree.AddNode(req, Object, "headers")
	ua := tree.AddNode(hdr, VarString, "user_agent")

	assert.Equal(t, "request.headers.user_agent", tree.Path(ua))
	assert.Equal(t, "request", tree.Path(req))
}

func TestConcurrentRegistration(t *testing.T) {
	tree := New()
	var wg sync.WaitGroup
	ids := make([]int32, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tree.AddNode(RootID, Float, "latency")
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, tree.Size())
}

func TestNodeTypeHelpers(t *testing.T) {
	assert.True(t, TruncatedObject.HasColumn())
	assert.True(t, ClpString.HasColumn())
	assert.False(t, Object.HasColumn())
	assert.False(t, NullValue.HasColumn())
	assert.Equal(t, "truncated_object", TruncatedObject.String())
	assert.Equal(t, "unknown", NodeType(200).String())
}

func TestStoreLoad(t *testing.T) {
	tree := New()
	obj := tree.AddNode(RootID, Object, "a")
	tree.AddNode(obj, Integer, "b")
	tree.AddNode(obj, TruncatedObject, "c")

	path := filepath.Join(t.TempDir(), "schema_tree")
	cfg := compression.DefaultConfig()
	require.NoError(t, tree.Store(path, cfg))

	loaded, err := Load(path, cfg)
	require.NoError(t, err)
	require.Equal(t, tree.Size(), loaded.Size())
	for id := int32(0); id < int32(tree.Size()); id++ {
		want, _ := tree.Node(id)
		got, _ := loaded.Node(id)
		assert.Equal(t, want, got)
	}
}
