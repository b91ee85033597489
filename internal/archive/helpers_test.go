package archive

import (
	"bufio"
	"encoding/binary"
	"io"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// fakeTree serves fixed nodes so tests can pick arbitrary column ids.
type fakeTree map[int32]schematree.Node

func (f fakeTree) Node(id int32) (schematree.Node, bool) {
	n, ok := f[id]
	return n, ok
}

func newFakeTree(nodes ...schematree.Node) fakeTree {
	f := make(fakeTree, len(nodes))
	for _, n := range nodes {
		f[n.ID] = n
	}
	return f
}

func node(id int32, key string, typ schematree.NodeType) schematree.Node {
	return schematree.Node{ID: id, ParentID: schematree.RootID, KeyName: key, Type: typ}
}

// decodedField is a truncated object field with its value left as JSON.
type decodedField struct {
	Key   string            `json:"k"`
	Type  string            `json:"t"`
	Value gojson.RawMessage `json:"v"`
}

// decodeSegment reads a stored segment back into per-column row values.
func decodeSegment(t *testing.T, path string, cfg compression.Config, kinds []schematree.NodeType) (uint64, [][]any) {
	t.Helper()

	r, header, err := compression.OpenCompressedFile(path, &cfg, 8)
	require.NoError(t, err)
	defer r.Close()

	rows := binary.LittleEndian.Uint64(header)
	br := bufio.NewReader(r)
	cols := make([][]any, len(kinds))
	for i, kind := range kinds {
		cols[i] = decodeColumn(t, br, kind, int(rows))
	}
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Empty(t, rest, "trailing bytes after last column")
	return rows, cols
}

func decodeColumn(t *testing.T, r *bufio.Reader, kind schematree.NodeType, rows int) []any {
	t.Helper()
	out := make([]any, rows)
	switch kind {
	case schematree.Integer:
		vals := make([]int64, rows)
		require.NoError(t, binary.Read(r, binary.LittleEndian, vals))
		for i, v := range vals {
			out[i] = v
		}
	case schematree.Float:
		vals := make([]float64, rows)
		require.NoError(t, binary.Read(r, binary.LittleEndian, vals))
		for i, v := range vals {
			out[i] = v
		}
	case schematree.Boolean:
		vals := make([]bool, rows)
		require.NoError(t, binary.Read(r, binary.LittleEndian, vals))
		for i, v := range vals {
			out[i] = v
		}
	case schematree.VarString, schematree.ClpString, schematree.Array:
		vals := make([]uint64, rows)
		require.NoError(t, binary.Read(r, binary.LittleEndian, vals))
		for i, v := range vals {
			out[i] = v
		}
	case schematree.TruncatedObject:
		for i := 0; i < rows; i++ {
			n, err := binary.ReadUvarint(r)
			require.NoError(t, err)
			if n == 0 {
				out[i] = []decodedField(nil)
				continue
			}
			buf := make([]byte, n)
			_, err = io.ReadFull(r, buf)
			require.NoError(t, err)
			var fields []decodedField
			require.NoError(t, gojson.Unmarshal(buf, &fields))
			out[i] = fields
		}
	default:
		t.Fatalf("no column encoding for %s", kind)
	}
	return out
}

// decodeRow decodes a truncated column value as returned by Value.
func decodeRow(t *testing.T, v any) []decodedField {
	t.Helper()
	raw, ok := v.(gojson.RawMessage)
	require.True(t, ok, "unexpected row type %T", v)
	if raw == nil {
		return nil
	}
	var fields []decodedField
	require.NoError(t, gojson.Unmarshal(raw, &fields))
	return fields
}

func fillInts(t *testing.T, c ColumnWriter, vals ...int64) {
	t.Helper()
	for _, v := range vals {
		_, err := c.AddValue(v)
		require.NoError(t, err)
	}
}
