package archive

import (
	"os"
	"path/filepath"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/metrics"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

func newSchemaWriter(t *testing.T, columns ...ColumnWriter) (*SchemaWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0")
	sw := NewSchemaWriter(zap.NewNop())
	require.NoError(t, sw.Open(path, *compression.DefaultConfig()))
	for _, c := range columns {
		sw.AppendColumn(c)
	}
	return sw, path
}

func message(values ...MessageValue) *ParsedMessage {
	m := NewParsedMessage(len(values))
	for _, v := range values {
		m.Add(v.ColumnID, v.Value)
	}
	return m
}

func columnIDs(sw *SchemaWriter) []int32 {
	ids := make([]int32, 0, len(sw.Columns()))
	for _, c := range sw.Columns() {
		ids = append(ids, c.ID())
	}
	return ids
}

func TestSchemaWriterStoreRoundTrip(t *testing.T) {
	sw, path := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2))

	// dictionary ids stand in for "a", "b", "c"
	rows := []struct {
		n int64
		s uint64
	}{{5, 0}, {7, 1}, {9, 2}}
	total := 0
	for _, r := range rows {
		size, err := sw.AppendMessage(message(MessageValue{1, r.n}, MessageValue{2, r.s}))
		require.NoError(t, err)
		assert.Equal(t, 16, size)
		total += size
	}
	assert.Equal(t, 48, total)
	assert.Equal(t, 3, sw.NumMessages())

	require.NoError(t, sw.Store())
	require.NoError(t, sw.Close())

	count, cols := decodeSegment(t, path, *compression.DefaultConfig(),
		[]schematree.NodeType{schematree.Integer, schematree.VarString})
	assert.Equal(t, uint64(3), count)
	assert.Equal(t, []any{int64(5), int64(7), int64(9)}, cols[0])
	assert.Equal(t, []any{uint64(0), uint64(1), uint64(2)}, cols[1])

	assert.Equal(t, []ColumnInfo{
		{ID: 1, Kind: "integer", Size: 24},
		{ID: 2, Kind: "varstring", Size: 24},
	}, sw.StoredColumns())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), sw.StoredBytes())
}

func TestSchemaWriterStoreEveryAlgorithm(t *testing.T) {
	for _, alg := range []compression.Algorithm{
		compression.None, compression.Gzip, compression.Snappy,
		compression.LZ4, compression.Zstd, compression.S2,
	} {
		t.Run(string(alg), func(t *testing.T) {
			cfg := compression.Config{Algorithm: alg, Level: compression.Default}
			path := filepath.Join(t.TempDir(), "seg")
			sw := NewSchemaWriter(nil)
			require.NoError(t, sw.Open(path, cfg))
			sw.AppendColumn(NewFloatColumnWriter(1))
			sw.AppendColumn(NewBooleanColumnWriter(2))
			_, err := sw.AppendMessage(message(MessageValue{1, 1.5}, MessageValue{2, true}))
			require.NoError(t, err)
			require.NoError(t, sw.Store())

			count, cols := decodeSegment(t, path, cfg, []schematree.NodeType{schematree.Float, schematree.Boolean})
			assert.Equal(t, uint64(1), count)
			assert.Equal(t, []any{1.5}, cols[0])
			assert.Equal(t, []any{true}, cols[1])
		})
	}
}

func TestSchemaWriterStoreEmpty(t *testing.T) {
	sw, path := newSchemaWriter(t)
	require.NoError(t, sw.Store())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 8)
	assert.Equal(t, make([]byte, 8), data[:8])
}

func TestSchemaWriterLifecycleErrors(t *testing.T) {
	sw := NewSchemaWriter(nil)
	err := sw.Store()
	assert.True(t, archiveerrors.IsType(err, archiveerrors.ErrorTypeContract), "store before open")

	sw, _ = newSchemaWriter(t, NewInt64ColumnWriter(1))
	assert.Error(t, sw.Open("elsewhere", *compression.DefaultConfig()), "open twice")

	require.NoError(t, sw.Store())
	assert.Error(t, sw.Store(), "store twice")
	_, err = sw.AppendMessage(message(MessageValue{1, int64(1)}))
	assert.True(t, archiveerrors.IsFatal(err), "append after store")
}

func TestSchemaWriterStoreFileError(t *testing.T) {
	sw := NewSchemaWriter(nil)
	require.NoError(t, sw.Open(filepath.Join(t.TempDir(), "missing", "0"), *compression.DefaultConfig()))
	err := sw.Store()
	require.Error(t, err)
	assert.True(t, archiveerrors.IsType(err, archiveerrors.ErrorTypeFile))
	assert.NoError(t, sw.Close())
}

func TestAppendMessageLengthMismatch(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewInt64ColumnWriter(2))

	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}))
	require.Error(t, err)
	assert.True(t, archiveerrors.IsFatal(err))
	assert.Zero(t, sw.NumMessages())
}

func TestAppendMessageRollsBackPartialRow(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewInt64ColumnWriter(2))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, int64(2)}))
	require.NoError(t, err)

	_, err = sw.AppendMessage(message(MessageValue{1, int64(3)}, MessageValue{2, "bad"}))
	require.Error(t, err)
	assert.Equal(t, 1, sw.NumMessages())
	for _, c := range sw.Columns() {
		assert.Equal(t, 1, c.Len(), "column %d", c.ID())
	}
}

func TestSchemaWriterCombine(t *testing.T) {
	a, path := newSchemaWriter(t, NewInt64ColumnWriter(1))
	b, _ := newSchemaWriter(t, NewInt64ColumnWriter(1))
	for _, v := range []int64{1, 2} {
		_, err := a.AppendMessage(message(MessageValue{1, v}))
		require.NoError(t, err)
	}
	_, err := b.AppendMessage(message(MessageValue{1, int64(3)}))
	require.NoError(t, err)

	require.NoError(t, a.Combine(b))
	assert.Equal(t, 3, a.NumMessages())
	assert.Zero(t, b.NumMessages())
	assert.Empty(t, b.Columns())

	require.NoError(t, a.Store())
	count, cols := decodeSegment(t, path, *compression.DefaultConfig(), []schematree.NodeType{schematree.Integer})
	assert.Equal(t, uint64(3), count)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, cols[0])
}

func TestSchemaWriterCombineMismatch(t *testing.T) {
	a, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewInt64ColumnWriter(2))
	_, err := a.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, int64(2)}))
	require.NoError(t, err)

	short, _ := newSchemaWriter(t, NewInt64ColumnWriter(1))
	assert.True(t, archiveerrors.IsFatal(a.Combine(short)))

	swapped, _ := newSchemaWriter(t, NewInt64ColumnWriter(2), NewInt64ColumnWriter(1))
	_, err = swapped.AppendMessage(message(MessageValue{2, int64(9)}, MessageValue{1, int64(9)}))
	require.NoError(t, err)
	require.Error(t, a.Combine(swapped))

	// nothing was merged
	assert.Equal(t, 1, a.NumMessages())
	assert.Equal(t, 1, swapped.NumMessages())
	for _, c := range a.Columns() {
		assert.Equal(t, 1, c.Len())
	}

	assert.Error(t, a.Combine(a))
}

func evolutionTree() fakeTree {
	return newFakeTree(
		node(1, "id", schematree.Integer),
		node(2, "name", schematree.VarString),
		node(5, "tags", schematree.Array),
		node(9, "id", schematree.TruncatedObject),
		node(11, "count", schematree.Integer),
	)
}

func TestUpdateSchemaTruncatesIntoOneColumn(t *testing.T) {
	sw, path := newSchemaWriter(t, NewInt64ColumnWriter(1), NewArrayColumnWriter(5))
	for i := int64(0); i < 3; i++ {
		_, err := sw.AppendMessage(message(MessageValue{1, i}, MessageValue{5, uint64(i + 10)}))
		require.NoError(t, err)
	}

	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 1, New: 9}, {Old: 5, New: 9}}))

	require.Equal(t, []int32{9}, columnIDs(sw))
	assert.Equal(t, 3, sw.NumMessages())
	col := sw.Columns()[0]
	assert.Equal(t, schematree.TruncatedObject, col.Kind())
	require.Equal(t, 3, col.Len())
	for i := 0; i < 3; i++ {
		row := decodeRow(t, col.Value(i))
		require.Len(t, row, 2)
		assert.Equal(t, "id", row[0].Key)
		assert.Equal(t, "integer", row[0].Type)
		assert.Equal(t, "tags", row[1].Key)
		assert.Equal(t, "array", row[1].Type)
	}

	// rows appended after evolution follow the new column order
	_, err := sw.AppendMessage(message(MessageValue{9, []GenericField(nil)}))
	require.NoError(t, err)

	require.NoError(t, sw.Store())
	count, cols := decodeSegment(t, path, *compression.DefaultConfig(), []schematree.NodeType{schematree.TruncatedObject})
	assert.Equal(t, uint64(4), count)
	first := cols[0][0].([]decodedField)
	assert.Equal(t, gojson.RawMessage("0"), first[0].Value)
	assert.Equal(t, gojson.RawMessage("10"), first[1].Value)
	assert.Nil(t, cols[0][3])
}

func TestUpdateSchemaKeepsUnmatchedColumnsInIDOrder(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2), NewInt64ColumnWriter(11))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, uint64(0)}, MessageValue{11, int64(4)}))
	require.NoError(t, err)

	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 1, New: 9}, {Old: 40, New: 9}}))
	assert.Equal(t, []int32{2, 9, 11}, columnIDs(sw))
	for _, c := range sw.Columns() {
		assert.Equal(t, sw.NumMessages(), c.Len())
	}
}

func TestUpdateSchemaEmptyAndUnmatched(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, uint64(0)}))
	require.NoError(t, err)
	before := sw.Columns()

	require.NoError(t, sw.UpdateSchema(evolutionTree(), nil))
	assert.Equal(t, before, sw.Columns())

	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 5, New: 9}}))
	assert.Equal(t, before, sw.Columns())
	assert.Equal(t, []int32{1, 2}, columnIDs(sw))
	assert.Equal(t, 1, sw.NumMessages())
}

func TestUpdateSchemaPlainReplace(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(7)}, MessageValue{2, uint64(3)}))
	require.NoError(t, err)

	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 1, New: 11}}))
	assert.Equal(t, []int32{2, 11}, columnIDs(sw))
	assert.Equal(t, int64(7), sw.Columns()[1].Value(0))
}

func TestUpdateSchemaErrorsAreAtomic(t *testing.T) {
	tests := []struct {
		name    string
		updates []ColumnUpdate
	}{
		{"same column twice", []ColumnUpdate{{Old: 1, New: 9}, {Old: 1, New: 11}}},
		{"target missing from tree", []ColumnUpdate{{Old: 1, New: 77}}},
		{"replace with different kind", []ColumnUpdate{{Old: 1, New: 2}}},
		{"target collides with surviving column", []ColumnUpdate{{Old: 1, New: 11}}},
		{"two columns replaced to one id", []ColumnUpdate{{Old: 1, New: 11}, {Old: 11, New: 11}, {Old: 5, New: 9}, {Old: 2, New: 9}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2), NewArrayColumnWriter(5), NewInt64ColumnWriter(11))
			_, err := sw.AppendMessage(message(
				MessageValue{1, int64(1)}, MessageValue{2, uint64(2)},
				MessageValue{5, uint64(5)}, MessageValue{11, int64(11)},
			))
			require.NoError(t, err)

			err = sw.UpdateSchema(evolutionTree(), tt.updates)
			require.Error(t, err)
			assert.True(t, archiveerrors.IsType(err, archiveerrors.ErrorTypeContract))
			assert.Equal(t, []int32{1, 2, 5, 11}, columnIDs(sw))
			assert.Equal(t, 1, sw.NumMessages())
		})
	}
}

func TestUpdateSchemaThenCombine(t *testing.T) {
	tree := evolutionTree()
	a, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewArrayColumnWriter(5))
	b, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewArrayColumnWriter(5))
	_, err := a.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{5, uint64(1)}))
	require.NoError(t, err)
	_, err = b.AppendMessage(message(MessageValue{1, int64(2)}, MessageValue{5, uint64(2)}))
	require.NoError(t, err)

	updates := []ColumnUpdate{{Old: 1, New: 9}, {Old: 5, New: 9}}
	require.NoError(t, a.UpdateSchema(tree, updates))
	require.NoError(t, b.UpdateSchema(tree, updates))

	require.NoError(t, a.Combine(b))
	assert.Equal(t, 2, a.NumMessages())
	assert.Equal(t, 2, a.Columns()[0].Len())
}

func TestSchemaWriterAppendRollsBackPartialRow(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, uint64(0)}))
	require.NoError(t, err)

	_, err = sw.AppendMessage(message(MessageValue{1, int64(2)}, MessageValue{2, "not an id"}))
	require.Error(t, err)
	assert.True(t, archiveerrors.IsType(err, archiveerrors.ErrorTypeContract))
	assert.Equal(t, 1, sw.NumMessages())
	for _, c := range sw.Columns() {
		assert.Equal(t, 1, c.Len())
	}

	_, err = sw.AppendMessage(message(MessageValue{1, int64(3)}, MessageValue{2, uint64(1)}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), sw.Columns()[0].Value(1))
}

func TestUpdateSchemaRecordsOutcome(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewVarStringColumnWriter(2))
	_, err := sw.AppendMessage(message(MessageValue{1, int64(1)}, MessageValue{2, uint64(0)}))
	require.NoError(t, err)

	noop := testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeNoop))
	applied := testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeApplied))
	failed := testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeFailed))

	require.NoError(t, sw.UpdateSchema(evolutionTree(), nil))
	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 1, New: 11}}))
	require.Error(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 2, New: 77}}))

	assert.Equal(t, noop+1, testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeNoop)))
	assert.Equal(t, applied+1, testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeApplied)))
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeFailed)))
}

func TestUpdateSchemaMergesIntoExistingTruncatedColumn(t *testing.T) {
	for _, updates := range [][]ColumnUpdate{
		{{Old: 1, New: 9}},
		{{Old: 9, New: 9}, {Old: 1, New: 9}},
	} {
		sw, path := newSchemaWriter(t, NewInt64ColumnWriter(1), NewTruncatedObjectColumnWriter(9))
		_, err := sw.AppendMessage(message(
			MessageValue{1, int64(10)},
			MessageValue{9, []GenericField{{Key: "host", Type: "varstring", Value: uint64(3)}}},
		))
		require.NoError(t, err)
		_, err = sw.AppendMessage(message(MessageValue{1, int64(11)}, MessageValue{9, []GenericField(nil)}))
		require.NoError(t, err)

		require.NoError(t, sw.UpdateSchema(evolutionTree(), updates))

		require.Equal(t, []int32{9}, columnIDs(sw))
		col := sw.Columns()[0]
		require.Equal(t, 2, col.Len())

		first := decodeRow(t, col.Value(0))
		require.Len(t, first, 2)
		assert.Equal(t, decodedField{Key: "host", Type: "varstring", Value: gojson.RawMessage("3")}, first[0])
		assert.Equal(t, decodedField{Key: "id", Type: "integer", Value: gojson.RawMessage("10")}, first[1])

		second := decodeRow(t, col.Value(1))
		require.Len(t, second, 1)
		assert.Equal(t, decodedField{Key: "id", Type: "integer", Value: gojson.RawMessage("11")}, second[0])

		require.NoError(t, sw.Store())
		count, cols := decodeSegment(t, path, *compression.DefaultConfig(), []schematree.NodeType{schematree.TruncatedObject})
		assert.Equal(t, uint64(2), count)
		require.Len(t, cols[0], 2)
	}
}

func TestUpdateSchemaSelfMappingIsNoop(t *testing.T) {
	sw, _ := newSchemaWriter(t, NewInt64ColumnWriter(1), NewTruncatedObjectColumnWriter(9))
	_, err := sw.AppendMessage(message(
		MessageValue{1, int64(10)},
		MessageValue{9, []GenericField{{Key: "host", Type: "varstring", Value: uint64(3)}}},
	))
	require.NoError(t, err)
	before := sw.Columns()[1].Value(0)

	require.NoError(t, sw.UpdateSchema(evolutionTree(), []ColumnUpdate{{Old: 9, New: 9}, {Old: 1, New: 1}}))

	assert.Equal(t, []int32{1, 9}, columnIDs(sw))
	assert.Equal(t, before, sw.Columns()[1].Value(0))
	row := decodeRow(t, sw.Columns()[1].Value(0))
	require.Len(t, row, 1)
	assert.Equal(t, "host", row[0].Key)
}
