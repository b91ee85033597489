package archive

import (
	"encoding/binary"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// GenericField is one key of a truncated object row. Type is the name of the
// node type the value was stored as before truncation.
type GenericField struct {
	Key   string `json:"k"`
	Type  string `json:"t"`
	Value any    `json:"v"`
}

// contribution is a merged source column waiting for LocalMergeColumnValues.
// A splice contribution holds encoded rows whose fields are copied in place
// instead of being nested under a key.
type contribution struct {
	key    string
	kind   schematree.NodeType
	values []any
	splice bool
}

// storedField is a GenericField read back from an encoded row.
type storedField struct {
	Key   string            `json:"k"`
	Type  string            `json:"t"`
	Value gojson.RawMessage `json:"v"`
}

// TruncatedObjectColumnWriter stores rows as generic key/type/value lists.
// Rows are kept encoded; a nil row is absent.
type TruncatedObjectColumnWriter struct {
	id      int32
	rows    [][]byte
	pending []contribution
}

// NewTruncatedObjectColumnWriter creates an empty truncated-object column
func NewTruncatedObjectColumnWriter(id int32) *TruncatedObjectColumnWriter {
	return &TruncatedObjectColumnWriter{id: id}
}

func (c *TruncatedObjectColumnWriter) ID() int32                 { return c.id }
func (c *TruncatedObjectColumnWriter) Kind() schematree.NodeType { return schematree.TruncatedObject }
func (c *TruncatedObjectColumnWriter) Len() int                  { return len(c.rows) }
func (c *TruncatedObjectColumnWriter) setID(id int32)            { c.id = id }

// Value returns the encoded row as raw JSON, or nil when the row is absent.
func (c *TruncatedObjectColumnWriter) Value(i int) any {
	if c.rows[i] == nil {
		return gojson.RawMessage(nil)
	}
	return gojson.RawMessage(c.rows[i])
}

// AddValue appends a []GenericField row. A nil slice appends an absent row.
func (c *TruncatedObjectColumnWriter) AddValue(value any) (int, error) {
	fields, ok := value.([]GenericField)
	if !ok {
		return 0, kindMismatch(c, value)
	}
	if fields == nil {
		c.rows = append(c.rows, nil)
		return 0, nil
	}
	row, err := encodeRow(fields)
	if err != nil {
		return 0, err
	}
	c.rows = append(c.rows, row)
	return len(row), nil
}

// Store writes each row as a uvarint length followed by its JSON bytes.
// Absent rows have length zero.
func (c *TruncatedObjectColumnWriter) Store(w io.Writer) error {
	var scratch [binary.MaxVarintLen64]byte
	for _, row := range c.rows {
		n := binary.PutUvarint(scratch[:], uint64(len(row)))
		if _, err := w.Write(scratch[:n]); err != nil {
			return err
		}
		if len(row) == 0 {
			continue
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (c *TruncatedObjectColumnWriter) Combine(other ColumnWriter) error {
	if err := checkCombinable(c, other); err != nil {
		return err
	}
	o, ok := other.(*TruncatedObjectColumnWriter)
	if !ok {
		return combineMismatch(c, other)
	}
	if len(c.pending) > 0 || len(o.pending) > 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "cannot combine truncated columns with pending merges").
			WithDetail("column_id", c.id)
	}
	c.rows = append(c.rows, o.rows...)
	o.rows = nil
	return nil
}

// MergeColumn records every row of src as a pending contribution under the
// key name the tree holds for src. The rows are materialized by
// LocalMergeColumnValues.
func (c *TruncatedObjectColumnWriter) MergeColumn(src ColumnWriter, tree schematree.Reader) error {
	node, ok := tree.Node(src.ID())
	if !ok {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "merged column missing from schema tree").
			WithDetail("column_id", src.ID()).
			WithDetail("target_column_id", c.id)
	}
	values := make([]any, src.Len())
	for i := range values {
		values[i] = src.Value(i)
	}
	c.pending = append(c.pending, contribution{key: node.KeyName, kind: src.Kind(), values: values})
	return nil
}

// absorb takes the rows of existing, a column already stored under this id,
// as the leading fields of the rows materialized next. existing is only read.
func (c *TruncatedObjectColumnWriter) absorb(existing *TruncatedObjectColumnWriter) {
	values := make([]any, existing.Len())
	for i := range values {
		values[i] = existing.Value(i)
	}
	c.pending = append(c.pending, contribution{values: values, splice: true})
}

// LocalMergeColumnValues extends the column to exactly totalRows rows. Each
// pending contribution of K rows fills the last K rows of the gap, since its
// source column did not exist for the earlier ones. Rows no contribution
// reaches are absent.
func (c *TruncatedObjectColumnWriter) LocalMergeColumnValues(totalRows int) error {
	gap := totalRows - len(c.rows)
	if gap < 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "truncated column longer than schema").
			WithDetail("column_id", c.id).
			WithDetail("rows", len(c.rows)).
			WithDetail("total_rows", totalRows)
	}
	for _, p := range c.pending {
		if len(p.values) > gap {
			return archiveerrors.New(archiveerrors.ErrorTypeContract, "merged column has more rows than the schema").
				WithDetail("column_id", c.id).
				WithDetail("key", p.key).
				WithDetail("rows", len(p.values)).
				WithDetail("gap", gap)
		}
	}

	rows := make([][]byte, gap)
	fields := make([]GenericField, 0, len(c.pending))
	for r := 0; r < gap; r++ {
		fields = fields[:0]
		for _, p := range c.pending {
			offset := gap - len(p.values)
			if r < offset {
				continue
			}
			v := p.values[r-offset]
			if raw, ok := v.(gojson.RawMessage); ok && raw == nil {
				continue
			}
			if p.splice {
				var stored []storedField
				if err := gojson.Unmarshal(v.(gojson.RawMessage), &stored); err != nil {
					return archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "failed to decode truncated object row").
						WithDetail("column_id", c.id)
				}
				for _, f := range stored {
					fields = append(fields, GenericField{Key: f.Key, Type: f.Type, Value: f.Value})
				}
				continue
			}
			fields = append(fields, GenericField{Key: p.key, Type: p.kind.String(), Value: v})
		}
		if len(fields) == 0 {
			continue
		}
		row, err := encodeRow(fields)
		if err != nil {
			return err
		}
		rows[r] = row
	}

	c.rows = append(c.rows, rows...)
	c.pending = nil
	return nil
}

func encodeRow(fields []GenericField) ([]byte, error) {
	row, err := gojson.Marshal(fields)
	if err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "failed to encode truncated object row")
	}
	return row, nil
}
