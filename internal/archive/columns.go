// Package archive turns parsed records into per-schema columnar segments.
//
// Records are routed by schema id to a SchemaWriter, which owns one
// ColumnWriter per column of the schema. Column writers are positional: the
// n-th value of a ParsedMessage goes to the n-th column writer, and both are
// built by iterating the schema in ascending column id order.
package archive

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// ColumnWriter accumulates and serializes the values of one column.
type ColumnWriter interface {
	// ID returns the column id
	ID() int32
	// Kind returns the node type stored by this column
	Kind() schematree.NodeType
	// Len returns the number of rows
	Len() int
	// AddValue appends one row and reports its encoded size.
	AddValue(value any) (int, error)
	// Value returns the decoded value of row i
	Value(i int) any
	// Store serializes every row in order.
	Store(w io.Writer) error
	// Combine appends the rows of other and empties it.
	Combine(other ColumnWriter) error

	setID(id int32)
}

// fixedValue covers the kinds stored as fixed-width little-endian values.
type fixedValue interface {
	int64 | float64 | uint64 | bool
}

// fixedColumn stores integers, floats, booleans and dictionary ids.
type fixedColumn[T fixedValue] struct {
	id     int32
	kind   schematree.NodeType
	width  int
	values []T
}

// NewInt64ColumnWriter creates a column of int64 values
func NewInt64ColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[int64]{id: id, kind: schematree.Integer, width: 8}
}

// NewFloatColumnWriter creates a column of float64 values
func NewFloatColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[float64]{id: id, kind: schematree.Float, width: 8}
}

// NewBooleanColumnWriter creates a column of bool values, one byte each
func NewBooleanColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[bool]{id: id, kind: schematree.Boolean, width: 1}
}

// NewVarStringColumnWriter creates a column of variable dictionary ids
func NewVarStringColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[uint64]{id: id, kind: schematree.VarString, width: 8}
}

// NewClpStringColumnWriter creates a column of log-type dictionary ids
func NewClpStringColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[uint64]{id: id, kind: schematree.ClpString, width: 8}
}

// NewArrayColumnWriter creates a column of array dictionary ids
func NewArrayColumnWriter(id int32) ColumnWriter {
	return &fixedColumn[uint64]{id: id, kind: schematree.Array, width: 8}
}

// NewColumnWriter creates the writer matching kind.
func NewColumnWriter(id int32, kind schematree.NodeType) (ColumnWriter, error) {
	switch kind {
	case schematree.Integer:
		return NewInt64ColumnWriter(id), nil
	case schematree.Float:
		return NewFloatColumnWriter(id), nil
	case schematree.Boolean:
		return NewBooleanColumnWriter(id), nil
	case schematree.VarString:
		return NewVarStringColumnWriter(id), nil
	case schematree.ClpString:
		return NewClpStringColumnWriter(id), nil
	case schematree.Array:
		return NewArrayColumnWriter(id), nil
	case schematree.TruncatedObject:
		return NewTruncatedObjectColumnWriter(id), nil
	default:
		return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "node type has no column").
			WithDetail("column_id", id).
			WithDetail("type", kind.String())
	}
}

func (c *fixedColumn[T]) ID() int32                 { return c.id }
func (c *fixedColumn[T]) Kind() schematree.NodeType { return c.kind }
func (c *fixedColumn[T]) Len() int                  { return len(c.values) }
func (c *fixedColumn[T]) Value(i int) any           { return c.values[i] }
func (c *fixedColumn[T]) setID(id int32)            { c.id = id }

func (c *fixedColumn[T]) AddValue(value any) (int, error) {
	v, ok := value.(T)
	if !ok {
		return 0, kindMismatch(c, value)
	}
	c.values = append(c.values, v)
	return c.width, nil
}

func (c *fixedColumn[T]) Store(w io.Writer) error {
	if len(c.values) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, c.values)
}

func (c *fixedColumn[T]) Combine(other ColumnWriter) error {
	if err := checkCombinable(c, other); err != nil {
		return err
	}
	o, ok := other.(*fixedColumn[T])
	if !ok {
		return combineMismatch(c, other)
	}
	c.values = append(c.values, o.values...)
	o.values = nil
	return nil
}

func kindMismatch(c ColumnWriter, value any) error {
	return archiveerrors.New(archiveerrors.ErrorTypeContract, "value does not match column kind").
		WithDetail("column_id", c.ID()).
		WithDetail("kind", c.Kind().String()).
		WithDetail("value_type", fmt.Sprintf("%T", value))
}

func checkCombinable(c, other ColumnWriter) error {
	if other == nil || other.ID() != c.ID() || other.Kind() != c.Kind() {
		return combineMismatch(c, other)
	}
	return nil
}

func combineMismatch(c, other ColumnWriter) error {
	err := archiveerrors.New(archiveerrors.ErrorTypeContract, "cannot combine columns of different id or kind").
		WithDetail("column_id", c.ID()).
		WithDetail("kind", c.Kind().String())
	if other != nil {
		err = err.WithDetail("other_column_id", other.ID()).
			WithDetail("other_kind", other.Kind().String())
	}
	return err
}
