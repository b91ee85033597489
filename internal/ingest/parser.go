// Package ingest turns JSON-lines input into parsed messages and feeds them
// to archive writers, one per worker.
package ingest

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gibber9809/clp-structured/internal/archive"
	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	jsonpool "github.com/gibber9809/clp-structured/pkg/json"
	"github.com/gibber9809/clp-structured/pkg/schemamap"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// ParserOptions control how records are mapped onto the schema tree.
type ParserOptions struct {
	// TimestampKey names the top-level key whose value feeds the timestamp
	// dictionary. Empty disables timestamp tracking.
	TimestampKey string
	// MaxDepth is the object nesting depth past which objects are stored as
	// truncated objects. Zero means unlimited.
	MaxDepth int
}

// Record is one parsed input line ready for archive.Writer.AppendMessage.
type Record struct {
	SchemaID int32
	Schema   schemamap.Schema
	Message  *archive.ParsedMessage
}

// Parser registers record shapes in the tree and resolves dictionary ids.
// A Parser is not safe for concurrent use; the tree, schema map and
// dictionaries it writes to are.
type Parser struct {
	tree    *schematree.Tree
	schemas *schemamap.Map
	dicts   *archive.Dictionaries
	opts    ParserOptions

	values []archive.MessageValue
	ids    []int32
}

// NewParser creates a parser writing to the given shared state
func NewParser(tree *schematree.Tree, schemas *schemamap.Map, dicts *archive.Dictionaries, opts ParserOptions) *Parser {
	return &Parser{tree: tree, schemas: schemas, dicts: dicts, opts: opts}
}

// Parse decodes one JSON object. The message lists column values in
// ascending column id order, matching the column order of the schema writer.
func (p *Parser) Parse(line []byte) (Record, error) {
	var obj map[string]interface{}
	if err := jsonpool.DecodeRecord(line, &obj); err != nil {
		return Record{}, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "invalid JSON record")
	}
	if obj == nil {
		return Record{}, archiveerrors.New(archiveerrors.ErrorTypeData, "record is not a JSON object")
	}

	p.values = p.values[:0]
	p.ids = p.ids[:0]
	if err := p.walk(schematree.RootID, obj, 1); err != nil {
		return Record{}, err
	}

	sort.Slice(p.values, func(i, j int) bool { return p.values[i].ColumnID < p.values[j].ColumnID })
	msg := archive.NewParsedMessage(len(p.values))
	for _, v := range p.values {
		msg.Add(v.ColumnID, v.Value)
	}
	schema := schemamap.NewSchema(p.ids...)
	return Record{SchemaID: p.schemas.AddSchema(schema), Schema: schema, Message: msg}, nil
}

func (p *Parser) walk(parent int32, obj map[string]interface{}, depth int) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// sorted so node ids do not depend on map iteration order
	sort.Strings(keys)

	for _, key := range keys {
		value := obj[key]
		if parent == schematree.RootID && key == p.opts.TimestampKey {
			p.ingestTimestamp(key, value)
		}

		switch v := value.(type) {
		case map[string]interface{}:
			if p.opts.MaxDepth > 0 && depth >= p.opts.MaxDepth {
				id := p.tree.AddNode(parent, schematree.TruncatedObject, key)
				p.add(id, genericFields(v))
				continue
			}
			id := p.tree.AddNode(parent, schematree.Object, key)
			p.ids = append(p.ids, id)
			if err := p.walk(id, v, depth+1); err != nil {
				return err
			}
		case []interface{}:
			encoded, err := jsonpool.Marshal(v)
			if err != nil {
				return archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "failed to encode array").
					WithDetail("key", key)
			}
			dictID, _ := p.dicts.Array.AddEntry(string(encoded))
			p.add(p.tree.AddNode(parent, schematree.Array, key), dictID)
		case string:
			if strings.ContainsAny(v, " \t\n") {
				dictID, _ := p.dicts.LogType.AddEntry(v)
				p.add(p.tree.AddNode(parent, schematree.ClpString, key), dictID)
			} else {
				dictID, _ := p.dicts.Var.AddEntry(v)
				p.add(p.tree.AddNode(parent, schematree.VarString, key), dictID)
			}
		case jsonpool.Number:
			if n, err := v.Int64(); err == nil {
				p.add(p.tree.AddNode(parent, schematree.Integer, key), n)
				continue
			}
			f, err := v.Float64()
			if err != nil {
				return archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "number out of range").
					WithDetail("key", key)
			}
			p.add(p.tree.AddNode(parent, schematree.Float, key), f)
		case bool:
			p.add(p.tree.AddNode(parent, schematree.Boolean, key), v)
		case nil:
			p.ids = append(p.ids, p.tree.AddNode(parent, schematree.NullValue, key))
		default:
			return archiveerrors.New(archiveerrors.ErrorTypeData, "unsupported JSON value").
				WithDetail("key", key)
		}
	}
	return nil
}

func (p *Parser) add(id int32, value interface{}) {
	p.ids = append(p.ids, id)
	p.values = append(p.values, archive.MessageValue{ColumnID: id, Value: value})
}

// ingestTimestamp accepts epoch milliseconds or RFC 3339 strings.
func (p *Parser) ingestTimestamp(key string, value interface{}) {
	switch v := value.(type) {
	case jsonpool.Number:
		if n, err := v.Int64(); err == nil {
			p.dicts.Timestamp.Ingest(key, n)
		} else if f, err := v.Float64(); err == nil && f >= math.MinInt64 && f < math.MaxInt64 {
			p.dicts.Timestamp.Ingest(key, int64(f))
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.dicts.Timestamp.Ingest(key, ts.UnixMilli())
		}
	}
}

// genericFields flattens one level of obj into truncated object fields.
func genericFields(obj map[string]interface{}) []archive.GenericField {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]archive.GenericField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, archive.GenericField{Key: k, Type: valueType(obj[k]).String(), Value: obj[k]})
	}
	return fields
}

func valueType(v interface{}) schematree.NodeType {
	switch n := v.(type) {
	case map[string]interface{}:
		return schematree.Object
	case []interface{}:
		return schematree.Array
	case string:
		return schematree.VarString
	case bool:
		return schematree.Boolean
	case jsonpool.Number:
		if _, err := n.Int64(); err == nil {
			return schematree.Integer
		}
		return schematree.Float
	default:
		return schematree.NullValue
	}
}
