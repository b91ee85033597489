package archive

import (
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/metrics"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

type writerState int

const (
	stateCreated writerState = iota
	stateOpened
	stateStored
	stateClosed
)

// ColumnUpdate remaps column Old to column New during schema evolution.
type ColumnUpdate struct {
	Old int32
	New int32
}

// ColumnInfo describes one stored column of a segment.
type ColumnInfo struct {
	ID   int32  `json:"id"`
	Kind string `json:"kind"`
	// Size is the uncompressed byte length of the column inside the stream.
	Size int64 `json:"size"`
}

// SchemaWriter owns the columns of one schema and writes them as a single
// compressed segment.
type SchemaWriter struct {
	path        string
	compression compression.Config
	columns     []ColumnWriter
	numMessages int
	state       writerState

	file        *compression.FileWriter
	stored      []ColumnInfo
	storedBytes int64

	logger *zap.Logger
}

// NewSchemaWriter creates a schema writer with no columns
func NewSchemaWriter(logger *zap.Logger) *SchemaWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaWriter{logger: logger}
}

// Open binds the segment path and compression settings.
func (s *SchemaWriter) Open(path string, cfg compression.Config) error {
	if s.state != stateCreated {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "schema writer already opened").
			WithDetail("path", s.path)
	}
	s.path = path
	s.compression = cfg
	s.state = stateOpened
	return nil
}

// AppendColumn installs the next column. Columns must be appended in
// ascending id order.
func (s *SchemaWriter) AppendColumn(c ColumnWriter) {
	s.columns = append(s.columns, c)
}

// AppendMessage dispatches each value of msg to the column at the same
// position and returns the summed encoded size.
func (s *SchemaWriter) AppendMessage(msg *ParsedMessage) (int, error) {
	if s.state >= stateStored {
		return 0, archiveerrors.New(archiveerrors.ErrorTypeContract, "append to stored schema writer").
			WithDetail("path", s.path)
	}
	content := msg.Content()
	if len(content) != len(s.columns) {
		return 0, archiveerrors.New(archiveerrors.ErrorTypeContract, "message length does not match column count").
			WithDetail("path", s.path).
			WithDetail("message_len", len(content)).
			WithDetail("columns", len(s.columns))
	}

	total := 0
	for i, v := range content {
		size, err := s.columns[i].AddValue(v.Value)
		if err != nil {
			// earlier columns already took a value for this row
			s.rollback(i)
			return 0, err
		}
		total += size
	}
	s.numMessages++
	return total, nil
}

// rollback drops the partially appended row from the first n columns.
func (s *SchemaWriter) rollback(n int) {
	for _, c := range s.columns[:n] {
		truncateColumn(c, s.numMessages)
	}
}

func truncateColumn(c ColumnWriter, rows int) {
	switch col := c.(type) {
	case *fixedColumn[int64]:
		col.values = col.values[:rows]
	case *fixedColumn[float64]:
		col.values = col.values[:rows]
	case *fixedColumn[uint64]:
		col.values = col.values[:rows]
	case *fixedColumn[bool]:
		col.values = col.values[:rows]
	case *TruncatedObjectColumnWriter:
		col.rows = col.rows[:rows]
	}
}

// Store writes the segment: the row count as a raw little-endian uint64,
// then every column back to back inside one compressed stream.
func (s *SchemaWriter) Store() error {
	switch s.state {
	case stateCreated:
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "store before open")
	case stateStored, stateClosed:
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "schema writer already stored").
			WithDetail("path", s.path)
	}

	timer := metrics.NewTimer()
	fw, err := compression.CreateFile(s.path)
	if err != nil {
		return err
	}
	s.file = fw

	if err := fw.WriteNumeric(uint64(s.numMessages)); err != nil {
		return s.abortStore(err)
	}
	if err := fw.OpenCompressor(&s.compression); err != nil {
		return s.abortStore(err)
	}

	infos := make([]ColumnInfo, 0, len(s.columns))
	for _, c := range s.columns {
		cw := &countingWriter{w: fw}
		if err := c.Store(cw); err != nil {
			return s.abortStore(archiveerrors.Wrap(err, archiveerrors.ErrorTypeCompression, "failed to write column").
				WithDetail("path", s.path).
				WithDetail("column_id", c.ID()))
		}
		infos = append(infos, ColumnInfo{ID: c.ID(), Kind: c.Kind().String(), Size: cw.n})
	}

	s.file = nil
	if err := fw.Close(); err != nil {
		return err
	}

	s.stored = infos
	s.storedBytes = fw.BytesWritten()
	s.state = stateStored
	metrics.SegmentStoreLatency.Observe(timer.Stop().Seconds())
	metrics.SegmentBytes.Observe(float64(s.storedBytes))
	s.logger.Debug("stored schema segment",
		zap.String("path", s.path),
		zap.Int("rows", s.numMessages),
		zap.Int("columns", len(s.columns)),
		zap.Int64("bytes", s.storedBytes))
	return nil
}

func (s *SchemaWriter) abortStore(err error) error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	return err
}

// Close releases the columns and closes any file left open by a failed store.
func (s *SchemaWriter) Close() error {
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	s.columns = nil
	s.state = stateClosed
	return err
}

// Combine appends the rows of other column by column. Both writers must have
// been built from the same schema, so their column sequences match. other is
// consumed.
func (s *SchemaWriter) Combine(other *SchemaWriter) error {
	if other == s {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "cannot combine schema writer with itself")
	}
	if s.state >= stateStored || other.state >= stateStored {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "cannot combine stored schema writers").
			WithDetail("path", s.path)
	}
	if len(other.columns) != len(s.columns) {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "column count mismatch on combine").
			WithDetail("path", s.path).
			WithDetail("columns", len(s.columns)).
			WithDetail("other_columns", len(other.columns))
	}
	for i, c := range s.columns {
		o := other.columns[i]
		if c.ID() != o.ID() || c.Kind() != o.Kind() {
			return combineMismatch(c, o)
		}
	}

	for i, c := range s.columns {
		if err := c.Combine(other.columns[i]); err != nil {
			return archiveerrors.Wrap(err, archiveerrors.ErrorTypeInternal, "column combine failed after validation")
		}
	}
	s.numMessages += other.numMessages
	other.numMessages = 0
	other.columns = nil
	other.state = stateClosed
	metrics.SchemaWritersCombined.Inc()
	return nil
}

// columnAction is what UpdateSchema does with one existing column.
type columnAction struct {
	column ColumnWriter
	newID  int32
	merge  bool
}

// UpdateSchema applies column remappings. A column whose id appears as Old is
// retired. If the tree types New as a truncated object, the column is merged
// into a truncated writer for New, shared by every column remapped to it.
// Otherwise the column is kept under New, which must have the same kind.
// Remapping onto an existing truncated column adds the merged keys to its
// rows. Entries naming columns this writer does not have, or mapping a column
// onto itself, are ignored. On error the column list is left as it was.
func (s *SchemaWriter) UpdateSchema(tree schematree.Reader, updates []ColumnUpdate) error {
	plan, err := s.prepareUpdate(tree, updates)
	if err != nil {
		metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}
	s.commitUpdate(plan)
	return nil
}

// prepareUpdate validates updates and materializes every truncated target
// without touching the current columns. A nil plan means nothing matched.
func (s *SchemaWriter) prepareUpdate(tree schematree.Reader, updates []ColumnUpdate) (*updatePlan, error) {
	if s.state >= stateStored {
		return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "update of stored schema writer").
			WithDetail("path", s.path)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	plan, err := s.planUpdate(tree, updates)
	if err != nil || plan == nil {
		return nil, err
	}
	for _, t := range plan.touched {
		if err := t.LocalMergeColumnValues(s.numMessages); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// commitUpdate swaps in a prepared plan. It cannot fail.
func (s *SchemaWriter) commitUpdate(plan *updatePlan) {
	if plan == nil {
		metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeNoop).Inc()
		return
	}
	before := len(s.columns)
	s.columns = plan.apply()
	metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeApplied).Inc()
	metrics.ColumnsTruncated.Add(float64(plan.merged))
	s.logger.Debug("schema updated",
		zap.String("path", s.path),
		zap.Int("columns_before", before),
		zap.Int("columns_after", len(s.columns)),
		zap.Int("truncated_targets", len(plan.touched)))
}

type plannedColumn struct {
	column ColumnWriter
	id     int32
}

// updatePlan is a validated evolution that has not modified any existing
// column yet.
type updatePlan struct {
	columns []plannedColumn
	touched []*TruncatedObjectColumnWriter
	merged  int
}

// apply re-tags renamed columns and returns the list in ascending id order.
func (p *updatePlan) apply() []ColumnWriter {
	sort.SliceStable(p.columns, func(i, j int) bool { return p.columns[i].id < p.columns[j].id })
	out := make([]ColumnWriter, len(p.columns))
	for i, pc := range p.columns {
		if pc.column.ID() != pc.id {
			pc.column.setID(pc.id)
		}
		out[i] = pc.column
	}
	return out
}

// planUpdate validates updates and prepares the new column list. It returns
// a nil plan when no update names a column of this writer.
func (s *SchemaWriter) planUpdate(tree schematree.Reader, updates []ColumnUpdate) (*updatePlan, error) {
	remap := make(map[int32]int32, len(updates))
	for _, u := range updates {
		if _, dup := remap[u.Old]; dup {
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "column remapped twice in one update").
				WithDetail("column_id", u.Old)
		}
		remap[u.Old] = u.New
	}

	actions := make([]columnAction, 0, len(s.columns))
	surviving := make(map[int32]ColumnWriter, len(s.columns))
	matched := false
	for _, c := range s.columns {
		newID, ok := remap[c.ID()]
		if !ok {
			surviving[c.ID()] = c
			actions = append(actions, columnAction{column: c, newID: c.ID()})
			continue
		}
		node, ok := tree.Node(newID)
		if !ok {
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "update target missing from schema tree").
				WithDetail("column_id", c.ID()).
				WithDetail("new_column_id", newID)
		}
		if newID == c.ID() && node.Type == c.Kind() {
			surviving[c.ID()] = c
			actions = append(actions, columnAction{column: c, newID: c.ID()})
			continue
		}
		matched = true
		if node.Type == schematree.TruncatedObject {
			actions = append(actions, columnAction{column: c, newID: newID, merge: true})
			continue
		}
		if node.Type != c.Kind() {
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "update target type does not match column kind").
				WithDetail("column_id", c.ID()).
				WithDetail("kind", c.Kind().String()).
				WithDetail("new_column_id", newID).
				WithDetail("new_type", node.Type.String())
		}
		actions = append(actions, columnAction{column: c, newID: newID})
	}
	if !matched {
		return nil, nil
	}

	// ids must stay unique; only truncated targets may be shared, and a
	// surviving truncated column absorbs the columns merged into it
	absorbed := make(map[int32]*TruncatedObjectColumnWriter)
	seen := make(map[int32]bool, len(actions))
	for _, a := range actions {
		if survivor, ok := surviving[a.newID]; ok {
			if a.column == survivor {
				continue
			}
			if t, truncated := survivor.(*TruncatedObjectColumnWriter); truncated && a.merge {
				absorbed[a.newID] = t
				continue
			}
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "update target collides with an existing column").
				WithDetail("column_id", a.column.ID()).
				WithDetail("new_column_id", a.newID)
		}
		if prevMerge, ok := seen[a.newID]; ok && !(prevMerge && a.merge) {
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "two columns remapped to the same id").
				WithDetail("new_column_id", a.newID)
		}
		seen[a.newID] = a.merge
	}

	plan := &updatePlan{columns: make([]plannedColumn, 0, len(actions))}
	targets := make(map[int32]*TruncatedObjectColumnWriter)
	for _, a := range actions {
		if !a.merge {
			if _, replaced := absorbed[a.column.ID()]; replaced && a.newID == a.column.ID() {
				continue
			}
			plan.columns = append(plan.columns, plannedColumn{column: a.column, id: a.newID})
			continue
		}
		t, ok := targets[a.newID]
		if !ok {
			t = NewTruncatedObjectColumnWriter(a.newID)
			if existing, ok := absorbed[a.newID]; ok {
				t.absorb(existing)
			}
			targets[a.newID] = t
			plan.touched = append(plan.touched, t)
			plan.columns = append(plan.columns, plannedColumn{column: t, id: a.newID})
		}
		if err := t.MergeColumn(a.column, tree); err != nil {
			return nil, err
		}
		plan.merged++
	}
	return plan, nil
}

// Path returns the segment path
func (s *SchemaWriter) Path() string {
	return s.path
}

// NumMessages returns the row count
func (s *SchemaWriter) NumMessages() int {
	return s.numMessages
}

// Columns returns the current column list in positional order
func (s *SchemaWriter) Columns() []ColumnWriter {
	return s.columns
}

// StoredColumns returns the column layout recorded by the last Store.
func (s *SchemaWriter) StoredColumns() []ColumnInfo {
	return s.stored
}

// StoredBytes returns the on-disk size recorded by the last Store.
func (s *SchemaWriter) StoredBytes() int64 {
	return s.storedBytes
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
