package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/dictionary"
	"github.com/gibber9809/clp-structured/pkg/metrics"
	"github.com/gibber9809/clp-structured/pkg/schemamap"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// File and directory names inside an archive.
const (
	EncodedMessagesDir = "encoded_messages"
	VarDictFile        = "var.dict"
	LogTypeDictFile    = "log.dict"
	ArrayDictFile      = "array.dict"
	TimestampDictFile  = "timestamp.dict"
	SchemaTreeFile     = "schema_tree"
	SchemaMapFile      = "schema_ids"
	MetadataFile       = "metadata.json"
)

const tracerName = "github.com/gibber9809/clp-structured/internal/archive"

// Dictionaries are the archive-global dictionaries shared by every writer
// built from the same ingestion run.
type Dictionaries struct {
	Var       *dictionary.Writer
	LogType   *dictionary.Writer
	Array     *dictionary.Writer
	Timestamp *dictionary.TimestampWriter
}

// NewDictionaries creates an empty set of dictionaries
func NewDictionaries() *Dictionaries {
	return &Dictionaries{
		Var:       dictionary.NewWriter("var"),
		LogType:   dictionary.NewWriter("log"),
		Array:     dictionary.NewWriter("array"),
		Timestamp: dictionary.NewTimestampWriter(),
	}
}

// Options bind an archive to its identity and location.
type Options struct {
	ID          uuid.UUID
	ArchiveDir  string
	Compression compression.Config
}

// Option configures a Writer
type Option func(*Writer)

// WithLogger sets the writer logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithStoreConcurrency bounds how many segments are stored at once on Close.
func WithStoreConcurrency(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.storeConcurrency = n
		}
	}
}

// WithTracer overrides the tracer used around Close.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Writer) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// Writer routes records to schema writers and finalizes the archive.
// It is not safe for concurrent use; parallel ingestion gives each worker its
// own Writer and folds them together with Combine.
type Writer struct {
	tree      *schematree.Tree
	schemaMap *schemamap.Map
	dicts     *Dictionaries

	opts        Options
	archivePath string
	messageDir  string
	state       writerState

	schemaWriters map[int32]*SchemaWriter
	dataSize      int64
	numRecords    int64

	storeConcurrency int
	logger           *zap.Logger
	tracer           trace.Tracer
}

// NewWriter creates a writer sharing the given tree, schema map and
// dictionaries.
func NewWriter(tree *schematree.Tree, schemaMap *schemamap.Map, dicts *Dictionaries, opts ...Option) *Writer {
	w := &Writer{
		tree:             tree,
		schemaMap:        schemaMap,
		dicts:            dicts,
		schemaWriters:    make(map[int32]*SchemaWriter),
		storeConcurrency: 4,
		logger:           zap.NewNop(),
		tracer:           otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open creates <ArchiveDir>/<ID>/ and its encoded_messages directory. A zero
// ID is replaced by a random one.
func (w *Writer) Open(opts Options) error {
	if w.state != stateCreated {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "archive writer already opened").
			WithDetail("archive_id", w.opts.ID.String())
	}
	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}
	if opts.Compression.Algorithm == "" {
		opts.Compression = *compression.DefaultConfig()
	}

	archivePath := filepath.Join(opts.ArchiveDir, opts.ID.String())
	messageDir := filepath.Join(archivePath, EncodedMessagesDir)
	if err := os.MkdirAll(messageDir, 0o750); err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to create archive directory").
			WithDetail("path", messageDir)
	}

	w.opts = opts
	w.archivePath = archivePath
	w.messageDir = messageDir
	w.state = stateOpened
	w.logger = w.logger.With(zap.String("archive_id", opts.ID.String()))
	w.logger.Info("archive opened", zap.String("path", archivePath))
	return nil
}

// AppendMessage routes msg to the schema writer of schemaID, creating it on
// first sight with one column per column-bearing node of schema.
func (w *Writer) AppendMessage(schemaID int32, schema schemamap.Schema, msg *ParsedMessage) error {
	if w.state != stateOpened {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "append to archive writer that is not open").
			WithDetail("schema_id", schemaID)
	}

	sw, ok := w.schemaWriters[schemaID]
	if !ok {
		var err error
		if sw, err = w.newSchemaWriter(schemaID, schema); err != nil {
			return err
		}
		w.schemaWriters[schemaID] = sw
	}

	size, err := sw.AppendMessage(msg)
	if err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeContract, "failed to append message").
			WithDetail("schema_id", schemaID)
	}
	w.dataSize += int64(size)
	w.numRecords++
	metrics.RecordsAppended.Inc()
	metrics.EncodedBytes.Add(float64(size))
	return nil
}

func (w *Writer) newSchemaWriter(schemaID int32, schema schemamap.Schema) (*SchemaWriter, error) {
	sw := NewSchemaWriter(w.logger.With(zap.Int32("schema_id", schemaID)))
	if err := sw.Open(w.segmentPath(schemaID), w.opts.Compression); err != nil {
		return nil, err
	}
	for _, id := range schema.IDs() {
		node, ok := w.tree.Node(id)
		if !ok {
			return nil, archiveerrors.New(archiveerrors.ErrorTypeContract, "schema references unknown node").
				WithDetail("schema_id", schemaID).
				WithDetail("column_id", id)
		}
		if !node.Type.HasColumn() {
			continue
		}
		c, err := NewColumnWriter(id, node.Type)
		if err != nil {
			return nil, err
		}
		sw.AppendColumn(c)
	}
	metrics.SchemaWritersCreated.Inc()
	w.logger.Debug("schema writer created",
		zap.Int32("schema_id", schemaID),
		zap.Int("columns", len(sw.Columns())))
	return sw, nil
}

func (w *Writer) segmentPath(schemaID int32) string {
	return filepath.Join(w.messageDir, strconv.FormatInt(int64(schemaID), 10))
}

// UpdateSchemas applies updates to every schema writer. All schema writers
// are validated first; if any rejects the updates, none is changed.
func (w *Writer) UpdateSchemas(updates []ColumnUpdate) error {
	if w.state != stateOpened {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "update of archive writer that is not open")
	}
	ids := w.schemaIDs()
	plans := make([]*updatePlan, len(ids))
	for i, id := range ids {
		plan, err := w.schemaWriters[id].prepareUpdate(w.tree, updates)
		if err != nil {
			metrics.SchemaEvolutions.WithLabelValues(metrics.OutcomeFailed).Inc()
			return archiveerrors.Wrap(err, archiveerrors.ErrorTypeContract, "schema update failed").
				WithDetail("schema_id", id)
		}
		plans[i] = plan
	}
	for i, id := range ids {
		w.schemaWriters[id].commitUpdate(plans[i])
	}
	return nil
}

// Combine folds other into w schema by schema. Schema writers only present in
// other are adopted and rebound to this archive. other is consumed.
func (w *Writer) Combine(other *Writer) error {
	if other == w {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "cannot combine archive writer with itself")
	}
	if w.state != stateOpened || other.state != stateOpened {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "combine requires two open archive writers")
	}
	if w.tree != other.tree || w.dicts != other.dicts || w.schemaMap != other.schemaMap {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "combined writers must share tree, schema map and dictionaries")
	}

	for _, id := range other.schemaIDs() {
		osw := other.schemaWriters[id]
		if sw, ok := w.schemaWriters[id]; ok {
			if err := sw.Combine(osw); err != nil {
				return archiveerrors.Wrap(err, archiveerrors.ErrorTypeContract, "schema writer combine failed").
					WithDetail("schema_id", id)
			}
		} else {
			osw.path = w.segmentPath(id)
			osw.compression = w.opts.Compression
			w.schemaWriters[id] = osw
		}
		delete(other.schemaWriters, id)
	}

	w.dataSize += other.dataSize
	w.numRecords += other.numRecords
	other.dataSize = 0
	other.numRecords = 0
	other.state = stateClosed
	return nil
}

func (w *Writer) schemaIDs() []int32 {
	ids := make([]int32, 0, len(w.schemaWriters))
	for id := range w.schemaWriters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SegmentMetadata describes one stored schema segment.
type SegmentMetadata struct {
	SchemaID    int32        `json:"schema_id"`
	NumMessages int          `json:"num_messages"`
	Size        int64        `json:"size"`
	Columns     []ColumnInfo `json:"columns"`
}

// Metadata is written to metadata.json on Close.
type Metadata struct {
	ArchiveID        string            `json:"archive_id"`
	CreatedAt        time.Time         `json:"created_at"`
	NumRecords       int64             `json:"num_records"`
	UncompressedSize int64             `json:"uncompressed_size"`
	CompressedSize   int64             `json:"compressed_size"`
	Compression      string            `json:"compression"`
	CompressionLevel int               `json:"compression_level"`
	BeginTimestamp   *int64            `json:"begin_timestamp,omitempty"`
	EndTimestamp     *int64            `json:"end_timestamp,omitempty"`
	Segments         []SegmentMetadata `json:"segments"`
}

// Close stores every schema segment, the dictionaries, the schema tree and
// the schema map, then writes metadata.json. The writer cannot be used
// afterwards, even when Close fails.
func (w *Writer) Close(ctx context.Context) (err error) {
	if w.state != stateOpened {
		return archiveerrors.New(archiveerrors.ErrorTypeContract, "archive writer is not open")
	}
	w.state = stateClosed

	ctx, span := w.tracer.Start(ctx, "archive.Close", trace.WithAttributes(
		attribute.String("archive_id", w.opts.ID.String()),
		attribute.Int("schemas", len(w.schemaWriters)),
		attribute.Int64("records", w.numRecords),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	segments, err := w.storeSegments(ctx)
	if err != nil {
		return err
	}

	cfg := &w.opts.Compression
	stores := []struct {
		name  string
		store func(string, *compression.Config) error
	}{
		{VarDictFile, w.dicts.Var.Store},
		{LogTypeDictFile, w.dicts.LogType.Store},
		{ArrayDictFile, w.dicts.Array.Store},
		{TimestampDictFile, w.dicts.Timestamp.Store},
		{SchemaTreeFile, w.tree.Store},
		{SchemaMapFile, w.schemaMap.Store},
	}
	for _, s := range stores {
		if err := s.store(filepath.Join(w.archivePath, s.name), cfg); err != nil {
			return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to store archive component").
				WithDetail("component", s.name)
		}
	}

	md := w.metadata(segments)
	if err := w.writeMetadata(md); err != nil {
		return err
	}

	w.schemaWriters = nil
	w.logger.Info("archive closed",
		zap.Int64("records", w.numRecords),
		zap.Int("schemas", len(segments)),
		zap.Int64("uncompressed_bytes", w.dataSize),
		zap.Int64("compressed_bytes", md.CompressedSize))
	return nil
}

func (w *Writer) storeSegments(ctx context.Context) ([]SegmentMetadata, error) {
	ids := w.schemaIDs()
	segments := make([]SegmentMetadata, len(ids))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(w.storeConcurrency)
	for i, id := range ids {
		sw := w.schemaWriters[id]
		g.Go(func() error {
			storeErr := sw.Store()
			segments[i] = SegmentMetadata{
				SchemaID:    id,
				NumMessages: sw.NumMessages(),
				Size:        sw.StoredBytes(),
				Columns:     sw.StoredColumns(),
			}
			closeErr := sw.Close()
			if storeErr != nil {
				return archiveerrors.Wrap(storeErr, archiveerrors.ErrorTypeFile, "failed to store schema segment").
					WithDetail("schema_id", id)
			}
			return closeErr
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segments, nil
}

func (w *Writer) metadata(segments []SegmentMetadata) *Metadata {
	md := &Metadata{
		ArchiveID:        w.opts.ID.String(),
		CreatedAt:        time.Now().UTC(),
		NumRecords:       w.numRecords,
		UncompressedSize: w.dataSize,
		Compression:      string(w.opts.Compression.Algorithm),
		CompressionLevel: int(w.opts.Compression.Level),
		Segments:         segments,
	}
	for _, s := range segments {
		md.CompressedSize += s.Size
	}
	if begin, end, ok := w.dicts.Timestamp.Bounds(); ok {
		md.BeginTimestamp = &begin
		md.EndTimestamp = &end
	}
	return md
}

func (w *Writer) writeMetadata(md *Metadata) error {
	data, err := gojson.MarshalIndent(md, "", "  ")
	if err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeInternal, "failed to encode metadata")
	}
	path := filepath.Join(w.archivePath, MetadataFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to write metadata").
			WithDetail("path", path)
	}
	return nil
}

// ID returns the archive id, set by Open
func (w *Writer) ID() uuid.UUID {
	return w.opts.ID
}

// Options returns the options the writer was opened with
func (w *Writer) Options() Options {
	return w.opts
}

// Path returns the archive directory
func (w *Writer) Path() string {
	return w.archivePath
}

// DataSize returns the total encoded size of all appended values
func (w *Writer) DataSize() int64 {
	return w.dataSize
}

// NumRecords returns the number of appended records
func (w *Writer) NumRecords() int64 {
	return w.numRecords
}

// NumSchemas returns the number of schema writers
func (w *Writer) NumSchemas() int {
	return len(w.schemaWriters)
}

// SchemaWriter returns the schema writer of schemaID, if any
func (w *Writer) SchemaWriter(schemaID int32) (*SchemaWriter, bool) {
	sw, ok := w.schemaWriters[schemaID]
	return sw, ok
}
