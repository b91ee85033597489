package ingest

import (
	"bufio"
	"context"
	"io"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gibber9809/clp-structured/internal/archive"
	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/pool"
	"github.com/gibber9809/clp-structured/pkg/schemamap"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

const maxLineSize = 64 * 1024 * 1024

// Options configure an ingestion run.
type Options struct {
	Workers   int
	BatchSize int
	Parser    ParserOptions
	// SkipInvalid drops malformed lines instead of failing the run.
	SkipInvalid bool
}

// Stats summarize an ingestion run.
type Stats struct {
	Lines   int64
	Records int64
	Skipped int64
}

type line struct {
	number int64
	data   []byte
}

type batch struct {
	lines []line
}

// Ingester fans JSON lines out to workers that each own an archive.Writer,
// then folds the workers into the destination writer.
type Ingester struct {
	tree    *schematree.Tree
	schemas *schemamap.Map
	dicts   *archive.Dictionaries
	opts    Options
	logger  *zap.Logger
	batches *pool.Pool[*batch]
}

// New creates an ingester over the destination writer's shared state.
func New(tree *schematree.Tree, schemas *schemamap.Map, dicts *archive.Dictionaries, opts Options, logger *zap.Logger) *Ingester {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.BatchSize
	batches := pool.New(
		func() *batch { return &batch{lines: make([]line, 0, size)} },
		func(b *batch) {
			clear(b.lines)
			b.lines = b.lines[:0]
		},
	)
	return &Ingester{tree: tree, schemas: schemas, dicts: dicts, opts: opts, logger: logger, batches: batches}
}

// Run reads r to the end and appends every record to dst, which must be open
// and built over the same tree, schema map and dictionaries. Record order
// within a schema follows worker order, not input order.
func (in *Ingester) Run(ctx context.Context, r io.Reader, dst *archive.Writer) (Stats, error) {
	var stats Stats
	if dst.Path() == "" {
		return stats, archiveerrors.New(archiveerrors.ErrorTypeContract, "destination archive is not open")
	}

	workers := make([]*archive.Writer, in.opts.Workers)
	for i := range workers {
		w := archive.NewWriter(in.tree, in.schemas, in.dicts,
			archive.WithLogger(in.logger.With(zap.Int("worker", i))))
		if err := w.Open(dst.Options()); err != nil {
			return stats, err
		}
		workers[i] = w
	}

	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan *batch, in.opts.Workers)

	g.Go(func() error {
		defer close(batches)
		return in.read(ctx, r, batches, &stats)
	})

	for i, w := range workers {
		g.Go(func() error {
			return in.work(ctx, i, w, batches, &stats)
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	for i, w := range workers {
		if err := dst.Combine(w); err != nil {
			return stats, archiveerrors.Wrap(err, archiveerrors.ErrorTypeInternal, "failed to combine worker").
				WithDetail("worker", i)
		}
	}

	in.logger.Info("ingestion finished",
		zap.Int64("lines", stats.Lines),
		zap.Int64("records", stats.Records),
		zap.Int64("skipped", stats.Skipped),
		zap.Int("schemas", dst.NumSchemas()))
	return stats, nil
}

func (in *Ingester) read(ctx context.Context, r io.Reader, out chan<- *batch, stats *Stats) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	b := in.batches.Get()
	var n int64
	for scanner.Scan() {
		n++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		b.lines = append(b.lines, line{number: n, data: append([]byte(nil), data...)})
		if len(b.lines) < in.opts.BatchSize {
			continue
		}
		select {
		case out <- b:
			b = in.batches.Get()
		case <-ctx.Done():
			in.batches.Put(b)
			return ctx.Err()
		}
	}
	atomic.StoreInt64(&stats.Lines, n)
	if err := scanner.Err(); err != nil {
		in.batches.Put(b)
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to read input").
			WithDetail("line", n)
	}

	if len(b.lines) == 0 {
		in.batches.Put(b)
		return nil
	}
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		in.batches.Put(b)
		return ctx.Err()
	}
}

func (in *Ingester) work(ctx context.Context, id int, w *archive.Writer, batches <-chan *batch, stats *Stats) error {
	parser := NewParser(in.tree, in.schemas, in.dicts, in.opts.Parser)
	for b := range batches {
		if err := in.process(ctx, id, parser, w, b, stats); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingester) process(ctx context.Context, id int, parser *Parser, w *archive.Writer, b *batch, stats *Stats) error {
	defer in.batches.Put(b)
	for _, l := range b.lines {
		rec, err := parser.Parse(l.data)
		if err != nil {
			if in.opts.SkipInvalid && archiveerrors.IsType(err, archiveerrors.ErrorTypeData) {
				atomic.AddInt64(&stats.Skipped, 1)
				in.logger.Debug("skipping invalid record", zap.Int64("line", l.number), zap.Error(err))
				continue
			}
			return archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "failed to parse record").
				WithDetail("line", l.number).
				WithDetail("worker", id)
		}
		if err := w.AppendMessage(rec.SchemaID, rec.Schema, rec.Message); err != nil {
			return err
		}
		atomic.AddInt64(&stats.Records, 1)
	}
	return ctx.Err()
}
