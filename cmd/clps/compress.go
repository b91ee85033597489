package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gibber9809/clp-structured/internal/archive"
	"github.com/gibber9809/clp-structured/internal/ingest"
	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/config"
	"github.com/gibber9809/clp-structured/pkg/logger"
	"github.com/gibber9809/clp-structured/pkg/metrics"
	"github.com/gibber9809/clp-structured/pkg/observability"
	"github.com/gibber9809/clp-structured/pkg/schemamap"
	"github.com/gibber9809/clp-structured/pkg/schematree"
)

// envPrefix namespaces environment overrides, e.g. CLPS_WORKERS.
const envPrefix = "CLPS"

func newCompressCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "compress [input files...]",
		Short: "Compress JSON-lines input into a new archive",
		Long: `Compress reads JSON-lines from the given files (or stdin when none are given,
or for "-") and writes one archive under the output directory.
Files ending in .gz are decompressed on the fly.

Settings are resolved from, in increasing priority: built-in defaults, the
YAML file given with --config, CLPS_* environment variables, and flags.

Example:
  clps compress --output-dir ./archives --compression zstd logs/*.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			return runCompress(cmd.Context(), cmd, cfg, v.GetString("archive-id"), args)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "Path to YAML configuration file")
	flags.StringP("output-dir", "o", "", "Directory under which the archive is created")
	flags.String("archive-id", "", "Archive UUID (random when empty)")
	flags.String("compression", "", "Segment codec: zstd, lz4, s2, snappy, gzip, none")
	flags.Int("compression-level", 0, "Compression level 1-9")
	flags.Int("workers", 0, "Number of parallel ingestion workers")
	flags.Int("batch-size", 0, "Input lines handed to a worker at once")
	flags.String("timestamp-key", "", "Top-level key tracked in the timestamp dictionary")
	flags.Int("max-depth", 0, "Object depth past which objects are stored truncated")
	flags.Bool("skip-invalid", false, "Skip malformed lines instead of failing")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address while running")
	flags.String("trace-file", "", "Export OpenTelemetry spans to this file")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return cmd
}

// resolveConfig layers the config file, environment and flags over the
// defaults. Only explicitly set keys override lower layers.
func resolveConfig(v *viper.Viper) (*config.ArchiveConfig, error) {
	cfg := config.DefaultArchiveConfig()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v.IsSet("output-dir") {
		cfg.Archive.Dir = v.GetString("output-dir")
	}
	if v.IsSet("compression") {
		cfg.Archive.CompressionAlgorithm = v.GetString("compression")
	}
	if v.IsSet("compression-level") {
		cfg.Archive.CompressionLevel = v.GetInt("compression-level")
	}
	if v.IsSet("workers") {
		cfg.Ingest.Workers = v.GetInt("workers")
	}
	if v.IsSet("batch-size") {
		cfg.Ingest.BatchSize = v.GetInt("batch-size")
	}
	if v.IsSet("timestamp-key") {
		cfg.Ingest.TimestampKey = v.GetString("timestamp-key")
	}
	if v.IsSet("max-depth") {
		cfg.Ingest.MaxDepth = v.GetInt("max-depth")
	}
	if v.IsSet("skip-invalid") {
		cfg.Ingest.SkipInvalid = v.GetBool("skip-invalid")
	}
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v.GetString("metrics-addr")
	}

	if v.IsSet("trace-file") {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OutputPath = v.GetString("trace-file")
	}
	cfg.Tracing.ServiceVersion = version

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCompress(ctx context.Context, cmd *cobra.Command, cfg *config.ArchiveConfig, archiveID string, inputs []string) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get().With(zap.String("component", "clps-cli"))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	comp, err := cfg.Compression()
	if err != nil {
		return err
	}
	id := uuid.Nil
	if archiveID != "" {
		if id, err = uuid.Parse(archiveID); err != nil {
			return fmt.Errorf("invalid archive id %q: %w", archiveID, err)
		}
	}

	tree := schematree.New()
	schemas := schemamap.New()
	dicts := archive.NewDictionaries()
	writer := archive.NewWriter(tree, schemas, dicts,
		archive.WithLogger(log),
		archive.WithStoreConcurrency(cfg.Archive.StoreConcurrency))
	if err := writer.Open(archive.Options{ID: id, ArchiveDir: cfg.Archive.Dir, Compression: *comp}); err != nil {
		return err
	}

	in := ingest.New(tree, schemas, dicts, ingest.Options{
		Workers:     cfg.Ingest.GetWorkers(),
		BatchSize:   cfg.Ingest.BatchSize,
		SkipInvalid: cfg.Ingest.SkipInvalid,
		Parser: ingest.ParserOptions{
			TimestampKey: cfg.Ingest.TimestampKey,
			MaxDepth:     cfg.Ingest.MaxDepth,
		},
	}, log)

	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	start := time.Now()
	var total ingest.Stats
	for _, input := range inputs {
		stats, err := ingestInput(ctx, in, writer, input, cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", input, err)
		}
		total.Lines += stats.Lines
		total.Records += stats.Records
		total.Skipped += stats.Skipped
	}

	if err := writer.Close(ctx); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	duration := time.Since(start)
	log.Info("compression completed",
		zap.String("archive", writer.Path()),
		zap.Duration("duration", duration),
		zap.Int64("records", total.Records),
		zap.Int64("skipped", total.Skipped),
		zap.Float64("records_per_second", float64(total.Records)/duration.Seconds()))
	fmt.Fprintln(cmd.OutOrStdout(), writer.Path())
	return nil
}

func ingestInput(ctx context.Context, in *ingest.Ingester, w *archive.Writer, input string, stdin io.Reader) (ingest.Stats, error) {
	if input == "-" {
		return in.Run(ctx, stdin, w)
	}

	f, err := os.Open(input) //nolint:gosec // G304: operator-supplied input path
	if err != nil {
		return ingest.Stats{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(input) == ".gz" {
		gz, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Gzip})
		if err != nil {
			return ingest.Stats{}, err
		}
		zr, err := gz.NewReader(f)
		if err != nil {
			return ingest.Stats{}, err
		}
		defer zr.Close()
		r = zr
	}
	return in.Run(ctx, r, w)
}
