// Package config holds the archive writer configuration.
//
// The configuration is organized into sections:
//   - Archive: output directory and compression settings
//   - Ingest: parallel worker settings for the fan-out/reduce path
//   - Logging: zap logger settings
//   - Metrics: prometheus exposure
//   - Tracing: OpenTelemetry span export
//
// Example usage:
//
//	cfg, err := config.Load("archive.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Archive.CompressionLevel = 9
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
	"github.com/gibber9809/clp-structured/pkg/logger"
	"github.com/gibber9809/clp-structured/pkg/observability"
)

// ArchiveConfig is the top-level configuration for one compression run.
type ArchiveConfig struct {
	Archive ArchiveSection              `yaml:"archive" json:"archive"`
	Ingest  IngestSection               `yaml:"ingest" json:"ingest"`
	Logging logger.Config               `yaml:"logging" json:"logging"`
	Metrics MetricsSection              `yaml:"metrics" json:"metrics"`
	Tracing observability.TracingConfig `yaml:"tracing" json:"tracing"`
}

// ArchiveSection controls where and how archives are written.
type ArchiveSection struct {
	// Dir is the directory under which each archive gets a <uuid> subdirectory
	Dir string `yaml:"dir" json:"dir"`
	// CompressionAlgorithm selects the segment codec (zstd, lz4, s2, snappy, gzip, none)
	CompressionAlgorithm string `yaml:"compression_algorithm" json:"compression_algorithm"`
	// CompressionLevel sets compression ratio vs speed (1-9)
	CompressionLevel int `yaml:"compression_level" json:"compression_level"`
	// StoreConcurrency bounds how many schema segments are written at once on close
	StoreConcurrency int `yaml:"store_concurrency" json:"store_concurrency"`
}

// IngestSection controls the parallel ingestion path.
type IngestSection struct {
	// Workers is the number of independent partial writers
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize is the number of input lines handed to a worker at once
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// TimestampKey names the field tracked in the timestamp dictionary
	TimestampKey string `yaml:"timestamp_key" json:"timestamp_key"`
	// MaxDepth is the nesting depth past which objects become truncated objects (0 = unlimited)
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
	// SkipInvalid drops malformed input lines instead of failing the run
	SkipInvalid bool `yaml:"skip_invalid" json:"skip_invalid"`
}

// MetricsSection controls prometheus exposure.
type MetricsSection struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// DefaultArchiveConfig returns the configuration used when no file is given.
func DefaultArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Archive: ArchiveSection{
			Dir:                  "archives",
			CompressionAlgorithm: string(compression.Zstd),
			CompressionLevel:     int(compression.Default),
			StoreConcurrency:     runtime.NumCPU(),
		},
		Ingest: IngestSection{
			Workers:   runtime.NumCPU(),
			BatchSize: 1000,
		},
		Logging: logger.DefaultConfig(),
		Metrics: MetricsSection{
			Enabled: false,
			Address: ":9090",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Compression resolves the archive section into a compressor configuration.
func (c *ArchiveConfig) Compression() (*compression.Config, error) {
	algorithm, err := compression.ParseAlgorithm(c.Archive.CompressionAlgorithm)
	if err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "invalid compression algorithm")
	}
	return &compression.Config{
		Algorithm: algorithm,
		Level:     compression.LevelFromInt(c.Archive.CompressionLevel),
	}, nil
}

// Validate checks required fields and value ranges.
func (c *ArchiveConfig) Validate() error {
	if c.Archive.Dir == "" {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "archive.dir is required")
	}
	if _, err := c.Compression(); err != nil {
		return err
	}
	if c.Archive.CompressionLevel < 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "archive.compression_level cannot be negative").
			WithDetail("value", c.Archive.CompressionLevel)
	}
	if c.Ingest.Workers < 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "ingest.workers cannot be negative").
			WithDetail("value", c.Ingest.Workers)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "tracing.sampling_rate must be within [0, 1]").
			WithDetail("value", c.Tracing.SamplingRate)
	}
	if c.Ingest.MaxDepth < 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "ingest.max_depth cannot be negative").
			WithDetail("value", c.Ingest.MaxDepth)
	}
	if c.Ingest.BatchSize <= 0 {
		return archiveerrors.New(archiveerrors.ErrorTypeConfig, "ingest.batch_size must be positive").
			WithDetail("value", c.Ingest.BatchSize)
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (s *IngestSection) GetWorkers() int {
	if s.Workers <= 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// Load reads a YAML file over the defaults, substituting ${VAR} references
// with environment values first.
func Load(filePath string) (*ArchiveConfig, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}

	cfg := DefaultArchiveConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(filePath string, cfg *ArchiveConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to write config file").
			WithDetail("path", filePath)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// An unterminated reference is left as is.
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.IndexByte(content[start:], '}')
		if end == -1 {
			break
		}
		end += start

		out.WriteString(content[:start])
		out.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	out.WriteString(content)
	return out.String()
}
