package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibber9809/clp-structured/internal/archive"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "clps v"+version)
}

func TestCompressCommand(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(
		`{"ts":1,"msg":"service started","pid":42}`+"\n"+
			`{"ts":2,"msg":"request served","status":200,"path":"/index"}`+"\n"), 0o600))

	outDir := filepath.Join(dir, "archives")
	out, err := execute(t, "compress",
		"--output-dir", outDir,
		"--workers", "2",
		"--timestamp-key", "ts",
		"--log-level", "error",
		"--archive-id", "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"--trace-file", filepath.Join(dir, "spans.json"),
		input)
	require.NoError(t, err)

	archivePath := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(outDir, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"), archivePath)
	assert.FileExists(t, filepath.Join(archivePath, archive.MetadataFile))
	assert.DirExists(t, filepath.Join(archivePath, archive.EncodedMessagesDir))

	spans, err := os.ReadFile(filepath.Join(dir, "spans.json"))
	require.NoError(t, err)
	assert.Contains(t, string(spans), "archive.Close")
}

func TestCompressRejectsBadSettings(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("CLPS_COMPRESSION", "rar")
	_, err := execute(t, "compress", "--output-dir", dir, "--log-level", "error")
	assert.Error(t, err)

	t.Setenv("CLPS_COMPRESSION", "")
	_, err = execute(t, "compress", "--output-dir", dir, "--log-level", "error", "--archive-id", "nope")
	assert.Error(t, err)

	_, err = execute(t, "compress", "--output-dir", dir, "--log-level", "error", filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}
