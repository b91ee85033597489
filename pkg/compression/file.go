package compression

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
)

// FileWriter owns an output file with an optional compressed stream opened
// after a raw header. Close order is stream first, then file.
type FileWriter struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	stream io.WriteCloser
	count  int64
}

// CreateFile creates (or truncates) path for writing.
func CreateFile(path string) (*FileWriter, error) {
	f, err := os.Create(path) //nolint:gosec // G304: archive paths are built by the writer
	if err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to create file").
			WithDetail("path", path)
	}
	return &FileWriter{path: path, file: f, buf: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Write writes raw bytes, or compressed bytes once OpenCompressor was called.
func (fw *FileWriter) Write(p []byte) (int, error) {
	if fw.stream != nil {
		return fw.stream.Write(p)
	}
	return fw.rawWrite(p)
}

func (fw *FileWriter) rawWrite(p []byte) (int, error) {
	n, err := fw.buf.Write(p)
	fw.count += int64(n)
	return n, err
}

// WriteNumeric writes a fixed-width little-endian uint64 straight to the file.
func (fw *FileWriter) WriteNumeric(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if _, err := fw.rawWrite(b[:]); err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to write header").
			WithDetail("path", fw.path)
	}
	return nil
}

// OpenCompressor starts a compressed stream after whatever was written so far.
func (fw *FileWriter) OpenCompressor(cfg *Config) error {
	comp, err := NewCompressor(cfg)
	if err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "invalid compression config")
	}
	stream, err := comp.NewWriter(rawSink{fw})
	if err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeCompression, "failed to open compressor").
			WithDetail("path", fw.path)
	}
	fw.stream = stream
	return nil
}

// BytesWritten returns the number of on-disk bytes written so far.
func (fw *FileWriter) BytesWritten() int64 {
	return fw.count
}

// Close flushes and closes the compressed stream (if any), then the file.
// The first error wins; the file is closed regardless.
func (fw *FileWriter) Close() error {
	var firstErr error
	if fw.stream != nil {
		if err := fw.stream.Close(); err != nil {
			firstErr = archiveerrors.Wrap(err, archiveerrors.ErrorTypeCompression, "failed to close compressor").
				WithDetail("path", fw.path)
		}
		fw.stream = nil
	}
	if fw.file == nil {
		return firstErr
	}
	if err := fw.buf.Flush(); err != nil && firstErr == nil {
		firstErr = archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to flush file").
			WithDetail("path", fw.path)
	}
	if err := fw.file.Close(); err != nil && firstErr == nil {
		firstErr = archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to close file").
			WithDetail("path", fw.path)
	}
	fw.file = nil
	return firstErr
}

// rawSink routes compressor output to the file without recursion through Write.
type rawSink struct {
	fw *FileWriter
}

func (s rawSink) Write(p []byte) (int, error) {
	return s.fw.rawWrite(p)
}

// WriteCompressedFile writes body through a compressed stream into path.
func WriteCompressedFile(path string, cfg *Config, body func(w io.Writer) error) error {
	fw, err := CreateFile(path)
	if err != nil {
		return err
	}
	if err := fw.OpenCompressor(cfg); err != nil {
		_ = fw.Close()
		return err
	}
	if err := body(fw); err != nil {
		_ = fw.Close()
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to write compressed body").
			WithDetail("path", path)
	}
	return fw.Close()
}

// OpenCompressedFile opens a file written by WriteCompressedFile (or the tail
// of one after skipping headerLen raw bytes) for decompressed reading.
func OpenCompressedFile(path string, cfg *Config, headerLen int64) (io.ReadCloser, []byte, error) {
	f, err := os.Open(path) //nolint:gosec // G304: caller-controlled archive path
	if err != nil {
		return nil, nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to open file").
			WithDetail("path", path)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to read header").
			WithDetail("path", path)
	}
	comp, err := NewCompressor(cfg)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	r, err := comp.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeCompression, "failed to open decompressor").
			WithDetail("path", path)
	}
	return &fileReader{ReadCloser: r, file: f}, header, nil
}

type fileReader struct {
	io.ReadCloser
	file *os.File
}

func (r *fileReader) Close() error {
	_ = r.ReadCloser.Close()
	return r.file.Close()
}
