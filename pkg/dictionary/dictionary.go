// Package dictionary holds the archive-global deduplicating dictionaries.
// Ids are resolved before a record reaches a schema writer, so column writers
// only ever see integer ids.
package dictionary

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
	"github.com/gibber9809/clp-structured/pkg/compression"
)

// Writer maps entries to dense ids. Safe for concurrent use.
type Writer struct {
	mu      sync.RWMutex
	name    string
	ids     map[string]uint64
	entries []string
	size    int64
}

// NewWriter creates an empty dictionary. name only appears in logs and errors.
func NewWriter(name string) *Writer {
	return &Writer{name: name, ids: make(map[string]uint64)}
}

// Name returns the dictionary name
func (w *Writer) Name() string {
	return w.name
}

// AddEntry returns the id of value, assigning the next id on first sight.
// added reports whether the entry was new.
func (w *Writer) AddEntry(value string) (id uint64, added bool) {
	w.mu.RLock()
	id, ok := w.ids[value]
	w.mu.RUnlock()
	if ok {
		return id, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.ids[value]; ok {
		return id, false
	}
	id = uint64(len(w.entries))
	w.entries = append(w.entries, value)
	w.ids[value] = id
	w.size += int64(len(value))
	return id, true
}

// Entry returns the value stored under id
func (w *Writer) Entry(id uint64) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if id >= uint64(len(w.entries)) {
		return "", false
	}
	return w.entries[id], true
}

// Len returns the number of entries
func (w *Writer) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// DataSize returns the total byte length of all entries
func (w *Writer) DataSize() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Store writes the entry count followed by uvarint length-prefixed entries in
// id order inside a compressed stream.
func (w *Writer) Store(path string, cfg *compression.Config) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	err := compression.WriteCompressedFile(path, cfg, func(out io.Writer) error {
		var scratch [binary.MaxVarintLen64]byte
		if err := binary.Write(out, binary.LittleEndian, uint64(len(w.entries))); err != nil {
			return err
		}
		for _, e := range w.entries {
			n := binary.PutUvarint(scratch[:], uint64(len(e)))
			if _, err := out.Write(scratch[:n]); err != nil {
				return err
			}
			if _, err := io.WriteString(out, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to store dictionary").
			WithDetail("dictionary", w.name)
	}
	return nil
}

// Read decodes a dictionary written by Store into its entries.
func Read(r io.Reader) ([]string, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated dictionary header")
	}
	br := byteReader{r: r}
	entries := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := binary.ReadUvarint(&br)
		if err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated dictionary entry")
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeData, "truncated dictionary entry")
		}
		entries = append(entries, string(buf))
	}
	return entries, nil
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
