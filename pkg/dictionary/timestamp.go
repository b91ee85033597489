package dictionary

import (
	"io"
	"sort"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/gibber9809/clp-structured/pkg/compression"
)

// TimestampRange is the observed epoch range of one timestamp key.
type TimestampRange struct {
	Key   string `json:"key"`
	Begin int64  `json:"begin"`
	End   int64  `json:"end"`
}

// TimestampWriter tracks per-key timestamp ranges for the archive.
type TimestampWriter struct {
	mu     sync.Mutex
	ranges map[string]*TimestampRange
}

// NewTimestampWriter creates an empty timestamp dictionary
func NewTimestampWriter() *TimestampWriter {
	return &TimestampWriter{ranges: make(map[string]*TimestampRange)}
}

// Ingest widens the range of key to include epoch.
func (t *TimestampWriter) Ingest(key string, epoch int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.ranges[key]
	if !ok {
		t.ranges[key] = &TimestampRange{Key: key, Begin: epoch, End: epoch}
		return
	}
	if epoch < r.Begin {
		r.Begin = epoch
	}
	if epoch > r.End {
		r.End = epoch
	}
}

// Ranges returns a snapshot sorted by key
func (t *TimestampWriter) Ranges() []TimestampRange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TimestampRange, 0, len(t.ranges))
	for _, r := range t.ranges {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Bounds returns the overall begin/end across all keys.
func (t *TimestampWriter) Bounds() (begin, end int64, ok bool) {
	for i, r := range t.Ranges() {
		if i == 0 || r.Begin < begin {
			begin = r.Begin
		}
		if i == 0 || r.End > end {
			end = r.End
		}
		ok = true
	}
	return begin, end, ok
}

// Store writes the ranges as a JSON array inside a compressed stream.
func (t *TimestampWriter) Store(path string, cfg *compression.Config) error {
	ranges := t.Ranges()
	return compression.WriteCompressedFile(path, cfg, func(w io.Writer) error {
		return gojson.NewEncoder(w).Encode(ranges)
	})
}
