package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allAlgorithms = []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}

// closeTracker records whether Close reached the underlying sink.
type closeTracker struct {
	bytes.Buffer
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestCompressorRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("timestamp=1700000000 level=info msg=\"request served\" "), 64)

	for _, algorithm := range allAlgorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, algorithm, compressor.Algorithm())
			assert.Equal(t, Default, compressor.Level())

			compressed, err := compressor.Compress(original)
			require.NoError(t, err)

			decompressed, err := compressor.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestStreamWriterLeavesSinkOpen(t *testing.T) {
	for _, algorithm := range allAlgorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: Fastest})
			require.NoError(t, err)

			sink := &closeTracker{}
			sink.WriteString("HDR!")

			w, err := compressor.NewWriter(sink)
			require.NoError(t, err)
			_, err = w.Write([]byte("column-0"))
			require.NoError(t, err)
			_, err = w.Write([]byte("column-1"))
			require.NoError(t, err)
			require.NoError(t, w.Close())
			assert.False(t, sink.closed)

			raw := sink.Bytes()
			require.Equal(t, "HDR!", string(raw[:4]))

			r, err := compressor.NewReader(bytes.NewReader(raw[4:]))
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "column-0column-1", string(got))
		})
	}
}

func TestCompressionLevels(t *testing.T) {
	testData := bytes.Repeat([]byte("test data for compression "), 100)

	for _, level := range []Level{Fastest, Default, Better, Best} {
		t.Run(level.String(), func(t *testing.T) {
			compressor, err := NewCompressor(&Config{Algorithm: LZ4, Level: level})
			require.NoError(t, err)

			compressed, err := compressor.Compress(testData)
			require.NoError(t, err)

			decompressed, err := compressor.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, testData, decompressed)
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	a, err = ParseAlgorithm(" LZ4 ")
	require.NoError(t, err)
	assert.Equal(t, LZ4, a)

	_, err = ParseAlgorithm("brotli")
	assert.Error(t, err)

	_, err = NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestLevelFromInt(t *testing.T) {
	assert.Equal(t, Default, LevelFromInt(0))
	assert.Equal(t, Fastest, LevelFromInt(1))
	assert.Equal(t, Default, LevelFromInt(3))
	assert.Equal(t, Better, LevelFromInt(6))
	assert.Equal(t, Best, LevelFromInt(19))
	assert.Equal(t, "Unknown", Level(4).String())
}

func TestNilConfigUsesDefault(t *testing.T) {
	compressor, err := NewCompressor(nil)
	require.NoError(t, err)
	assert.Equal(t, Zstd, compressor.Algorithm())
}
