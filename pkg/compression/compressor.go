// Package compression provides the codecs driftsync uses for stored
// sync data.
//
// The file connector seals changelog segments, the dead-letter file
// sink archives drained entries, and the s3 connector writes change
// objects through a Compressor; which codec runs is chosen per store
// in configuration. Supported algorithms trade speed against ratio:
//
//   - Snappy/S2: fastest, moderate compression
//   - LZ4: very fast, decent compression
//   - Zstd: best ratio at good speed, the default for archives
//   - Gzip: widest compatibility
//   - None: passthrough
//
// Compressor instances are safe for concurrent use.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	jsonpool "github.com/driftsync/driftsync/pkg/json"
)

// Algorithm names a compression codec. The zero value is not valid;
// use None for explicit passthrough.
type Algorithm string

const (
	None   Algorithm = "none"
	Gzip   Algorithm = "gzip"
	Snappy Algorithm = "snappy"
	LZ4    Algorithm = "lz4"
	Zstd   Algorithm = "zstd"
	S2     Algorithm = "s2"
)

// ParseAlgorithm maps a configuration string to an Algorithm. The empty
// string means no compression.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", None:
		return None, nil
	case Gzip, Snappy, LZ4, Zstd, S2:
		return Algorithm(s), nil
	default:
		return None, fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Extension returns the conventional file suffix for the algorithm,
// including the leading dot. None returns an empty string.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".snappy"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

// Level selects the speed/ratio trade-off for codecs that support one.
// Snappy and S2 ignore it.
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

// String returns a human-readable level name.
func (l Level) String() string {
	switch l {
	case Fastest:
		return "fastest"
	case Default:
		return "default"
	case Better:
		return "better"
	case Best:
		return "best"
	default:
		return "unknown"
	}
}

// Compressor compresses and decompresses whole payloads. All
// implementations are safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)

	// Algorithm reports which codec this compressor runs, so stores
	// can name output files with the matching Extension.
	Algorithm() Algorithm
}

// Config selects a codec and its level.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// DefaultConfig returns a configuration balanced between speed and ratio.
func DefaultConfig() *Config {
	return &Config{Algorithm: Zstd, Level: Default}
}

// NewCompressor creates a compressor for the configured algorithm. A nil
// config selects DefaultConfig.
func NewCompressor(cfg *Config) (Compressor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Algorithm {
	case None:
		return noneCodec{}, nil
	case Gzip:
		return newGzipCodec(cfg.Level), nil
	case Snappy:
		return snappyCodec{}, nil
	case LZ4:
		return lz4Codec{level: lz4Level(cfg.Level)}, nil
	case Zstd:
		return newZstdCodec(cfg.Level), nil
	case S2:
		return s2Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", cfg.Algorithm)
	}
}

// NewCompressorFor is a convenience for store configuration: it parses
// the algorithm name and builds a compressor at the default level.
func NewCompressorFor(name string) (Compressor, error) {
	algo, err := ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Algorithm = algo
	return NewCompressor(cfg)
}

// compressTo runs a writer-based codec into a pooled buffer and copies
// the result out before the buffer is recycled.
func compressTo(data []byte, wrap func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	w, err := wrap(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// decompressFrom drains a reader-based codec through a pooled buffer.
func decompressFrom(r io.Reader) ([]byte, error) {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// noneCodec passes data through untouched so callers never have to
// special-case disabled compression.
type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm                   { return None }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// gzipCodec pools gzip.Readers; allocating one per Decompress call
// dominates the cost of small archives.
type gzipCodec struct {
	level   int
	readers sync.Pool
}

func newGzipCodec(l Level) *gzipCodec {
	c := &gzipCodec{level: gzipLevel(l)}
	c.readers.New = func() interface{} {
		return new(gzip.Reader)
	}
	return c
}

func (c *gzipCodec) Algorithm() Algorithm { return Gzip }

func (c *gzipCodec) Compress(data []byte) ([]byte, error) {
	return compressTo(data, func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, c.level)
	})
}

func (c *gzipCodec) Decompress(data []byte) ([]byte, error) {
	r := c.readers.Get().(*gzip.Reader)
	defer c.readers.Put(r)

	if err := r.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return decompressFrom(r)
}

type snappyCodec struct{}

func (snappyCodec) Algorithm() Algorithm { return Snappy }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func (c lz4Codec) Algorithm() Algorithm { return LZ4 }

func (c lz4Codec) Compress(data []byte) ([]byte, error) {
	return compressTo(data, func(w io.Writer) (io.WriteCloser, error) {
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
			return nil, err
		}
		return lw, nil
	})
}

func (c lz4Codec) Decompress(data []byte) ([]byte, error) {
	return decompressFrom(lz4.NewReader(bytes.NewReader(data)))
}

// zstdCodec reuses encoder and decoder instances through pools; zstd
// spins up worker goroutines per instance, so churning them is costly.
type zstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCodec(l Level) *zstdCodec {
	level := zstdLevel(l)

	c := &zstdCodec{}
	c.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		return enc
	}
	c.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}
	return c
}

func (c *zstdCodec) Algorithm() Algorithm { return Zstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	return enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	return dec.DecodeAll(data, nil)
}

type s2Codec struct{}

func (s2Codec) Algorithm() Algorithm { return S2 }

func (s2Codec) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (s2Codec) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

func gzipLevel(l Level) int {
	switch l {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func lz4Level(l Level) lz4.CompressionLevel {
	switch l {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func zstdLevel(l Level) zstd.EncoderLevel {
	switch l {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
