package compression

import (
	"bytes"
	"sync"
	"testing"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	original := bytes.Repeat([]byte(`{"key":"u1","operation":"update","payload":{"name":"A"}}`+"\n"), 200)

	for _, algo := range []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2} {
		t.Run(string(algo), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
			if err != nil {
				t.Fatalf("Failed to create %s compressor: %v", algo, err)
			}
			if comp.Algorithm() != algo {
				t.Errorf("Algorithm() = %s, want %s", comp.Algorithm(), algo)
			}

			compressed, err := comp.Compress(original)
			if err != nil {
				t.Fatalf("Failed to compress: %v", err)
			}

			decompressed, err := comp.Decompress(compressed)
			if err != nil {
				t.Fatalf("Failed to decompress: %v", err)
			}
			if !bytes.Equal(original, decompressed) {
				t.Error("Decompressed data doesn't match original")
			}

			if algo != None && len(compressed) >= len(original) {
				t.Logf("Warning: compressed size (%d) not smaller than original (%d)",
					len(compressed), len(original))
			}
		})
	}
}

func TestCompressionLevels(t *testing.T) {
	testData := bytes.Repeat([]byte("dead letter archive payload "), 100)

	for _, algo := range []Algorithm{Gzip, LZ4, Zstd} {
		for _, level := range []Level{Fastest, Default, Better, Best} {
			t.Run(string(algo)+"/"+level.String(), func(t *testing.T) {
				comp, err := NewCompressor(&Config{Algorithm: algo, Level: level})
				if err != nil {
					t.Fatalf("Failed to create compressor: %v", err)
				}

				compressed, err := comp.Compress(testData)
				if err != nil {
					t.Fatalf("Failed to compress: %v", err)
				}
				decompressed, err := comp.Decompress(compressed)
				if err != nil {
					t.Fatalf("Failed to decompress: %v", err)
				}
				if !bytes.Equal(testData, decompressed) {
					t.Errorf("Round trip failed at level %v", level)
				}
			})
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", None, false},
		{"none", None, false},
		{"zstd", Zstd, false},
		{"gzip", Gzip, false},
		{"lz4", LZ4, false},
		{"snappy", Snappy, false},
		{"s2", S2, false},
		{"brotli", None, true},
	}

	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAlgorithm(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAlgorithm(%q) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAlgorithmExtension(t *testing.T) {
	if got := Zstd.Extension(); got != ".zst" {
		t.Errorf("Zstd.Extension() = %q, want .zst", got)
	}
	if got := None.Extension(); got != "" {
		t.Errorf("None.Extension() = %q, want empty", got)
	}
}

func TestNewCompressorFor(t *testing.T) {
	comp, err := NewCompressorFor("zstd")
	if err != nil {
		t.Fatalf("NewCompressorFor failed: %v", err)
	}
	if comp.Algorithm() != Zstd {
		t.Errorf("Algorithm() = %s, want zstd", comp.Algorithm())
	}

	if _, err := NewCompressorFor("sevenzip"); err == nil {
		t.Error("NewCompressorFor should reject unknown algorithms")
	}
}

// A single compressor is shared by the apply workers and the archive
// writer, so concurrent round trips must not interfere.
func TestConcurrentRoundTrips(t *testing.T) {
	comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: Fastest})
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + n)}, 1024*(n+1))
			for j := 0; j < 50; j++ {
				compressed, err := comp.Compress(payload)
				if err != nil {
					t.Errorf("Compress failed: %v", err)
					return
				}
				decompressed, err := comp.Decompress(compressed)
				if err != nil {
					t.Errorf("Decompress failed: %v", err)
					return
				}
				if !bytes.Equal(payload, decompressed) {
					t.Error("Concurrent round trip mismatch")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
