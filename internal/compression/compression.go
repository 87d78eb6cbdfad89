// Package compression implements the payload compression algorithms a topic can use.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type Algorithm uint8

const (
	None Algorithm = iota
	Gzip
	Zstd
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	zstdEncoder, zstdErr = zstd.NewWriter(nil)
	if zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil)
}

// Parse accepts the names produced by String, case-insensitively.
func Parse(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown compression algorithm %q", s)
}

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Compress returns src encoded with a. None returns src unchanged.
func (a Algorithm) Compress(src []byte) ([]byte, error) {
	switch a {
	case None:
		return src, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		zstdOnce.Do(initZstd)
		if zstdErr != nil {
			return nil, fmt.Errorf("zstd init: %w", zstdErr)
		}
		return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src))), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm %d", uint8(a))
}

// Decompress reverses Compress.
func (a Algorithm) Decompress(src []byte) ([]byte, error) {
	switch a {
	case None:
		return src, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	case Zstd:
		zstdOnce.Do(initZstd)
		if zstdErr != nil {
			return nil, fmt.Errorf("zstd init: %w", zstdErr)
		}
		out, err := zstdDecoder.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm %d", uint8(a))
}
