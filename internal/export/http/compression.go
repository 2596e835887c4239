package http

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// Codec compresses and decompresses request bodies for one algorithm.
type Codec interface {
	// Name returns the configured algorithm name.
	Name() string
	// ContentEncoding returns the HTTP Content-Encoding value, empty for none.
	ContentEncoding() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Close() error
}

// NewCodec returns the codec for algorithm. An empty algorithm means none.
func NewCodec(algorithm string) (Codec, error) {
	switch algorithm {
	case CompressionNone, "":
		return identityCodec{}, nil
	case CompressionGzip:
		return gzipCodec{}, nil
	case CompressionZlib:
		return zlibCodec{}, nil
	case CompressionSnappy:
		return snappyCodec{}, nil
	case CompressionZstd:
		return newZstdCodec()
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// CodecForContentEncoding maps an HTTP Content-Encoding header value back to
// a codec. Unknown encodings return an error.
func CodecForContentEncoding(encoding string) (Codec, error) {
	switch encoding {
	case "", "identity":
		return identityCodec{}, nil
	case "gzip", "x-gzip":
		return gzipCodec{}, nil
	case "deflate":
		return zlibCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "zstd":
		return newZstdCodec()
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}

type identityCodec struct{}

func (identityCodec) Name() string { return CompressionNone }
func (identityCodec) ContentEncoding() string { return "" }
func (identityCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (identityCodec) Decode(data []byte) ([]byte, error) { return data, nil }
func (identityCodec) Close() error { return nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return CompressionGzip }
func (gzipCodec) ContentEncoding() string { return "gzip" }
func (gzipCodec) Close() error { return nil }

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

type zlibCodec struct{}

func (zlibCodec) Name() string { return CompressionZlib }
func (zlibCodec) ContentEncoding() string { return "deflate" }
func (zlibCodec) Close() error { return nil }

func (zlibCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}

	return buf.Bytes(), nil
}

func (zlibCodec) Decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return CompressionSnappy }
func (snappyCodec) ContentEncoding() string { return "snappy" }
func (snappyCodec) Close() error { return nil }

func (snappyCodec) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// zstdCodec keeps one encoder and decoder; both are expensive to build and
// safe for concurrent EncodeAll/DecodeAll.
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	once    sync.Once
}

func newZstdCodec() (*zstdCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()

		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &zstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCodec) Name() string { return CompressionZstd }
func (c *zstdCodec) ContentEncoding() string { return "zstd" }

func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}

	return out, nil
}

func (c *zstdCodec) Close() error {
	var err error

	c.once.Do(func() {
		c.decoder.Close()
		err = c.encoder.Close()
	})

	return err
}
