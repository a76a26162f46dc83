package batcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

// Payload encodings.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
)

// Compressor is the pluggable transform applied to each serialized sub-batch.
type Compressor interface {
	Encoding() string
	Compress(src []byte) ([]byte, error)
}

// NewCompressor returns the compressor for name; "" and "none" return nil.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", "none", EncodingIdentity:
		return nil, nil
	case EncodingGzip:
		return GzipCompressor{Level: gzip.DefaultCompression}, nil
	case EncodingZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// GzipCompressor compresses with gzip at Level.
type GzipCompressor struct {
	Level int
}

func (GzipCompressor) Encoding() string { return EncodingGzip }

func (g GzipCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ZstdCompressor reuses one encoder; EncodeAll is safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &ZstdCompressor{enc: enc}, nil
}

func (*ZstdCompressor) Encoding() string { return EncodingZstd }

func (z *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

// Decode reverses the payload transform and returns the batch's events.
func Decode(b Batch) ([]*event.Event, error) {
	raw, err := decompress(b.Encoding, b.Payload)
	if err != nil {
		return nil, err
	}
	var evs []*event.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", b.ID, err)
	}
	return evs, nil
}

func decompress(encoding string, payload []byte) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		return payload, nil
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case EncodingZstd:
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer d.Close()
		return d.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Subset returns a copy of b carrying only evs, re-encoded with b's encoding.
func Subset(b Batch, evs []*event.Event) (Batch, error) {
	raw, err := json.Marshal(evs)
	if err != nil {
		return Batch{}, fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	out := b
	out.Events = evs
	out.Payload = raw
	out.RawBytes = len(raw)
	out.Encoding = EncodingIdentity
	c, err := sharedCompressor(b.Encoding)
	if err != nil {
		return Batch{}, err
	}
	if c != nil {
		if out.Payload, err = c.Compress(raw); err != nil {
			return Batch{}, fmt.Errorf("compress batch %s: %w", b.ID, err)
		}
		out.Encoding = c.Encoding()
	}
	return out, nil
}

var shared = struct {
	sync.Mutex
	byEncoding map[string]Compressor
}{byEncoding: make(map[string]Compressor)}

// sharedCompressor returns one long-lived compressor per encoding. zstd
// encoders hold goroutines and buffers until closed, so they are built once
// and reused.
func sharedCompressor(encoding string) (Compressor, error) {
	shared.Lock()
	defer shared.Unlock()
	if c, ok := shared.byEncoding[encoding]; ok {
		return c, nil
	}
	c, err := NewCompressor(encoding)
	if err != nil {
		return nil, err
	}
	shared.byEncoding[encoding] = c
	return c, nil
}
