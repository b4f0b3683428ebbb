// Package rawbatch encodes the raw batch blobs written by the collector:
// a JSON array of per-slot records, optionally gzip or zstd framed.
package rawbatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/slot-indexer/internal/naming"
)

// Slot outcome statuses stored in each record.
const (
	StatusOK                 = "ok"
	StatusSkipped            = "skipped"
	StatusEmpty              = "empty"
	StatusError              = "error"
	StatusNetworkError       = "network_error"
	StatusMaxRetriesExceeded = "max_retries_exceeded"
)

// CodeOK is stored on records that came back with a result.
const CodeOK = 200

var (
	// ErrNotObject is returned when a block result is not a JSON object.
	ErrNotObject = errors.New("block result is not a JSON object")
)

// Meta is the bookkeeping merged into every record.
type Meta struct {
	Slot        uint64 `json:"slot"`
	Status      string `json:"status"`
	CollectedAt int64  `json:"collected_at"`
	BlockTime   *int64 `json:"blockTime,omitempty"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// Header is the subset of a record that routing and naming depend on.
type Header struct {
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"blockTime"`
	Status    string `json:"status"`
}

// ReadHeader decodes the routing fields of a record. A null blockTime reads as 0.
func ReadHeader(rec json.RawMessage) (Header, error) {
	var h Header
	if err := json.Unmarshal(rec, &h); err != nil {
		return Header{}, fmt.Errorf("decode record header: %w", err)
	}
	return h, nil
}

// Stub builds a record that carries no block body.
func Stub(meta Meta) (json.RawMessage, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal stub for slot %d: %w", meta.Slot, err)
	}
	return data, nil
}

// Annotate merges meta into a block object, keeping every other field as is.
func Annotate(block json.RawMessage, meta Meta) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(block, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("slot %d: %w", meta.Slot, ErrNotObject)
	}

	put := func(k string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[k] = raw
		return nil
	}
	for _, kv := range []struct {
		k string
		v any
	}{
		{"slot", meta.Slot},
		{"status", meta.Status},
		{"collected_at", meta.CollectedAt},
		{"code", meta.Code},
		{"message", meta.Message},
	} {
		if err := put(kv.k, kv.v); err != nil {
			return nil, fmt.Errorf("annotate slot %d: %w", meta.Slot, err)
		}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("annotate slot %d: %w", meta.Slot, err)
	}
	return out, nil
}

// Codec compresses and decompresses raw batches.
type Codec struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewCodec creates a codec. Close releases the zstd resources.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{zstdEncoder: enc, zstdDecoder: dec}, nil
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// Extension maps a compression setting to the raw batch file extension.
func Extension(compression string) string {
	switch compression {
	case "gzip":
		return naming.ExtJSONGzip
	case "zstd":
		return naming.ExtJSONZstd
	default:
		return naming.ExtJSON
	}
}

// Encode serializes records as a JSON array framed for the given extension.
func (c *Codec) Encode(records []json.RawMessage, ext string) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	switch ext {
	case naming.ExtJSONGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip batch: %w", err)
		}
		return buf.Bytes(), nil
	case naming.ExtJSONZstd:
		return c.zstdEncoder.EncodeAll(data, nil), nil
	case naming.ExtJSON:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported raw batch extension %q", ext)
	}
}

// Decode reads a raw batch blob, choosing the framing from the object name.
func (c *Codec) Decode(data []byte, name string) ([]json.RawMessage, error) {
	var raw []byte
	switch {
	case strings.HasSuffix(name, ".gzip"):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", name, err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", name, err)
		}
	case strings.HasSuffix(name, ".zst"):
		var err error
		raw, err = c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", name, err)
		}
	default:
		raw = data
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse batch %s: %w", name, err)
	}
	return records, nil
}
