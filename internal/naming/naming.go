// Package naming parses and formats the blob names the pipeline stages use
// to hand work to each other. A name carries the slot range, the block-time
// range, the upload time and the producing worker.
package naming

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Object prefixes on the data bucket.
const (
	RawPrefix       = "raw_data/"
	ProcessedPrefix = "processed_data/"
)

// Raw batch extensions.
const (
	ExtJSON     = ".json"
	ExtJSONGzip = ".json.gzip"
	ExtJSONZstd = ".json.zst"
)

// ExtParquetGzip is the extension of columnar files written by the parser.
const ExtParquetGzip = ".parquet.gzip"

var (
	// ErrUnrecognized is returned for names that do not follow a known layout.
	ErrUnrecognized = errors.New("unrecognized file name")
)

// Raw batch naming pattern:
// raw_data/slots_{first}_{last}_{first_ts}_{last_ts}_{upload_ts}_{worker}.json[.gzip|.zst]
var rawFilePattern = regexp.MustCompile(
	`^raw_data/slots_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)\.json(\.gzip|\.zst)?$`)

// Columnar naming pattern (matched on the base name):
// {entity}_slots_{first}_{last}_{first_ts}_{last_ts}_{upload_ts}_{worker}.parquet[.gzip]
var columnarFilePattern = regexp.MustCompile(
	`^(blocks|rewards|transactions)_slots_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)\.parquet(\.gzip)?$`)

// Span is the information encoded in every batch file name.
type Span struct {
	FirstSlot uint64
	LastSlot  uint64
	FirstTime int64 // min non-zero blockTime, 0 if none
	LastTime  int64 // max non-zero blockTime, 0 if none
	Timestamp int64 // upload time, unix seconds
	WorkerID  int
}

// RawFile describes a raw batch blob.
type RawFile struct {
	Span
	Name string // full object key
	Ext  string // ".json", ".json.gzip" or ".json.zst"
}

// ColumnarFile describes a per-entity columnar blob.
type ColumnarFile struct {
	Span
	Name   string // object key as listed
	Entity string
	Gzip   bool
}

// ParseRaw parses a raw batch object key.
func ParseRaw(name string) (RawFile, error) {
	m := rawFilePattern.FindStringSubmatch(name)
	if m == nil {
		return RawFile{}, fmt.Errorf("%w: %s", ErrUnrecognized, name)
	}

	span, err := parseSpan(m[1:7])
	if err != nil {
		return RawFile{}, fmt.Errorf("%w: %s: %v", ErrUnrecognized, name, err)
	}

	return RawFile{Span: span, Name: name, Ext: ExtJSON + m[7]}, nil
}

// ParseColumnar parses a columnar object key. Only the base name is matched,
// so keys under any prefix are accepted.
func ParseColumnar(name string) (ColumnarFile, error) {
	m := columnarFilePattern.FindStringSubmatch(path.Base(name))
	if m == nil {
		return ColumnarFile{}, fmt.Errorf("%w: %s", ErrUnrecognized, name)
	}

	span, err := parseSpan(m[2:8])
	if err != nil {
		return ColumnarFile{}, fmt.Errorf("%w: %s: %v", ErrUnrecognized, name, err)
	}

	return ColumnarFile{Span: span, Name: name, Entity: m[1], Gzip: m[8] != ""}, nil
}

func parseSpan(fields []string) (Span, error) {
	var nums [6]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Span{}, err
		}
		nums[i] = v
	}
	return Span{
		FirstSlot: nums[0],
		LastSlot:  nums[1],
		FirstTime: int64(nums[2]),
		LastTime:  int64(nums[3]),
		Timestamp: int64(nums[4]),
		WorkerID:  int(nums[5]),
	}, nil
}

func (s Span) body() string {
	return fmt.Sprintf("slots_%d_%d_%d_%d_%d_%d",
		s.FirstSlot, s.LastSlot, s.FirstTime, s.LastTime, s.Timestamp, s.WorkerID)
}

// RawName formats the object key of a raw batch.
func RawName(s Span, ext string) string {
	return RawPrefix + s.body() + ext
}

// ColumnarBase formats the base name of a columnar file.
func ColumnarBase(entity string, s Span) string {
	return entity + "_" + s.body() + ExtParquetGzip
}

// BaseName strips the raw prefix and every extension from a raw object key:
// "raw_data/slots_1_2_3_4_5_0.json.gzip" becomes "slots_1_2_3_4_5_0".
func BaseName(rawName string) string {
	base := strings.TrimPrefix(rawName, RawPrefix)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}

// ProcessedName returns the columnar object key the parser writes for one
// entity of a raw batch.
func ProcessedName(entity, rawName string) string {
	return ProcessedPrefix + entity + "_" + BaseName(rawName) + ExtParquetGzip
}
