package rawbatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/slot-indexer/internal/naming"
)

func TestAnnotateKeepsBlockFields(t *testing.T) {
	block := json.RawMessage(`{"blockhash":"abc","blockTime":1700000000,"parentSlot":99}`)

	rec, err := Annotate(block, Meta{Slot: 100, Status: StatusOK, CollectedAt: 1700000100, Code: CodeOK, Message: "OK"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec, &got))
	assert.Equal(t, "abc", got["blockhash"])
	assert.EqualValues(t, 100, got["slot"])
	assert.Equal(t, "ok", got["status"])
	assert.EqualValues(t, 200, got["code"])

	h, err := ReadHeader(rec)
	require.NoError(t, err)
	assert.Equal(t, Header{Slot: 100, BlockTime: 1700000000, Status: StatusOK}, h)
}

func TestAnnotateRejectsNonObject(t *testing.T) {
	_, err := Annotate(json.RawMessage(`[1,2]`), Meta{Slot: 1})
	require.ErrorIs(t, err, ErrNotObject)

	_, err = Annotate(json.RawMessage(`null`), Meta{Slot: 1})
	require.ErrorIs(t, err, ErrNotObject)
}

func TestStubSkipped(t *testing.T) {
	zero := int64(0)
	rec, err := Stub(Meta{Slot: 5, Status: StatusSkipped, BlockTime: &zero, Code: -32007, Message: "Slot 5 was skipped"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"slot":5,"status":"skipped","collected_at":0,"blockTime":0,"code":-32007,"message":"Slot 5 was skipped"}`, string(rec))
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	records := []json.RawMessage{
		json.RawMessage(`{"slot":1,"status":"ok"}`),
		json.RawMessage(`{"slot":2,"status":"empty"}`),
	}

	for _, ext := range []string{naming.ExtJSON, naming.ExtJSONGzip, naming.ExtJSONZstd} {
		data, err := codec.Encode(records, ext)
		require.NoError(t, err, ext)

		got, err := codec.Decode(data, "raw_data/slots_1_2_0_0_9_0"+ext)
		require.NoError(t, err, ext)
		require.Len(t, got, 2, ext)
		assert.JSONEq(t, string(records[1]), string(got[1]), ext)
	}

	_, err = codec.Encode(records, ".xml")
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".json.gzip", Extension("gzip"))
	assert.Equal(t, ".json.zst", Extension("zstd"))
	assert.Equal(t, ".json", Extension("none"))
}
