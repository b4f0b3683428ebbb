package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *errorObject    `json:"error,omitempty"`
}

type errorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// nullResult marshals to JSON null so the result key is kept.
type nullResult struct{}

func (nullResult) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// newServer starts a JSON-RPC endpoint that answers single and batched calls
// through handle.
func newServer(t *testing.T, handle func(req request) response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")

		reply := func(req request) response {
			resp := handle(req)
			resp.Version = "2.0"
			resp.ID = req.ID
			return resp
		}

		if len(body) > 0 && body[0] == '[' {
			var reqs []request
			require.NoError(t, json.Unmarshal(body, &reqs))
			out := make([]response, len(reqs))
			for i, req := range reqs {
				out[i] = reply(req)
			}
			json.NewEncoder(w).Encode(out)
			return
		}

		var req request
		require.NoError(t, json.Unmarshal(body, &req))
		json.NewEncoder(w).Encode(reply(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSlot(t *testing.T) {
	srv := newServer(t, func(req request) response {
		assert.Equal(t, "getSlot", req.Method)
		return response{Result: 250000123}
	})

	c, err := Dial(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	slot, err := c.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250000123), slot)
}

func TestGetBlocksMixedOutcomes(t *testing.T) {
	srv := newServer(t, func(req request) response {
		assert.Equal(t, "getBlock", req.Method)
		require.Len(t, req.Params, 2)

		var opts BlockOptions
		require.NoError(t, json.Unmarshal(req.Params[1], &opts))
		assert.Equal(t, DefaultBlockOptions, opts)

		var slot uint64
		require.NoError(t, json.Unmarshal(req.Params[0], &slot))
		switch slot {
		case 100:
			return response{Result: map[string]any{"blockTime": 1700000000, "parentSlot": 99}}
		case 101:
			return response{Error: &errorObject{Code: -32007, Message: "Slot 101 was skipped"}}
		default:
			return response{Result: nullResult{}}
		}
	})

	c, err := Dial(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	results, err := c.GetBlocks(context.Background(), []uint64{100, 101, 102})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, uint64(100), results[0].Slot)
	assert.JSONEq(t, `{"blockTime":1700000000,"parentSlot":99}`, string(results[0].Block))

	code, msg, ok := Code(results[1].Err)
	require.True(t, ok)
	assert.Equal(t, -32007, code)
	assert.Equal(t, "Slot 101 was skipped", msg)
	assert.Equal(t, ClassSkipped, Classify(code))

	assert.True(t, results[2].Empty())
}

func TestGetBlocksTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetBlocks(context.Background(), []uint64{1, 2})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{-32007, ClassSkipped},
		{-32009, ClassSkipped},
		{-32004, ClassTransient},
		{-32602, ClassTransient},
		{-32015, ClassFatal},
		{-32600, ClassOther},
		{0, ClassOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}

	code, _, ok := Code(&CallError{Code: -32014, Message: "not yet"})
	assert.True(t, ok)
	assert.Equal(t, -32014, code)

	_, _, ok = Code(io.EOF)
	assert.False(t, ok)
}
