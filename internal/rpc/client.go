// Package rpc talks to the chain's JSON-RPC endpoint: the head-slot call and
// one batched getBlock request per collector batch.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/withObsrvr/slot-indexer/internal/metrics"
)

// BlockOptions are the getBlock parameters every request carries.
type BlockOptions struct {
	Encoding                       string `json:"encoding"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
	Rewards                        bool   `json:"rewards"`
	TransactionDetails             string `json:"transactionDetails"`
}

// DefaultBlockOptions requests fully parsed blocks with rewards.
var DefaultBlockOptions = BlockOptions{
	Encoding:                       "jsonParsed",
	MaxSupportedTransactionVersion: 0,
	Rewards:                        true,
	TransactionDetails:             "full",
}

// BlockResult is the outcome of one getBlock sub-request.
// Exactly one of Block and Err is set, or neither when the node returned null.
type BlockResult struct {
	Slot  uint64
	Block json.RawMessage
	Err   error
}

// Empty reports whether the node answered with a null block.
func (r BlockResult) Empty() bool {
	return r.Err == nil && len(r.Block) == 0
}

// Client is a JSON-RPC client for a single endpoint.
type Client struct {
	c       *gethrpc.Client
	url     string
	options BlockOptions
}

// Dial connects to the endpoint. Timeout bounds every HTTP round trip.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	c, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{c: c, url: url, options: DefaultBlockOptions}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.c.Close()
}

// GetSlot returns the node's current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	start := time.Now()
	defer func() { metrics.Get().ObserveRPCDuration("getSlot", time.Since(start).Seconds()) }()

	var slot uint64
	if err := c.c.CallContext(ctx, &slot, "getSlot"); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// GetBlocks requests every slot in one batch. The returned error covers the
// transport only; per-slot failures are reported in BlockResult.Err in the
// same order as slots.
func (c *Client) GetBlocks(ctx context.Context, slots []uint64) ([]BlockResult, error) {
	if len(slots) == 0 {
		return nil, nil
	}

	raws := make([]json.RawMessage, len(slots))
	batch := make([]gethrpc.BatchElem, len(slots))
	for i, slot := range slots {
		batch[i] = gethrpc.BatchElem{
			Method: "getBlock",
			Args:   []any{slot, c.options},
			Result: &raws[i],
		}
	}

	start := time.Now()
	err := c.c.BatchCallContext(ctx, batch)
	metrics.Get().ObserveRPCDuration("getBlock", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("getBlock batch of %d: %w", len(slots), err)
	}

	results := make([]BlockResult, len(slots))
	for i, elem := range batch {
		results[i] = BlockResult{Slot: slots[i]}
		switch {
		case errors.Is(elem.Error, gethrpc.ErrNoResult):
		case elem.Error != nil:
			results[i].Err = elem.Error
		case len(raws[i]) == 0 || bytes.Equal(raws[i], []byte("null")):
		default:
			results[i].Block = raws[i]
		}
	}
	return results, nil
}
