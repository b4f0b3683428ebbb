package rpc

import (
	"errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Class groups node error codes by how the collector reacts to them.
type Class int

const (
	// ClassOther is a permanent error stored with the slot.
	ClassOther Class = iota
	// ClassSkipped means the slot has no block and never will.
	ClassSkipped
	// ClassTransient means the whole batch should be fetched again.
	ClassTransient
	// ClassFatal means the node cannot serve this range; the worker stops.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSkipped:
		return "skipped"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "other"
	}
}

var codeClasses = map[int]Class{
	-32007: ClassSkipped,   // slot skipped or missing due to ledger jump
	-32009: ClassSkipped,   // slot skipped or missing in long-term storage
	-32002: ClassTransient, // send transaction preflight failure
	-32003: ClassTransient, // transaction signature verification failure
	-32004: ClassTransient, // block not available for slot
	-32005: ClassTransient, // node unhealthy
	-32014: ClassTransient, // block status not yet available
	-32016: ClassTransient, // minimum context slot not reached
	-32602: ClassTransient, // invalid params
	-32010: ClassFatal,     // excluded from account secondary indexes
	-32013: ClassFatal,     // transaction signature length mismatch
	-32015: ClassFatal,     // transaction version not supported
}

// Classify maps a JSON-RPC error code to its class.
func Classify(code int) Class {
	if c, ok := codeClasses[code]; ok {
		return c
	}
	return ClassOther
}

// CallError is a JSON-RPC error object returned by the node.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string { return e.Message }

// ErrorCode returns the JSON-RPC error code.
func (e *CallError) ErrorCode() int { return e.Code }

// Code extracts the JSON-RPC code and message from a sub-request error.
// ok is false for errors that did not come from the node, such as a
// missing batch response.
func Code(err error) (code int, message string, ok bool) {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), rpcErr.Error(), true
	}
	return 0, "", false
}
