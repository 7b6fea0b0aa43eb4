// Package rpcerr collects the error kinds the runtime must distinguish:
// EOF, Timeout, InvalidArgument, ServerError, and TransportFailure. Each
// named type formats as "rpcerr: <kind>: ..."; TransportError also exposes
// its underlying cause via Unwrap.
package rpcerr

import (
	"errors"
	"fmt"

	"github.com/flightrpc/client/codec"
)

// ErrEOF is the rpc-facing name for a truncated decode. It is the same
// sentinel codec.DecodeAs returns, re-exported here so callers never need
// to import codec just to compare errors.
var ErrEOF = codec.ErrEOF

// ErrTimeout is returned when a stream's deadline fires before a
// terminating DNE or FIN is observed.
var ErrTimeout = errors.New("rpcerr: timed out waiting for response")

// ErrInvalidArgument is returned for a local precondition failure (empty
// id, empty source/destination, an id with no known reservation). It is
// raised before any I/O and is never retried.
var ErrInvalidArgument = errors.New("rpcerr: invalid argument")

// ServerError wraps a populated Message.error, surfaced to the caller
// verbatim. It is not retried by the protocol.
type ServerError struct {
	Code   string
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rpcerr: server error: %s: %s", e.Code, e.Detail)
}

// TransportError is the catch-all raised after an RPC exhausts its
// configured retries, naming the method that failed.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpcerr: transport failure: %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
