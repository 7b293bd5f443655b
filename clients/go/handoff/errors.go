package handoff

import (
	"errors"
	"fmt"

	"github.com/handoff-protocol/handoff/protocol"
)

var (
	// ErrNotConnected is returned when an operation needs a CONNECTED
	// session and the connection is in any other state.
	ErrNotConnected = errors.New("handoff: not connected")

	// ErrConnectionLost fails every pending request when a connection
	// drops; the requests cannot resolve on a future transport.
	ErrConnectionLost = errors.New("handoff: connection lost")

	// ErrRequestTimeout fails a pending request whose response did not
	// arrive within its deadline.
	ErrRequestTimeout = errors.New("handoff: request timed out")

	// ErrRetriesExhausted is reported once reconnect attempts hit the cap.
	// The connection settles in ERROR until an explicit Connect.
	ErrRetriesExhausted = errors.New("handoff: reconnect attempts exhausted")

	// ErrPoolExhausted rejects Connect calls once the manager holds its
	// maximum number of connections. Existing connections are never evicted.
	ErrPoolExhausted = errors.New("handoff: connection pool at capacity")
)

// ServerError is a response.error frame surfaced to the caller whose
// request_id it answers. The connection itself is unaffected.
type ServerError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("handoff: server rejected request: %s (%s)", e.Message, e.Code)
}
