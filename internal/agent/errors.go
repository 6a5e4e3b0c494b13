// ABOUTME: Typed error kinds for the agent transport layer.
// ABOUTME: Callers discriminate with errors.Is/errors.As to pick a retry strategy.

package agent

import "errors"

// Transport error kinds. A Timeout means the outcome on the agent is unknown
// (the operation may have partially executed); a ConnectionLost means the
// request almost certainly never reached the agent, so reconnect-and-retry
// is safe for idempotent callers.
var (
	// ErrNotConnected indicates no duplex channel is registered for the user.
	ErrNotConnected = errors.New("agent not connected")

	// ErrNotReady indicates a channel is registered but not in an open state.
	ErrNotReady = errors.New("agent channel not ready")

	// ErrTimeout indicates the request deadline elapsed without a response.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionLost indicates the channel closed while the request was pending.
	ErrConnectionLost = errors.New("agent connection lost")
)

// RemoteError carries an error the agent itself reported in a response
// envelope. It is the operation's own failure, not a transport failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
