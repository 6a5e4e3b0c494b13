// Package agent owns the duplex channels connecting end-user agents to the
// gateway and correlates asynchronous request/response pairs across them.
//
// # Registry
//
// The Registry holds at most one live channel per user ID:
//
//	reg := agent.NewRegistry(logger)
//	conn := reg.Register(userID, channel)
//
// Key operations:
//
//   - Register(userID, ch): record a channel, superseding any prior one
//   - Unregister(userID): drop the channel, failing pending requests
//   - Dispatch(ctx, userID, op, args, timeout): one correlated call
//   - HandleMessage(ctx, userID, raw): route an inbound channel message
//   - IsOpen(userID): channel liveness for the health classifier
//
// # Request/Response Correlation
//
// Dispatch generates a correlation ID (user ID + monotonic counter + random
// suffix), serializes {id, operation, ...args} onto the channel, and registers
// a pending request with a deadline. The pending request resolves exactly
// once, by whichever of these happens first:
//
//  1. a matching response arrives ({id, data} resolves, {id, error} rejects)
//  2. the deadline fires (ErrTimeout — outcome on the agent is unknown)
//  3. the channel closes (ErrConnectionLost — request almost certainly
//     never delivered)
//
// A response arriving after its request was already completed is logged and
// dropped. Ping/pong keep-alives bypass correlation entirely.
//
// # Thread Safety
//
// The registry mutex guards only the user-to-connection map. Each Connection
// has its own lock around its pending set, and every pending request has an
// independent deadline timer, so unrelated users and unrelated requests never
// serialize on each other.
package agent
