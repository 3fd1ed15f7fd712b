// Package peer provides the discovery-and-RPC substrate the node runs on:
// Grenache-style service announcement against a grape endpoint and a
// request/reply channel between peers. Delivery is best effort; callers own
// retries.
package peer

import (
	"context"
	"time"
)

// Handler serves one inbound request payload and returns the reply payload.
// A returned error is delivered to the requester as an error reply.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Link is the transport consumed by the synchronization service.
type Link interface {
	// Start brings up the discovery connection.
	Start(ctx context.Context) error
	// Stop tears down the listener and the discovery connection.
	Stop() error
	// Announce advertises this node as a provider of service on port.
	Announce(ctx context.Context, service string, port int) error
	// Listen serves inbound requests on port with the given handler.
	Listen(port int, h Handler) error
	// Request sends payload to one provider of service and waits for the
	// reply, bounded by timeout.
	Request(ctx context.Context, service string, payload []byte, timeout time.Duration) ([]byte, error)
}
