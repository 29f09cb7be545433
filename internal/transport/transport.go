// Package transport defines the interface for the network surfaces of whiterabbit.
//
// Each transport (HTTP API, gRPC health) serves the same speech service and
// is started and stopped by the daemon through this contract.
package transport

import "context"

// Transport is the interface that every transport adapter must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "grpc", "http").
	Name() string

	// Listen starts serving. It blocks until the context is cancelled or the
	// listener fails.
	Listen(ctx context.Context) error

	// Close gracefully shuts down the transport, draining in-flight requests.
	Close() error
}
