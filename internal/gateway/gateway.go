// Package gateway defines the lifecycle contract for user-facing entry
// points such as the HTTP dashboard.
package gateway

import "context"

// Gateway is a user-facing entry point.
type Gateway interface {
	// Start runs the gateway and blocks until it exits or ctx is
	// canceled.
	Start(ctx context.Context) error

	// Stop shuts the gateway down, draining in-flight requests until
	// the ctx deadline expires.
	Stop(ctx context.Context) error
}
