// Package broadcast defines the real-time fan-out port.
package broadcast

import "context"

// Broadcaster pushes typed events to all connected clients. Delivery is
// best-effort; slow or closed connections are dropped by the implementation.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
	ConnectionCount() int
}
