// Package channels connects messaging platforms to the turn engine. A
// channel turns inbound messages into ProcessTurn calls and renders the
// response back to the user.
package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
