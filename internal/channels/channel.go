package channels

import (
	"context"
)

// Channel is a messaging platform integration that relays intervention
// requests to humans and carries their responses back.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for responses. It blocks until the context is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
