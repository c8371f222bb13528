package domain

import "context"

// Router delivers events to groups of live connections. Delivering to a
// group with no members succeeds without effect.
type Router interface {
	DeliverToUser(ctx context.Context, userID string, event Event) error
	DeliverToRole(ctx context.Context, role Role, event Event) error
	BroadcastAll(ctx context.Context, event Event) error
}

// Presence answers questions about who is connected right now.
type Presence interface {
	ConnectionCount(ctx context.Context) (int, error)
	UserCount(ctx context.Context) (int, error)
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}
