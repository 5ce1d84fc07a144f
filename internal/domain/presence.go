package domain

import "context"

// PresenceStore aggregates per-process presence sets into a global view.
type PresenceStore interface {
	SetInstanceUsers(ctx context.Context, instanceID string, users []UserID) error
	AddUser(ctx context.Context, instanceID string, user UserID) error
	// RemoveUser drops user from the instance set and reports whether another live instance
	// still lists them. Removal and check are atomic, so of two instances racing to remove the
	// same user exactly one sees elsewhere=false.
	RemoveUser(ctx context.Context, instanceID string, user UserID) (elsewhere bool, err error)
	IsOnline(ctx context.Context, user UserID) (bool, error)
	OnlineUsers(ctx context.Context) ([]UserID, error)
	RemoveInstance(ctx context.Context, instanceID string) error
}

// PresenceQuery answers who is online, falling back to local knowledge when the shared store is down.
type PresenceQuery interface {
	OnlineUsers(ctx context.Context) []UserID
}

// PurgeReport summarizes one pass over the presence store for sets left by dead instances.
type PurgeReport struct {
	Scanned int
	Live    int
	Purged  []string
}
