package saga

import "context"

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	Status []Status `json:"status,omitempty"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Store persists saga instances. Implementations live under pkg/storage.
type Store interface {
	SaveInstance(ctx context.Context, in *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter *InstanceFilter) ([]*Instance, int, error)
	DeleteInstance(ctx context.Context, id string) error
	Close() error
}

// IdempotencyStore records completed side-effect keys so retried actions
// and compensations are applied at most once.
type IdempotencyStore interface {
	// MarkDone records a key. Recording an already-done key is a no-op.
	MarkDone(ctx context.Context, key string) error
	// Done reports whether a key has been recorded.
	Done(ctx context.Context, key string) (bool, error)
}
