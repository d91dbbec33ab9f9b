package audit

import "context"

// Repository persists audit events.
type Repository interface {
	Append(ctx context.Context, events []Event) error
	// List returns matching events newest first.
	List(ctx context.Context, q Query) ([]Event, error)
}
