package syncstate

import (
	"context"

	"github.com/rpggio/kairos/internal/domain/audit"
)

// Store persists the sync payload. Save assigns the next version and the
// timestamp. Load on an empty store returns repository.ErrNotFound.
type Store interface {
	Load(ctx context.Context) (Envelope, error)
	Save(ctx context.Context, data map[string]any) (Envelope, error)
	Close() error
}

// Watcher is implemented by stores that can report writes made by other
// processes. Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(Envelope)) error
}

// Auditor receives audit events.
type Auditor interface {
	Emit(ctx context.Context, typ audit.EventType, sev audit.Severity, component, message string, details map[string]any)
}
