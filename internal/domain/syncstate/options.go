package syncstate

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Options configure a Service. Zero values get defaults.
type Options struct {
	// Debounce is the quiet period before published sections are written.
	Debounce time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RecoveryInterval is how often a failed service retries its last write.
	RecoveryInterval time.Duration

	// BreakerThreshold consecutive store failures open the circuit breaker
	// for BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Clock   clockwork.Clock
	Auditor Auditor
}

func (o Options) withDefaults() Options {
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff < 0 {
		o.InitialBackoff = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 5 * time.Second
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}
