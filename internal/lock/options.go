package lock

import (
	"NexLedger/internal/observability"
	"time"

	"github.com/google/uuid"
)

type options struct {
	defaultTimeout time.Duration
	now            func() time.Time
	newID          func() string
	admitter       Admitter
	metrics        *observability.Metrics
}

// Option configures a registry.
type Option func(*options)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDSource injects the lock id generator.
func WithIDSource(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithAdmitter installs a check run before every acquisition.
func WithAdmitter(a Admitter) Option {
	return func(o *options) { o.admitter = a }
}

// WithMetrics enables lock metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return o.defaultTimeout
	}
	return d
}

func (o *options) admit(key, operation string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if o.admitter == nil {
		return nil
	}
	return o.admitter.AdmitLock(key, operation)
}

func (o *options) observeAcquire(operation string, err error) {
	if o.metrics == nil {
		return
	}
	if err != nil {
		o.metrics.LockConflicts.WithLabelValues(operation).Inc()
		return
	}
	o.metrics.LockAcquired.WithLabelValues(operation).Inc()
}

func (o *options) observeRelease(l *Lock) {
	if o.metrics == nil {
		return
	}
	o.metrics.LockHeld.WithLabelValues(l.Operation).Observe(o.now().Sub(l.CreatedAt).Seconds())
}
