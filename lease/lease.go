// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package lease adapts a ratelimit.Limiter to a permit lease API.
//
// A Limiter offers two ways to get a lease: AttemptAcquire makes a
// single admission call, Acquire polls until the permits are granted
// or the context ends. Waiters are not queued; whichever poll reaches
// Redis first while capacity is available wins.
//
// Leases only tell whether permits were granted. Permits are consumed
// by the underlying algorithm and come back as its window slides or
// its bucket refills, never through Release.
package lease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/redlimit/log"
	"go.gearno.de/redlimit/ratelimit"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter hands out leases backed by a ratelimit.Limiter.
	Limiter struct {
		limiter      ratelimit.Limiter
		name         string
		pollInterval time.Duration

		mu      sync.Mutex
		closed  bool
		waiters map[string]context.CancelCauseFunc

		successful atomic.Int64
		failed     atomic.Int64

		logger     *log.Logger
		registerer prometheus.Registerer

		acquireTotal *prometheus.CounterVec
		waitersGauge *prometheus.GaugeVec
	}

	// Lease is the outcome of an acquisition.
	Lease struct {
		acquired bool
	}

	// Statistics is a point in time view of a Limiter.
	Statistics struct {
		// SuccessfulLeases is the number of leases acquired since
		// the Limiter was created.
		SuccessfulLeases int64 `json:"successful_leases"`

		// FailedLeases is the number of immediate attempts that
		// were refused. Cancelled waits are not counted.
		FailedLeases int64 `json:"failed_leases"`

		// QueuedCount is the number of Acquire calls currently
		// waiting.
		QueuedCount int64 `json:"queued_count"`

		// AvailablePermits is the underlying AvailableCount.
		AvailablePermits int64 `json:"available_permits"`
	}
)

const (
	// DefaultPollInterval is the delay between two admission calls
	// of a waiting Acquire.
	DefaultPollInterval = 100 * time.Millisecond

	modeAttempt = "attempt"
	modeWait    = "wait"
)

var (
	// ErrClosed is returned by every operation once Close has been
	// called.
	ErrClosed = errors.New("lease: limiter closed")

	acquiredLease = &Lease{acquired: true}
	failedLease   = &Lease{acquired: false}
)

// Acquired reports whether the permits were granted.
func (l *Lease) Acquired() bool {
	return l.acquired
}

// Release does nothing: permits return as the algorithm's window
// slides or its bucket refills.
func (l *Lease) Release() {}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("lease")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithPollInterval sets the delay between two admission calls of a
// waiting Acquire. Default is DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.pollInterval = d
	}
}

// WithName sets the limiter label of the metrics.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// NewLimiter returns a Limiter handing out leases from limiter.
func NewLimiter(limiter ratelimit.Limiter, options ...Option) *Limiter {
	l := &Limiter{
		limiter:      limiter,
		name:         "default",
		pollInterval: DefaultPollInterval,
		waiters:      make(map[string]context.CancelCauseFunc),
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		registerer:   prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(l)
	}

	if l.pollInterval <= 0 {
		l.pollInterval = DefaultPollInterval
	}

	l.logger = l.logger.With(log.String("limiter", l.name))
	l.registerMetrics()

	return l
}

func (l *Limiter) registerMetrics() {
	l.acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "lease",
			Name:      "acquire_total",
			Help:      "Total number of lease acquisitions by outcome.",
		},
		[]string{"limiter", "mode", "acquired"},
	)
	if err := l.registerer.Register(l.acquireTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.acquireTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.waitersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "lease",
			Name:      "waiters",
			Help:      "Number of Acquire calls currently waiting for permits.",
		},
		[]string{"limiter"},
	)
	if err := l.registerer.Register(l.waitersGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.waitersGauge = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
}

func (l *Limiter) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	return nil
}

func checkPermits(permits int) error {
	if permits < 0 {
		return fmt.Errorf("%w: permits must not be negative, got %d", ratelimit.ErrInvalidArgument, permits)
	}

	return nil
}

// attempt makes one admission call. Zero permits only checks there is
// capacity left and consumes nothing.
func (l *Limiter) attempt(ctx context.Context, permits int) (bool, error) {
	if permits == 0 {
		available, err := l.limiter.AvailableCount(ctx)
		if err != nil {
			return false, err
		}

		return available > 0, nil
	}

	result, err := l.limiter.Limit(ctx, permits)
	if err != nil {
		return false, err
	}

	return result.Successful, nil
}

func (l *Limiter) record(mode string, acquired bool) {
	l.acquireTotal.WithLabelValues(l.name, mode, strconv.FormatBool(acquired)).Inc()
}

// AttemptAcquire makes a single admission call for permits.
func (l *Limiter) AttemptAcquire(ctx context.Context, permits int) (*Lease, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	if err := checkPermits(permits); err != nil {
		return nil, err
	}

	acquired, err := l.attempt(ctx, permits)
	if err != nil {
		return nil, fmt.Errorf("cannot attempt acquire: %w", err)
	}

	l.record(modeAttempt, acquired)

	if !acquired {
		l.failed.Add(1)
		return failedLease, nil
	}

	l.successful.Add(1)
	return acquiredLease, nil
}

// Acquire polls for permits until they are granted, ctx ends or the
// Limiter is closed. The last two resolve as a lease that was not
// acquired, with a nil error. Errors from the underlying limiter end
// the wait and are returned. Zero permits never wait: the lease is
// acquired only if capacity is left right now.
func (l *Limiter) Acquire(ctx context.Context, permits int) (*Lease, error) {
	if err := checkPermits(permits); err != nil {
		return nil, err
	}

	if permits == 0 {
		return l.acquireNone(ctx)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("cannot generate waiter id: %w", err)
	}
	waiterID := id.String()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.waiters[waiterID] = cancel
	l.mu.Unlock()

	waiters := l.waitersGauge.WithLabelValues(l.name)
	waiters.Inc()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, waiterID)
		l.mu.Unlock()

		waiters.Dec()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.DebugCtx(
				ctx,
				"lease wait cancelled",
				log.String("waiter_id", waiterID),
				log.Any("cause", context.Cause(ctx)),
			)
			l.record(modeWait, false)
			return failedLease, nil
		case <-timer.C:
		}

		acquired, err := l.attempt(ctx, permits)
		if err != nil {
			if ctx.Err() != nil {
				// Abandoned in flight; resolved by the next
				// select.
				continue
			}

			return nil, fmt.Errorf("cannot acquire: %w", err)
		}

		if acquired {
			l.successful.Add(1)
			l.record(modeWait, true)
			return acquiredLease, nil
		}

		timer.Reset(l.pollInterval)
	}
}

func (l *Limiter) acquireNone(ctx context.Context) (*Lease, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	acquired, err := l.attempt(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot acquire: %w", err)
	}

	l.record(modeWait, acquired)

	if !acquired {
		l.failed.Add(1)
		return failedLease, nil
	}

	l.successful.Add(1)
	return acquiredLease, nil
}

// AcquireAsync runs Acquire in its own goroutine.
func (l *Limiter) AcquireAsync(ctx context.Context, permits int) *ratelimit.Future[*Lease] {
	return ratelimit.Async(
		ctx,
		func(ctx context.Context) (*Lease, error) {
			return l.Acquire(ctx, permits)
		},
	)
}

// Statistics returns the lease totals, the number of waiters and the
// permits currently available.
func (l *Limiter) Statistics(ctx context.Context) (*Statistics, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	queued := int64(len(l.waiters))
	l.mu.Unlock()

	available, err := l.limiter.AvailableCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get available permits: %w", err)
	}

	return &Statistics{
		SuccessfulLeases: l.successful.Load(),
		FailedLeases:     l.failed.Load(),
		QueuedCount:      queued,
		AvailablePermits: available,
	}, nil
}

// Reset deletes the remote state of the underlying limiter.
func (l *Limiter) Reset(ctx context.Context) (bool, error) {
	if err := l.checkOpen(); err != nil {
		return false, err
	}

	deleted, err := l.limiter.Delete(ctx)
	if err != nil {
		return false, fmt.Errorf("cannot reset limiter: %w", err)
	}

	return deleted, nil
}

// Close cancels every waiting Acquire. Later calls to any method
// return ErrClosed. Close is idempotent.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	for _, cancel := range l.waiters {
		cancel(ErrClosed)
	}

	l.logger.Debug("lease limiter closed", log.Int("cancelled_waiters", len(l.waiters)))

	return nil
}
