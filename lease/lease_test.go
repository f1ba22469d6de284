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

package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/redlimit/ratelimit"
	"go.gearno.de/redlimit/rdb"
)

type (
	// poolLimiter grants permits from an in-memory pool.
	poolLimiter struct {
		mu        sync.Mutex
		available int64
		err       error
		deleted   int
	}
)

var _ ratelimit.Limiter = (*poolLimiter)(nil)

func (p *poolLimiter) set(available int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = available
}

func (p *poolLimiter) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *poolLimiter) Limit(ctx context.Context, count int) (*ratelimit.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}

	if int64(count) > p.available {
		return &ratelimit.Result{Successful: false, ActiveCount: p.available}, nil
	}

	p.available -= int64(count)
	return &ratelimit.Result{Successful: true, ActiveCount: p.available}, nil
}

func (p *poolLimiter) LimitAsync(ctx context.Context, count int) *ratelimit.Future[*ratelimit.Result] {
	return ratelimit.Async(ctx, func(ctx context.Context) (*ratelimit.Result, error) {
		return p.Limit(ctx, count)
	})
}

func (p *poolLimiter) Delete(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted++
	return true, nil
}

func (p *poolLimiter) DeleteAsync(ctx context.Context) *ratelimit.Future[bool] {
	return ratelimit.Async(ctx, p.Delete)
}

func (p *poolLimiter) Count(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available, p.err
}

func (p *poolLimiter) AvailableCount(ctx context.Context) (int64, error) {
	return p.Count(ctx)
}

func newTestLimiter(limiter ratelimit.Limiter, options ...Option) *Limiter {
	options = append(
		[]Option{
			WithRegisterer(prometheus.NewRegistry()),
			WithPollInterval(5 * time.Millisecond),
		},
		options...,
	)

	return NewLimiter(limiter, options...)
}

func waitForWaiters(t *testing.T, l *Limiter, n int64) {
	t.Helper()

	require.Eventually(
		t,
		func() bool {
			stats, err := l.Statistics(context.Background())
			return err == nil && stats.QueuedCount == n
		},
		time.Second,
		time.Millisecond,
	)
}

func TestLimiter_AttemptAcquire(t *testing.T) {
	pool := &poolLimiter{available: 2}
	l := newTestLimiter(pool)
	ctx := context.Background()

	lease, err := l.AttemptAcquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, lease.Acquired())
	lease.Release()

	lease, err = l.AttemptAcquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, lease.Acquired())

	stats, err := l.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(
		t,
		&Statistics{
			SuccessfulLeases: 1,
			FailedLeases:     1,
			QueuedCount:      0,
			AvailablePermits: 0,
		},
		stats,
	)
}

func TestLimiter_ZeroPermits(t *testing.T) {
	pool := &poolLimiter{available: 1}
	l := newTestLimiter(pool)
	ctx := context.Background()

	lease, err := l.AttemptAcquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, lease.Acquired())

	n, _ := pool.Count(ctx)
	assert.Equal(t, int64(1), n, "zero permits must not consume")

	pool.set(0)
	lease, err = l.AttemptAcquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, lease.Acquired())

	t.Run("acquire answers without waiting", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pool.set(0)
		start := time.Now()
		lease, err := l.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.False(t, lease.Acquired())
		assert.Less(t, time.Since(start), time.Second)

		lease, err = l.AcquireAsync(ctx, 0).Wait(ctx)
		require.NoError(t, err)
		assert.False(t, lease.Acquired())

		pool.set(3)
		lease, err = l.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.True(t, lease.Acquired())

		n, _ := pool.Count(ctx)
		assert.Equal(t, int64(3), n, "zero permits must not consume")
		stats, err := l.Statistics(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.QueuedCount)
	})
}

func TestLimiter_ZeroPermitsFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := rdb.NewClient(
		rdb.WithAddr(mr.Addr()),
		rdb.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine, err := ratelimit.NewFixedWindow(
		ctx,
		store,
		ratelimit.NewWindowSettings("lease:zero").
			WithRate(5).
			WithInterval(time.Minute),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	l := newTestLimiter(engine)

	start := time.Now()
	lease, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, lease.Acquired(), "a fresh fixed window reports no units")
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_NegativePermits(t *testing.T) {
	l := newTestLimiter(&poolLimiter{available: 1})
	ctx := context.Background()

	_, err := l.AttemptAcquire(ctx, -1)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidArgument)

	_, err = l.Acquire(ctx, -1)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidArgument)
}

func TestLimiter_AcquireWaits(t *testing.T) {
	pool := &poolLimiter{available: 0}
	l := newTestLimiter(pool)
	ctx := context.Background()

	future := l.AcquireAsync(ctx, 2)
	waitForWaiters(t, l, 1)

	select {
	case <-future.Done():
		t.Fatal("acquire resolved without permits")
	default:
	}

	pool.set(2)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	lease, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, lease.Acquired())

	stats, err := l.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SuccessfulLeases)
	assert.Zero(t, stats.QueuedCount)
}

func TestLimiter_AcquireCancelled(t *testing.T) {
	l := newTestLimiter(&poolLimiter{available: 0})

	ctx, cancel := context.WithCancel(context.Background())
	future := l.AcquireAsync(ctx, 1)
	waitForWaiters(t, l, 1)

	cancel()

	lease, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, lease.Acquired())

	stats, err := l.Statistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.FailedLeases, "cancelled waits are not failures")
	assert.Zero(t, stats.QueuedCount)
}

func TestLimiter_AcquireError(t *testing.T) {
	pool := &poolLimiter{available: 0}
	l := newTestLimiter(pool)
	ctx := context.Background()

	future := l.AcquireAsync(ctx, 1)
	waitForWaiters(t, l, 1)

	boom := errors.New("connection reset")
	pool.fail(boom)

	_, err := future.Wait(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestLimiter_Close(t *testing.T) {
	l := newTestLimiter(&poolLimiter{available: 0})
	ctx := context.Background()

	futures := make([]*ratelimit.Future[*Lease], 3)
	for i := range futures {
		futures[i] = l.AcquireAsync(ctx, 1)
	}
	waitForWaiters(t, l, 3)

	require.NoError(t, l.Close())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	for _, f := range futures {
		lease, err := f.Wait(waitCtx)
		require.NoError(t, err)
		assert.False(t, lease.Acquired())
	}

	_, err := l.AttemptAcquire(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.Statistics(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.Reset(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, l.Close())
}

func TestLimiter_Reset(t *testing.T) {
	pool := &poolLimiter{available: 0}
	l := newTestLimiter(pool)

	deleted, err := l.Reset(context.Background())
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 1, pool.deleted)
}

func TestLimiter_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	l := NewLimiter(
		&poolLimiter{available: 1},
		WithRegisterer(registry),
		WithName("search"),
	)
	ctx := context.Background()

	_, err := l.AttemptAcquire(ctx, 1)
	require.NoError(t, err)
	_, err = l.AttemptAcquire(ctx, 1)
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != "lease_acquire_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), total)
}

func TestLimiter_WithTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := rdb.NewClient(
		rdb.WithAddr(mr.Addr()),
		rdb.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer client.Close()

	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	ctx := context.Background()
	bucket, err := ratelimit.NewTokenBucket(
		ctx,
		client,
		ratelimit.NewTokenBucketSettings("lease:bucket").
			WithCapacity(2).
			WithInterval(time.Second).
			WithNow(clock),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	l := newTestLimiter(bucket)

	lease, err := l.AttemptAcquire(ctx, 2)
	require.NoError(t, err)
	require.True(t, lease.Acquired())

	future := l.AcquireAsync(ctx, 1)
	waitForWaiters(t, l, 1)

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	lease, err = future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, lease.Acquired())
}
