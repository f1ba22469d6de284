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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_Limit(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	c := newClock()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").
			WithRate(5).
			WithInterval(time.Second).
			WithNow(c.Now),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		r, err := e.Limit(ctx, 1)
		require.NoError(t, err)
		assert.True(t, r.Successful, "call %d", i)
		assert.Equal(t, int64(i), r.ActiveCount)
		c.Add(time.Millisecond)
	}

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	r, err := e.Limit(ctx, 1)
	require.NoError(t, err)
	assert.False(t, r.Successful)
	assert.Equal(t, int64(5), r.ActiveCount)

	mr.FastForward(time.Second)

	n, err = e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSlidingWindow_Slides(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	c := newClock()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").
			WithRate(4).
			WithInterval(time.Second).
			WithNow(c.Now),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	r, err := e.Limit(ctx, 2)
	require.NoError(t, err)
	require.True(t, r.Successful)

	c.Add(600 * time.Millisecond)
	r, err = e.Limit(ctx, 2)
	require.NoError(t, err)
	require.True(t, r.Successful)

	r, err = e.Limit(ctx, 1)
	require.NoError(t, err)
	assert.False(t, r.Successful)

	// The first two units are now one interval old.
	c.Add(400 * time.Millisecond)
	r, err = e.Limit(ctx, 1)
	require.NoError(t, err)
	assert.True(t, r.Successful)
	assert.Equal(t, int64(3), r.ActiveCount)

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSlidingWindow_SameTickMembers(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	c := newClock()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").
			WithRate(10).
			WithInterval(time.Minute).
			WithNow(c.Now),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	for range 2 {
		r, err := e.Limit(ctx, 3)
		require.NoError(t, err)
		require.True(t, r.Successful)
	}

	members, err := mr.ZMembers("sliding")
	require.NoError(t, err)
	assert.Len(t, members, 6)

	score := "1709294400000000"
	for i := 1; i <= 6; i++ {
		assert.Contains(t, members, score+"-"+string(rune('0'+i)))
	}
}

func TestSlidingWindow_RecordAlways(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").
			WithRate(2).
			WithInterval(time.Minute).
			WithRecordOnlyOnSuccess(false),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	var successes int
	for i := 1; i <= 4; i++ {
		r, err := e.Limit(ctx, 1)
		require.NoError(t, err)
		if r.Successful {
			successes++
		}
		assert.Equal(t, int64(i), r.ActiveCount, "refused units are recorded and reported")
	}
	assert.Equal(t, 2, successes)

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	available, err := e.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), available)
}

func TestSlidingWindow_TTLRefreshed(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").WithRate(1).WithInterval(10*time.Second),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	_, err = e.Limit(ctx, 1)
	require.NoError(t, err)

	mr.FastForward(4 * time.Second)

	r, err := e.Limit(ctx, 1)
	require.NoError(t, err)
	assert.False(t, r.Successful)
	assert.Equal(t, 10*time.Second, mr.TTL("sliding"))
}

func TestSlidingWindow_AvailableCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding").WithRate(5).WithInterval(time.Minute),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	available, err := e.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), available)

	_, err = e.Limit(ctx, 2)
	require.NoError(t, err)

	available, err = e.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)
}

func TestSlidingWindow_Delete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding:delete").
			WithRate(1).
			WithInterval(time.Minute),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	r, err := e.Limit(ctx, 1)
	require.NoError(t, err)
	require.True(t, r.Successful)

	deleted, err := e.Delete(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("sliding:delete"))

	r, err = e.Limit(ctx, 1)
	require.NoError(t, err)
	assert.True(t, r.Successful, "a deleted window starts empty")
}

func TestSlidingWindow_LargeCount(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	c := newClock()

	e, err := NewSlidingWindow(
		ctx,
		store,
		NewWindowSettings("sliding:large").
			WithRate(10000).
			WithInterval(time.Minute).
			WithNow(c.Now),
		testOptions(nil)...,
	)
	require.NoError(t, err)

	r, err := e.Limit(ctx, 4500)
	require.NoError(t, err)
	assert.True(t, r.Successful)
	assert.Equal(t, int64(4500), r.ActiveCount)

	r, err = e.Limit(ctx, 2500)
	require.NoError(t, err)
	assert.True(t, r.Successful)
	assert.Equal(t, int64(7000), r.ActiveCount)

	members, err := mr.ZMembers("sliding:large")
	require.NoError(t, err)
	assert.Len(t, members, 7000)
	assert.Contains(t, members, "1709294400000000-7000")
}
