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
	"time"

	"go.gearno.de/redlimit/rdb"
)

type (
	// RequestSettings identifies the remote state a limiter works on.
	RequestSettings struct {
		// Key names the Redis key holding the shared state.
		Key string

		// DatabaseIndex selects the logical Redis database;
		// rdb.DefaultDatabase uses the one the client was
		// configured with.
		DatabaseIndex int
	}

	// RateLimitSettings adds the clock and the interval shared by
	// every algorithm.
	RateLimitSettings struct {
		RequestSettings

		// Now returns the current time. Nil means time.Now in UTC.
		Now func() time.Time

		// Interval returns the window size, or the refill period
		// for a token bucket. It is evaluated on every call and
		// is mandatory.
		Interval func() time.Duration
	}

	// WindowSettings configures the fixed and sliding window
	// algorithms.
	WindowSettings struct {
		RateLimitSettings

		// Rate is the number of units allowed per window.
		Rate int64

		// Expiration optionally returns an absolute expiry for the
		// window key. Nil means the key expires one interval after
		// it is written.
		Expiration func() time.Time

		// RecordOnlyOnSuccess rejects increments that would exceed
		// Rate without recording them. When false every call is
		// recorded and the counter may go past Rate.
		RecordOnlyOnSuccess bool
	}

	// TokenBucketSettings configures the token bucket algorithm.
	TokenBucketSettings struct {
		RateLimitSettings

		// Capacity is the maximum number of tokens in the bucket.
		Capacity int64

		// RefillRate is the number of tokens added per interval.
		RefillRate int64

		// EmptyOnStart creates the bucket with no tokens instead
		// of a full one.
		EmptyOnStart bool
	}
)

func newRateLimitSettings(key string) RateLimitSettings {
	return RateLimitSettings{
		RequestSettings: RequestSettings{
			Key:           key,
			DatabaseIndex: rdb.DefaultDatabase,
		},
	}
}

func (s RateLimitSettings) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}

	return s.Now()
}

// NewWindowSettings returns window settings for key with defaults
// applied: default database and RecordOnlyOnSuccess enabled. Rate and
// interval must still be set.
func NewWindowSettings(key string) WindowSettings {
	return WindowSettings{
		RateLimitSettings:   newRateLimitSettings(key),
		RecordOnlyOnSuccess: true,
	}
}

// WithDatabase returns a copy using the given database index.
func (s WindowSettings) WithDatabase(index int) WindowSettings {
	s.DatabaseIndex = index
	return s
}

// WithNow returns a copy using the given clock.
func (s WindowSettings) WithNow(now func() time.Time) WindowSettings {
	s.Now = now
	return s
}

// WithInterval returns a copy using a constant interval.
func (s WindowSettings) WithInterval(d time.Duration) WindowSettings {
	s.Interval = func() time.Duration { return d }
	return s
}

// WithIntervalFunc returns a copy using the given interval provider.
func (s WindowSettings) WithIntervalFunc(f func() time.Duration) WindowSettings {
	s.Interval = f
	return s
}

// WithRate returns a copy allowing rate units per window.
func (s WindowSettings) WithRate(rate int64) WindowSettings {
	s.Rate = rate
	return s
}

// WithExpiration returns a copy using the given absolute expiry
// provider.
func (s WindowSettings) WithExpiration(f func() time.Time) WindowSettings {
	s.Expiration = f
	return s
}

// WithRecordOnlyOnSuccess returns a copy with RecordOnlyOnSuccess set.
func (s WindowSettings) WithRecordOnlyOnSuccess(v bool) WindowSettings {
	s.RecordOnlyOnSuccess = v
	return s
}

// NewTokenBucketSettings returns token bucket settings for key with
// defaults applied: default database, one token per interval and a
// full bucket on start. Capacity and interval must still be set.
func NewTokenBucketSettings(key string) TokenBucketSettings {
	return TokenBucketSettings{
		RateLimitSettings: newRateLimitSettings(key),
		RefillRate:        1,
	}
}

// WithDatabase returns a copy using the given database index.
func (s TokenBucketSettings) WithDatabase(index int) TokenBucketSettings {
	s.DatabaseIndex = index
	return s
}

// WithNow returns a copy using the given clock.
func (s TokenBucketSettings) WithNow(now func() time.Time) TokenBucketSettings {
	s.Now = now
	return s
}

// WithInterval returns a copy using a constant refill period.
func (s TokenBucketSettings) WithInterval(d time.Duration) TokenBucketSettings {
	s.Interval = func() time.Duration { return d }
	return s
}

// WithIntervalFunc returns a copy using the given refill period
// provider.
func (s TokenBucketSettings) WithIntervalFunc(f func() time.Duration) TokenBucketSettings {
	s.Interval = f
	return s
}

// WithCapacity returns a copy holding at most capacity tokens.
func (s TokenBucketSettings) WithCapacity(capacity int64) TokenBucketSettings {
	s.Capacity = capacity
	return s
}

// WithRefillRate returns a copy adding rate tokens per interval.
func (s TokenBucketSettings) WithRefillRate(rate int64) TokenBucketSettings {
	s.RefillRate = rate
	return s
}

// WithEmptyOnStart returns a copy with EmptyOnStart set.
func (s TokenBucketSettings) WithEmptyOnStart(v bool) TokenBucketSettings {
	s.EmptyOnStart = v
	return s
}
