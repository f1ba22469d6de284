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
	"encoding/json"
	"fmt"
	"time"

	"go.gearno.de/redlimit/rdb"
)

type (
	// Algorithm names a limiting algorithm in a Config.
	Algorithm string

	// Duration is a time.Duration encoded as a Go duration string
	// such as "1m30s".
	Duration time.Duration

	// Config describes a limiter in configuration files. Fields
	// that do not apply to the chosen algorithm are ignored.
	Config struct {
		Algorithm Algorithm `json:"algorithm"`
		Key       string    `json:"key"`
		Database  *int      `json:"database,omitempty"`
		Interval  Duration  `json:"interval"`

		Rate                int64 `json:"rate,omitempty"`
		RecordOnlyOnSuccess *bool `json:"record-only-on-success,omitempty"`

		Capacity     int64 `json:"capacity,omitempty"`
		RefillRate   int64 `json:"refill-rate,omitempty"`
		EmptyOnStart bool  `json:"empty-on-start,omitempty"`
	}
)

const (
	AlgorithmFixedWindow   Algorithm = "fixed-window"
	AlgorithmSlidingWindow Algorithm = "sliding-window"
	AlgorithmTokenBucket   Algorithm = "token-bucket"
)

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("cannot decode duration: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %w", s, err)
	}

	*d = Duration(v)
	return nil
}

func (c Config) database() int {
	if c.Database == nil {
		return rdb.DefaultDatabase
	}

	return *c.Database
}

// WindowSettings returns the window settings described by c.
func (c Config) WindowSettings() WindowSettings {
	s := NewWindowSettings(c.Key).
		WithDatabase(c.database()).
		WithInterval(time.Duration(c.Interval)).
		WithRate(c.Rate)

	if c.RecordOnlyOnSuccess != nil {
		s = s.WithRecordOnlyOnSuccess(*c.RecordOnlyOnSuccess)
	}

	return s
}

// TokenBucketSettings returns the token bucket settings described by
// c.
func (c Config) TokenBucketSettings() TokenBucketSettings {
	s := NewTokenBucketSettings(c.Key).
		WithDatabase(c.database()).
		WithInterval(time.Duration(c.Interval)).
		WithCapacity(c.Capacity).
		WithEmptyOnStart(c.EmptyOnStart)

	if c.RefillRate != 0 {
		s = s.WithRefillRate(c.RefillRate)
	}

	return s
}

// New builds the limiter described by cfg.
//
// Example:
//
//	limiter, err := ratelimit.New(ctx, client, ratelimit.Config{
//	    Algorithm: ratelimit.AlgorithmTokenBucket,
//	    Key:       "api:search",
//	    Interval:  ratelimit.Duration(time.Second),
//	    Capacity:  20,
//	    RefillRate: 5,
//	})
func New(ctx context.Context, store Store, cfg Config, options ...Option) (*Engine, error) {
	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindow(ctx, store, cfg.WindowSettings(), options...)
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(ctx, store, cfg.WindowSettings(), options...)
	case AlgorithmTokenBucket:
		return NewTokenBucket(ctx, store, cfg.TokenBucketSettings(), options...)
	}

	return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, cfg.Algorithm)
}
