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

// Package ratelimit provides distributed rate limiters backed by Redis.
//
// # Overview
//
// Every process sharing a quota points a limiter at the same Redis key.
// Each Limit call evaluates one Lua script that reads, decides and
// writes the shared state atomically, so Redis' single-threaded script
// execution is the only serialization point: the limiters keep no
// admission state in memory and need no local locking.
//
// # Algorithms
//
//   - Fixed window: an integer counter expiring one interval after the
//     window opened (or at an absolute expiration).
//   - Sliding window: a sorted set of timestamped members; members
//     older than one interval are evicted on every call.
//   - Token bucket: a JSON document holding the token count and the
//     next refill time; refill is computed lazily on every call.
//
// All three share one Engine. On construction the engine lays out the
// script arguments, renders and normalizes the script, validates the
// settings and deletes the key if it holds state of another shape, for
// instance a token bucket document left behind under a key now used by
// a fixed window.
//
// # Usage
//
//	limiter, err := ratelimit.NewSlidingWindow(
//	    ctx,
//	    rdbClient,
//	    ratelimit.NewWindowSettings("api:login").
//	        WithRate(5).
//	        WithInterval(time.Minute),
//	    ratelimit.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//
//	result, err := limiter.Limit(ctx, 1)
//	if err != nil {
//	    return err
//	}
//
//	if !result.Successful {
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - ratelimit_limit_total{algorithm,successful}: Counter of limit calls
//   - ratelimit_limit_duration_seconds{algorithm}: Histogram of limit call durations
//   - ratelimit_self_heal_total{algorithm}: Counter of keys deleted on construction
//
// # Tracing
//
// OpenTelemetry spans are created for Limit and Delete when the
// caller's span is recording, with the algorithm, key, count and
// outcome as attributes.
package ratelimit
