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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	tokenBucket struct {
		settings TokenBucketSettings
	}

	// bucketState is the JSON document stored under a token bucket
	// key. Ticks are Unix milliseconds.
	bucketState struct {
		NextRefillTicks int64
		TokenCount      int64
	}
)

const (
	tokenBucketScript = `
local key = KEYS[1]
local intervalTicks = tonumber({{.intervalTicks}})
local now = tonumber({{.now}})
local count = tonumber({{.count}})
local capacity = tonumber({{.capacity}})
local refillRate = tonumber({{.refillRate}})
local tokens = {{if .emptyOnStart}}0{{else}}capacity{{end}}
local nextRefill = now + intervalTicks
local raw = redis.call('GET', key)
if raw then
	local state = cjson.decode(raw)
	tokens = tonumber(state['TokenCount']) or 0
	nextRefill = tonumber(state['NextRefillTicks']) or nextRefill
end
if now >= nextRefill then
	local periods = math.max(math.floor((now - nextRefill) / intervalTicks), 1)
	nextRefill = nextRefill + intervalTicks * periods
	tokens = tokens + math.min(refillRate * periods, capacity)
end
if tokens > capacity then
	tokens = capacity
end
if tokens < 0 then
	tokens = 0
end
local successful = 0
if count <= tokens then
	tokens = tokens - count
	successful = 1
end
redis.call('SET', key, cjson.encode({ NextRefillTicks = nextRefill, TokenCount = tokens }))
return { tokens, successful }
`

	tokenBucketHealScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return 0
end
local t = redis.call('TYPE', key)
if type(t) == 'table' then
	t = t['ok']
end
if t ~= 'string' then
	redis.call('DEL', key)
	return 1
end
local value = redis.call('GET', key)
if string.sub(value, 1, 1) ~= '{' then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// NewTokenBucket returns a limiter holding up to Capacity tokens,
// refilled by RefillRate tokens per elapsed interval. Refill is lazy:
// it is computed from the stored next refill time on each call and
// never adds less than one quantum once that time has passed.
//
// Count and AvailableCount both return the stored token count, or
// the initial count when the bucket was never used.
func NewTokenBucket(ctx context.Context, store Store, settings TokenBucketSettings, options ...Option) (*Engine, error) {
	return newEngine(
		ctx,
		store,
		&tokenBucket{settings: settings},
		settings.RateLimitSettings,
		options...,
	)
}

func (*tokenBucket) name() string { return "token-bucket" }

func (*tokenBucket) tick() time.Duration { return time.Millisecond }

func (*tokenBucket) parameters() []string {
	return []string{slotCapacity, slotRefillRate}
}

func (b *tokenBucket) compileScript(refs map[string]string) (string, error) {
	data := templateData(refs)
	data["emptyOnStart"] = b.settings.EmptyOnStart

	return compileScript(b.name(), tokenBucketScript, data)
}

func (b *tokenBucket) parameterValue(slot string) (string, error) {
	switch slot {
	case slotCapacity:
		return strconv.FormatInt(b.settings.Capacity, 10), nil
	case slotRefillRate:
		return strconv.FormatInt(b.settings.RefillRate, 10), nil
	}

	return "", fmt.Errorf("unknown token-bucket parameter %q", slot)
}

func (*tokenBucket) parseResponse(values []int64, _ int) (*Result, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected token-bucket reply of %d values", len(values))
	}

	return &Result{
		Successful:  values[1] == 1,
		ActiveCount: values[0],
	}, nil
}

func (b *tokenBucket) validate() error {
	if b.settings.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be greater than 0, got %d", ErrInvalidArgument, b.settings.Capacity)
	}

	if b.settings.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be greater than 0, got %d", ErrInvalidArgument, b.settings.RefillRate)
	}

	return nil
}

func (*tokenBucket) healScript() string { return tokenBucketHealScript }

func (b *tokenBucket) count(ctx context.Context, client *redis.Client, key string) (int64, error) {
	raw, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		if b.settings.EmptyOnStart {
			return 0, nil
		}
		return b.settings.Capacity, nil
	}
	if err != nil {
		return 0, err
	}

	var state bucketState
	if err := json.Unmarshal(raw, &state); err != nil {
		return 0, fmt.Errorf("cannot decode bucket state: %w", err)
	}

	return state.TokenCount, nil
}

func (b *tokenBucket) availableCount(ctx context.Context, client *redis.Client, key string) (int64, error) {
	return b.count(ctx, client, key)
}
