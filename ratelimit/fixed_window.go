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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	fixedWindow struct {
		settings WindowSettings
	}
)

const (
	fixedWindowScript = `
local key = KEYS[1]
local count = tonumber({{.count}})
local rate = tonumber({{.rate}})
local current = redis.call('GET', key)
local activeBefore = 0
if current then
	activeBefore = tonumber(current) or 0
end
local activeAfter = activeBefore
local added = 0
{{if .recordOnlyOnSuccess}}
if rate - activeBefore - count >= 0 then
	activeAfter = redis.call('INCRBY', key, count)
	added = activeAfter - activeBefore
end
{{else}}
activeAfter = redis.call('INCRBY', key, count)
if activeAfter <= rate then
	added = activeAfter - activeBefore
end
{{end}}
if activeAfter > activeBefore and (activeBefore == 0 or redis.call('PTTL', key) == -1) then
{{if .expiration}}
	redis.call('PEXPIREAT', key, {{.expiration}})
{{else}}
	redis.call('PEXPIRE', key, {{.intervalMilliseconds}})
{{end}}
end
return { added, activeAfter }
`

	fixedWindowHealScript = `
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
if string.sub(value, 1, 1) == '{' then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// NewFixedWindow returns a limiter counting units in a single counter
// that expires one interval after the first unit of the window, or at
// the settings' absolute expiration.
//
// A refused call reports the current counter as its ActiveCount, never
// zero. With RecordOnlyOnSuccess set to false the refused units are
// still added to the counter and included in that count.
//
// Count and AvailableCount both return the raw counter: the units
// consumed in the current window, not the headroom left.
func NewFixedWindow(ctx context.Context, store Store, settings WindowSettings, options ...Option) (*Engine, error) {
	return newEngine(
		ctx,
		store,
		&fixedWindow{settings: settings},
		settings.RateLimitSettings,
		options...,
	)
}

func (*fixedWindow) name() string { return "fixed-window" }

func (*fixedWindow) tick() time.Duration { return time.Millisecond }

func (w *fixedWindow) parameters() []string {
	return windowParameters(w.settings)
}

func (w *fixedWindow) compileScript(refs map[string]string) (string, error) {
	return compileScript(w.name(), fixedWindowScript, windowTemplateData(w.settings, refs))
}

func (w *fixedWindow) parameterValue(slot string) (string, error) {
	return windowParameterValue(w.settings, slot)
}

func (*fixedWindow) parseResponse(values []int64, _ int) (*Result, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected fixed-window reply of %d values", len(values))
	}

	return &Result{
		Successful:  values[0] > 0,
		ActiveCount: values[1],
	}, nil
}

func (w *fixedWindow) validate() error {
	return validateWindow(w.settings)
}

func (*fixedWindow) healScript() string { return fixedWindowHealScript }

func (*fixedWindow) count(ctx context.Context, client *redis.Client, key string) (int64, error) {
	n, err := client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return n, err
}

func (w *fixedWindow) availableCount(ctx context.Context, client *redis.Client, key string) (int64, error) {
	return w.count(ctx, client, key)
}

// The helpers below are shared by both window algorithms.

func windowParameters(s WindowSettings) []string {
	slots := []string{slotRate}
	if s.Expiration != nil {
		slots = append(slots, slotExpiration)
	}

	return slots
}

func windowTemplateData(s WindowSettings, refs map[string]string) map[string]any {
	data := templateData(refs)
	data["recordOnlyOnSuccess"] = s.RecordOnlyOnSuccess
	if _, ok := data[slotExpiration]; !ok {
		data[slotExpiration] = ""
	}

	return data
}

func windowParameterValue(s WindowSettings, slot string) (string, error) {
	switch slot {
	case slotRate:
		return strconv.FormatInt(s.Rate, 10), nil
	case slotExpiration:
		return strconv.FormatInt(s.Expiration().UnixMilli(), 10), nil
	}

	return "", fmt.Errorf("unknown window parameter %q", slot)
}

func validateWindow(s WindowSettings) error {
	if s.Rate <= 0 {
		return fmt.Errorf("%w: rate must be greater than 0, got %d", ErrInvalidArgument, s.Rate)
	}

	return nil
}
