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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	slidingWindow struct {
		settings WindowSettings
	}
)

// slidingWindowZAddBatch is the number of members added per ZADD. Lua
// 5.1 cannot unpack much more than 8000 values at once.
const slidingWindowZAddBatch = 1000

const (
	slidingWindowScript = `
local key = KEYS[1]
local score = {{.now}}
local now = tonumber(score)
local intervalTicks = tonumber({{.intervalTicks}})
local count = tonumber({{.count}})
local rate = tonumber({{.rate}})
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - intervalTicks)
local active = redis.call('ZCARD', key)
local added = 0
local activeAfter = active
local function insert()
	local index = redis.call('ZCOUNT', key, score, score)
	local inserted = 0
	local members = {}
	for i = 1, count do
		index = index + 1
		members[#members + 1] = score
		members[#members + 1] = score .. '-' .. index
		if #members >= {{.zaddChunk}} or i == count then
			inserted = inserted + redis.call('ZADD', key, unpack(members))
			members = {}
		end
	end
	return inserted
end
{{if .recordOnlyOnSuccess}}
if rate - active - count >= 0 then
	added = insert()
	activeAfter = active + added
end
{{else}}
local inserted = insert()
activeAfter = active + inserted
if activeAfter <= rate then
	added = inserted
end
{{end}}
{{if .expiration}}
redis.call('PEXPIREAT', key, {{.expiration}})
{{else}}
redis.call('PEXPIRE', key, {{.intervalMilliseconds}})
{{end}}
return { added, activeAfter }
`

	slidingWindowHealScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return 0
end
local t = redis.call('TYPE', key)
if type(t) == 'table' then
	t = t['ok']
end
if t ~= 'zset' then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

// NewSlidingWindow returns a limiter recording every unit as a sorted
// set member scored by its timestamp in microseconds. Each call first
// evicts members older than one interval, so the window slides with
// the clock instead of resetting.
//
// With RecordOnlyOnSuccess set to false every call records its units,
// but only calls keeping the window within Rate are successful. The
// ActiveCount of a refused call still includes the units it recorded.
//
// Count returns the number of members; AvailableCount returns Rate
// minus Count, which goes negative when RecordOnlyOnSuccess is false
// and the window overshoots.
func NewSlidingWindow(ctx context.Context, store Store, settings WindowSettings, options ...Option) (*Engine, error) {
	return newEngine(
		ctx,
		store,
		&slidingWindow{settings: settings},
		settings.RateLimitSettings,
		options...,
	)
}

func (*slidingWindow) name() string { return "sliding-window" }

func (*slidingWindow) tick() time.Duration { return time.Microsecond }

func (w *slidingWindow) parameters() []string {
	return windowParameters(w.settings)
}

func (w *slidingWindow) compileScript(refs map[string]string) (string, error) {
	data := windowTemplateData(w.settings, refs)
	data["zaddChunk"] = 2 * slidingWindowZAddBatch

	return compileScript(w.name(), slidingWindowScript, data)
}

func (w *slidingWindow) parameterValue(slot string) (string, error) {
	return windowParameterValue(w.settings, slot)
}

func (*slidingWindow) parseResponse(values []int64, _ int) (*Result, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected sliding-window reply of %d values", len(values))
	}

	return &Result{
		Successful:  values[0] > 0,
		ActiveCount: values[1],
	}, nil
}

func (w *slidingWindow) validate() error {
	return validateWindow(w.settings)
}

func (*slidingWindow) healScript() string { return slidingWindowHealScript }

func (*slidingWindow) count(ctx context.Context, client *redis.Client, key string) (int64, error) {
	return client.ZCard(ctx, key).Result()
}

func (w *slidingWindow) availableCount(ctx context.Context, client *redis.Client, key string) (int64, error) {
	n, err := w.count(ctx, client, key)
	if err != nil {
		return 0, err
	}

	return w.settings.Rate - n, nil
}
