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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/redlimit/internal/otelutils"
	"go.gearno.de/redlimit/internal/version"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Engine during
	// initialization.
	Option func(e *Engine)

	// Store hands out the Redis client of a logical database.
	// *rdb.Client implements it.
	Store interface {
		Database(index int) (*redis.Client, error)
	}

	// Limiter is the surface shared by every algorithm.
	Limiter interface {
		Limit(ctx context.Context, count int) (*Result, error)
		LimitAsync(ctx context.Context, count int) *Future[*Result]
		Delete(ctx context.Context) (bool, error)
		DeleteAsync(ctx context.Context) *Future[bool]
		Count(ctx context.Context) (int64, error)
		AvailableCount(ctx context.Context) (int64, error)
	}

	// Result is the outcome of a Limit call.
	Result struct {
		// Successful reports whether the units were admitted.
		Successful bool

		// ActiveCount is the algorithm's view of the state after
		// the call: units in the window, or tokens left in the
		// bucket.
		ActiveCount int64
	}

	// Engine runs one algorithm against its Redis key. Every Limit
	// call is a single script evaluation; the engine keeps no
	// admission state of its own and is safe for concurrent use.
	Engine struct {
		algorithm algorithm
		client    *redis.Client
		key       string
		settings  RateLimitSettings

		slots  []string
		source string
		script *redis.Script

		logger         *log.Logger
		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		registerer     prometheus.Registerer

		limitTotal    *prometheus.CounterVec
		limitDuration *prometheus.HistogramVec
		selfHealTotal *prometheus.CounterVec
	}

	// algorithm is the per-variant part of an Engine.
	algorithm interface {
		// name is used in metrics, spans and logs.
		name() string

		// tick is the resolution of the now and interval ticks
		// passed to the script.
		tick() time.Duration

		// parameters lists the algorithm slots, placed after the
		// base ones.
		parameters() []string

		// compileScript renders the limit script; refs maps every
		// slot name to its ARGV reference.
		compileScript(refs map[string]string) (string, error)

		// parameterValue returns the value of an algorithm slot for
		// the current call.
		parameterValue(slot string) (string, error)

		parseResponse(values []int64, count int) (*Result, error)

		validate() error

		// healScript deletes the key when its shape does not match
		// the algorithm and returns 1 in that case.
		healScript() string

		count(ctx context.Context, client *redis.Client, key string) (int64, error)
		availableCount(ctx context.Context, client *redis.Client, key string) (int64, error)
	}
)

const (
	tracerName = "go.gearno.de/redlimit/ratelimit"

	slotIntervalTicks        = "intervalTicks"
	slotIntervalMilliseconds = "intervalMilliseconds"
	slotNow                  = "now"
	slotCount                = "count"
	slotRate                 = "rate"
	slotCapacity             = "capacity"
	slotRefillRate           = "refillRate"
	slotExpiration           = "expiration"
)

var (
	// ErrInvalidArgument is returned for settings or call arguments
	// the limiter cannot work with.
	ErrInvalidArgument = errors.New("invalid argument")

	baseSlots = []string{
		slotIntervalTicks,
		slotIntervalMilliseconds,
		slotNow,
		slotCount,
	}

	whitespace = regexp.MustCompile(`\s+`)

	_ Limiter = (*Engine)(nil)
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = r
	}
}

// compileScript renders a Lua template and collapses its whitespace so
// the same script always hashes to the same SHA.
func compileScript(name, src string, data map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("cannot parse %s script: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("cannot render %s script: %w", name, err)
	}

	return normalizeScript(buf.String()), nil
}

func normalizeScript(s string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
}

func templateData(refs map[string]string) map[string]any {
	data := make(map[string]any, len(refs))
	for k, v := range refs {
		data[k] = v
	}

	return data
}

func newEngine(ctx context.Context, store Store, alg algorithm, settings RateLimitSettings, options ...Option) (*Engine, error) {
	e := &Engine{
		algorithm:      alg,
		key:            settings.Key,
		settings:       settings,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(e)
	}

	e.logger = e.logger.With(
		log.String("algorithm", alg.name()),
		log.String("key", otelutils.ToValidUTF8(settings.Key)),
	)

	e.tracer = e.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	e.registerMetrics()

	e.slots = append(append([]string{}, baseSlots...), alg.parameters()...)

	refs := make(map[string]string, len(e.slots))
	for i, slot := range e.slots {
		refs[slot] = "ARGV[" + strconv.Itoa(i+1) + "]"
	}

	source, err := alg.compileScript(refs)
	if err != nil {
		return nil, err
	}
	e.source = source
	e.script = redis.NewScript(source)

	if err := e.validate(); err != nil {
		return nil, err
	}

	client, err := store.Database(settings.DatabaseIndex)
	if err != nil {
		return nil, fmt.Errorf("cannot get database %d: %w", settings.DatabaseIndex, err)
	}
	e.client = client

	if err := e.heal(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) registerMetrics() {
	e.limitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "limit_total",
			Help:      "Total number of limit calls.",
		},
		[]string{"algorithm", "successful"},
	)
	if err := e.registerer.Register(e.limitTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.limitTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	e.limitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "limit_duration_seconds",
			Help:      "Duration of limit calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)
	if err := e.registerer.Register(e.limitDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.limitDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	e.selfHealTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "self_heal_total",
			Help:      "Total number of keys deleted because their type did not match the algorithm.",
		},
		[]string{"algorithm"},
	)
	if err := e.registerer.Register(e.selfHealTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.selfHealTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func (e *Engine) validate() error {
	if e.key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	if e.settings.Interval == nil {
		return fmt.Errorf("%w: interval must be set", ErrInvalidArgument)
	}

	if _, err := e.interval(); err != nil {
		return err
	}

	return e.algorithm.validate()
}

func (e *Engine) interval() (time.Duration, error) {
	interval := e.settings.Interval()
	if interval < time.Millisecond {
		return 0, fmt.Errorf("%w: interval must be at least 1ms, got %s", ErrInvalidArgument, interval)
	}

	return interval, nil
}

func (e *Engine) heal(ctx context.Context) error {
	script := redis.NewScript(normalizeScript(e.algorithm.healScript()))

	healed, err := script.Run(ctx, e.client, []string{e.key}).Int64()
	if err != nil {
		return fmt.Errorf("cannot evaluate %s heal script: %w", e.algorithm.name(), err)
	}

	if healed == 1 {
		e.selfHealTotal.WithLabelValues(e.algorithm.name()).Inc()
		e.logger.WarnCtx(ctx, "deleted key holding state of another algorithm")
	}

	return nil
}

// arguments returns the script arguments for one call, in slot order.
func (e *Engine) arguments(count int) ([]any, error) {
	interval, err := e.interval()
	if err != nil {
		return nil, err
	}

	var (
		tick = e.algorithm.tick()
		now  = e.settings.now()
		args = make([]any, len(e.slots))
	)

	for i, slot := range e.slots {
		switch slot {
		case slotIntervalTicks:
			args[i] = strconv.FormatInt(int64(interval/tick), 10)
		case slotIntervalMilliseconds:
			args[i] = strconv.FormatInt(interval.Milliseconds(), 10)
		case slotNow:
			args[i] = strconv.FormatInt(now.UnixNano()/int64(tick), 10)
		case slotCount:
			args[i] = strconv.Itoa(count)
		default:
			v, err := e.algorithm.parameterValue(slot)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
	}

	return args, nil
}

// Limit tries to consume count units in a single script evaluation.
func (e *Engine) Limit(ctx context.Context, count int) (*Result, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be greater than 0, got %d", ErrInvalidArgument, count)
	}

	var (
		start    = time.Now()
		name     = e.algorithm.name()
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = e.tracer.Start(
			ctx,
			"ratelimit.Limit",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.algorithm", name),
				otelutils.String("ratelimit.key", e.key),
				attribute.Int("ratelimit.count", count),
			),
		)
		defer span.End()
	}

	args, err := e.arguments(count)
	if err != nil {
		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}
		return nil, err
	}

	values, err := e.script.Run(ctx, e.client, []string{e.key}, args...).Int64Slice()
	if err != nil {
		err = fmt.Errorf("cannot evaluate %s script: %w", name, err)
		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}
		return nil, err
	}

	result, err := e.algorithm.parseResponse(values, count)
	if err != nil {
		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}
		return nil, err
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.successful", result.Successful),
			attribute.Int64("ratelimit.active_count", result.ActiveCount),
		)
	}

	e.limitTotal.WithLabelValues(name, strconv.FormatBool(result.Successful)).Inc()
	e.limitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	return result, nil
}

// LimitAsync runs Limit in its own goroutine.
func (e *Engine) LimitAsync(ctx context.Context, count int) *Future[*Result] {
	return Async(
		ctx,
		func(ctx context.Context) (*Result, error) {
			return e.Limit(ctx, count)
		},
	)
}

// Delete removes the key and reports whether it existed. The engine
// stays usable; the next Limit call starts from fresh state.
func (e *Engine) Delete(ctx context.Context) (bool, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = e.tracer.Start(
			ctx,
			"ratelimit.Delete",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.algorithm", e.algorithm.name()),
				otelutils.String("ratelimit.key", e.key),
			),
		)
		defer span.End()
	}

	n, err := e.client.Del(ctx, e.key).Result()
	if err != nil {
		err = fmt.Errorf("cannot delete key: %w", err)
		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
		}
		return false, err
	}

	return n > 0, nil
}

// DeleteAsync runs Delete in its own goroutine.
func (e *Engine) DeleteAsync(ctx context.Context) *Future[bool] {
	return Async(ctx, e.Delete)
}

// Count returns the amount currently recorded under the key.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	n, err := e.algorithm.count(ctx, e.client, e.key)
	if err != nil {
		return 0, fmt.Errorf("cannot count %s: %w", e.algorithm.name(), err)
	}

	return n, nil
}

// AvailableCount returns the amount the algorithm reports as
// available; see each constructor for its exact meaning.
func (e *Engine) AvailableCount(ctx context.Context) (int64, error) {
	n, err := e.algorithm.availableCount(ctx, e.client, e.key)
	if err != nil {
		return 0, fmt.Errorf("cannot count available %s: %w", e.algorithm.name(), err)
	}

	return n, nil
}

// Algorithm returns the algorithm name: fixed-window, sliding-window
// or token-bucket.
func (e *Engine) Algorithm() string {
	return e.algorithm.name()
}

// Key returns the Redis key the engine works on.
func (e *Engine) Key() string {
	return e.key
}
