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
package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/redlimit/internal/otelutils"
	"go.gearno.de/redlimit/internal/version"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// TelemetryRoundTripper wraps another http.RoundTripper to log,
	// trace and count every outgoing request.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer

		requestsTotal          *prometheus.CounterVec
		requestDurationSeconds *prometheus.HistogramVec

		next http.RoundTripper
	}
)

const (
	tracerName = "go.gearno.de/redlimit/httpclient"
)

var (
	_ http.RoundTripper = (*TelemetryRoundTripper)(nil)
)

// NewTelemetryRoundTripper wraps next. Metrics already registered on
// registerer by another round tripper are shared.
func NewTelemetryRoundTripper(
	next http.RoundTripper,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *TelemetryRoundTripper {
	metricLabels := []string{"method", "host", "status_code"}

	requestsTotal := registerCounterVec(
		registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_client_requests_total",
				Help: "Total number of HTTP requests made.",
			},
			metricLabels,
		),
	)

	requestDurationSeconds := registerHistogramVec(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_client_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			metricLabels,
		),
	)

	return &TelemetryRoundTripper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
		requestsTotal:          requestsTotal,
		requestDurationSeconds: requestDurationSeconds,
	}
}

func registerCounterVec(r prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}

	return c
}

func registerHistogramVec(r prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := r.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}

	return h
}

// RoundTrip executes a single HTTP transaction. Every request carries
// an x-request-id header, generated when the caller did not set one.
func (rt *TelemetryRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("cannot generate request-id: %w", err)
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)

	logger := rt.logger.With(
		log.String("http_request_method", r2.Method),
		log.String("http_request_host", r2.URL.Host),
		log.String("http_request_path", r2.URL.Path),
		log.String("http_request_id", requestID),
	)

	var span trace.Span
	if trace.SpanFromContext(ctx).IsRecording() {
		ctx, span = rt.tracer.Start(
			ctx,
			r2.Method+" "+r2.URL.Path,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r2.Method),
				semconv.ServerAddress(r2.URL.Hostname()),
				semconv.ServerPort(atoi(r2.URL.Port())),
				semconv.URLFull(r2.URL.Redacted()),
				semconv.URLScheme(r2.URL.Scheme),
				attribute.String("http.request_id", requestID),
			),
		)
		defer span.End()

		r2 = r2.WithContext(ctx)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r2.Header))
	}

	resp, err := rt.next.RoundTrip(r2)
	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))

		if span != nil {
			otelutils.RecordError(span, err)
		}

		return nil, err
	}

	if span != nil {
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Status)
		}
	}

	duration := time.Since(start)

	metricLabels := prometheus.Labels{
		"method":      r2.Method,
		"host":        r2.URL.Host,
		"status_code": strconv.Itoa(resp.StatusCode),
	}

	rt.requestsTotal.With(metricLabels).Inc()
	rt.requestDurationSeconds.With(metricLabels).Observe(duration.Seconds())

	logLevel := log.LevelDebug
	if resp.StatusCode >= http.StatusInternalServerError {
		logLevel = log.LevelError
	}

	logger.Log(
		ctx,
		logLevel,
		fmt.Sprintf("%s %s %d %s", r2.Method, r2.URL.Path, resp.StatusCode, duration),
		log.Int("http_response_status_code", resp.StatusCode),
	)

	return resp, nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return v
}
