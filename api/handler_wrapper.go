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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
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
	handlerWrapper struct {
		next            http.Handler
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
		tracer          trace.Tracer
		logger          *log.Logger
	}
)

const (
	tracerName = "go.gearno.de/redlimit/api"
)

var (
	internalErrorResponse = map[string]string{
		"error": "internal error",
	}
)

func registerCounterVec(r prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return c
}

func registerHistogramVec(r prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := r.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return h
}

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *handlerWrapper {
	metricLabels := []string{
		"method",
		"status_code",
		"path",
	}

	return &handlerWrapper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
		requestsTotal: registerCounterVec(
			registerer,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests made.",
				},
				metricLabels,
			),
		),
		requestDuration: registerHistogramVec(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
		responseSize: registerHistogramVec(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes.",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				metricLabels,
			),
		),
	}
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
		return
	}

	var (
		r2        = r.Clone(r.Context())
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
		ww        = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", r2.RemoteAddr),
		)
	)

	ctx := otel.GetTextMapPropagator().Extract(
		r2.Context(),
		propagation.HeaderCarrier(r2.Header),
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r2.Method),
			semconv.URLPath(r2.URL.Path),
			semconv.UserAgentOriginal(r2.UserAgent()),
			attribute.String("http.client_ip", r2.RemoteAddr),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// The router fills this context in, which exposes the matched
	// route pattern to the deferred metrics below.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		duration := time.Since(start)
		hasPanic := false

		if rvr := recover(); rvr != nil {
			hasPanic = true

			if err, ok := rvr.(error); ok {
				otelutils.RecordError(span, err)
			} else {
				span.SetStatus(codes.Error, otelutils.ToValidUTF8(fmt.Sprintf("%v", rvr)))
			}

			stack := make([]byte, 1024)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			ww.WriteHeader(http.StatusInternalServerError)
			if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
				logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
			}
		}

		pattern := chi.RouteContext(ctx).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}

		metricLabels := prometheus.Labels{
			"method":      r2.Method,
			"status_code": strconv.Itoa(ww.Status()),
			"path":        pattern,
		}

		hw.requestsTotal.With(metricLabels).Inc()
		hw.requestDuration.With(metricLabels).Observe(duration.Seconds())
		hw.responseSize.With(metricLabels).Observe(float64(ww.BytesWritten()))

		span.SetAttributes(
			semconv.HTTPResponseStatusCode(ww.Status()),
			semconv.HTTPRoute(pattern),
		)

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			ww.Status(),
			formatSize(ww.BytesWritten()),
			duration,
		)

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", ww.Status()),
		)

		if ww.Status() > 499 && !hasPanic {
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", ww.Status()))
		}

		if ww.Status() > 499 || hasPanic {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	}

	return fmt.Sprintf("%.1fGB", float64(n)/1e9)
}
