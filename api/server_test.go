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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracerProvider creates a tracer provider with a span recorder for testing
func setupTracerProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanRecorder),
	)
	return tracerProvider, spanRecorder
}

func TestServer_BasicOperation(t *testing.T) {
	tracerProvider, spanRecorder := setupTracerProvider()

	mux := chi.NewRouter()
	mux.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		RenderJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))
	registry := prometheus.NewRegistry()

	server := NewServer(
		":8080",
		mux,
		WithLogger(logger),
		WithRegisterer(registry),
		WithTracerProvider(tracerProvider),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/items/42", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "42", body["id"])

	// The span ends last, once logs and metrics are written.
	require.Eventually(t, func() bool { return len(spanRecorder.Ended()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "GET /items/42", spanRecorder.Ended()[0].Name())

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "/items/42")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "http.server")

	// Metrics are labelled by route pattern, not by raw path.
	families, err := registry.Gather()
	require.NoError(t, err)

	var pattern string
	for _, f := range families {
		if f.GetName() != "http_server_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" {
					pattern = l.GetValue()
				}
			}
		}
	}
	assert.Equal(t, "/items/{id}", pattern)
}

func TestServer_PanicHandling(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(
		":8080",
		panicHandler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var respBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&respBody))
	assert.Equal(t, "internal error", respBody["error"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")

	// The server keeps serving after a panic.
	resp2, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

func TestServer_Propagation(t *testing.T) {
	tracerProvider, spanRecorder := setupTracerProvider()

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := NewServer(
		":8080",
		handler,
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tracerProvider),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01")
	req.Header.Set("x-request-id", "my-request")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "my-request", resp.Header.Get("x-request-id"))

	require.Eventually(t, func() bool { return len(spanRecorder.Ended()) == 1 }, time.Second, time.Millisecond)
	spans := spanRecorder.Ended()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "0102030405060708", spans[0].Parent().SpanID().String())
}

func TestServer_Health(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for health endpoint")
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(
		":8080",
		handler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	assert.NotContains(t, logBuf.String(), "/health")
}

func TestServer_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	assert.NotPanics(t, func() {
		NewServer(":8080", handler, WithRegisterer(registry))
		NewServer(":8081", handler, WithRegisterer(registry))
	})
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "999B", formatSize(999))
	assert.Equal(t, "1.5kB", formatSize(1500))
	assert.Equal(t, "2.0MB", formatSize(2_000_000))
	assert.True(t, strings.HasSuffix(formatSize(3_000_000_000), "GB"))
}
