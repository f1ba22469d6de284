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

package otelutils

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var invalidKey = string([]byte{'r', 'l', ':', 0xff, 0xfe, 'a'})

func TestToValidUTF8(t *testing.T) {
	assert.Equal(t, "rl:user:1", ToValidUTF8("rl:user:1"))

	got := ToValidUTF8(invalidKey)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "\uFFFD")
}

func TestString(t *testing.T) {
	kv := String("ratelimit.key", invalidKey)

	assert.Equal(t, "ratelimit.key", string(kv.Key))
	assert.True(t, utf8.ValidString(kv.Value.AsString()))
}

func TestSanitizeError(t *testing.T) {
	assert.Nil(t, SanitizeError(nil))

	valid := errors.New("connection refused")
	assert.Same(t, valid, SanitizeError(valid))

	err := errors.New(invalidKey)
	serr := SanitizeError(err)
	require.Error(t, serr)
	assert.True(t, utf8.ValidString(serr.Error()))
	assert.ErrorIs(t, serr, err)
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(t.Context(), "op")
	RecordError(span, errors.New(invalidKey))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.True(t, utf8.ValidString(spans[0].Status().Description))
}
