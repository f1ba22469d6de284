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

package rdb

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/redlimit/internal/otelutils"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// hook traces and logs every command sent through a database
	// client.
	hook struct {
		tracer   trace.Tracer
		logger   *log.Logger
		attrs    []attribute.KeyValue
		database int
	}
)

var (
	_ redis.Hook = (*hook)(nil)
)

const (
	tracerName = "go.gearno.de/redlimit/rdb"

	// PipelineSizeKey represents the number of commands in a
	// pipeline.
	PipelineSizeKey = attribute.Key("db.operation.batch.size")

	// DBSystemNameKey represents the database product.
	DBSystemNameKey = attribute.Key("db.system.name")
)

func newHook(tracer trace.Tracer, logger *log.Logger, addr string, database int) *hook {
	attrs := []attribute.KeyValue{
		DBSystemNameKey.String("redis"),
		semconv.DBNamespace(strconv.Itoa(database)),
	}

	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		port, _ := strconv.Atoi(portStr)
		attrs = append(
			attrs,
			semconv.NetworkPeerAddress(host),
			semconv.NetworkPeerPort(port),
		)
	}

	return &hook{
		tracer:   tracer,
		logger:   logger.With(log.Int("database", database)),
		attrs:    attrs,
		database: database,
	}
}

func operationName(cmd redis.Cmder) string {
	name := cmd.Name()
	if name == "" {
		return "UNKNOWN"
	}

	return strings.ToUpper(name)
}

func isFailure(err error) bool {
	return err != nil && !errors.Is(err, redis.Nil)
}

func (h *hook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !trace.SpanFromContext(ctx).IsRecording() {
			conn, err := next(ctx, network, addr)
			if err != nil {
				h.logger.WarnCtx(ctx, "cannot dial redis", log.String("addr", addr), log.Error(err))
			}
			return conn, err
		}

		ctx, span := h.tracer.Start(
			ctx,
			"redis.dial",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(h.attrs...),
		)
		defer span.End()

		conn, err := next(ctx, network, addr)
		if err != nil {
			otelutils.RecordError(span, err)
			h.logger.WarnCtx(ctx, "cannot dial redis", log.String("addr", addr), log.Error(err))
		}

		return conn, err
	}
}

func (h *hook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		var (
			rootSpan  = trace.SpanFromContext(ctx)
			span      trace.Span
			operation = operationName(cmd)
			start     = time.Now()
		)

		if rootSpan.IsRecording() {
			ctx, span = h.tracer.Start(
				ctx,
				"redis."+strings.ToLower(operation),
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(h.attrs...),
				trace.WithAttributes(semconv.DBOperationName(operation)),
			)
			defer span.End()
		}

		err := next(ctx, cmd)

		if isFailure(err) {
			if rootSpan.IsRecording() {
				otelutils.RecordError(span, err)
			}

			h.logger.WarnCtx(
				ctx,
				"redis command failed",
				log.String("operation", operation),
				log.Error(err),
			)
		} else if h.logger.Enabled(ctx, log.LevelDebug) {
			h.logger.DebugCtx(
				ctx,
				"redis command",
				log.String("operation", operation),
				log.Duration("duration", time.Since(start)),
			)
		}

		return err
	}
}

func (h *hook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		var (
			rootSpan = trace.SpanFromContext(ctx)
			span     trace.Span
		)

		if rootSpan.IsRecording() {
			ctx, span = h.tracer.Start(
				ctx,
				"redis.pipeline",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(h.attrs...),
				trace.WithAttributes(PipelineSizeKey.Int(len(cmds))),
			)
			defer span.End()
		}

		err := next(ctx, cmds)
		if isFailure(err) {
			if rootSpan.IsRecording() {
				otelutils.RecordError(span, err)
			}

			h.logger.WarnCtx(
				ctx,
				"redis pipeline failed",
				log.Int("commands", len(cmds)),
				log.Error(err),
			)
		}

		return err
	}
}
