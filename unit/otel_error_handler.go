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
package unit

import (
	"context"

	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
)

type (
	// otelErrorHandler routes errors raised inside the OpenTelemetry
	// SDK, such as failed span exports, to the unit logger.
	otelErrorHandler struct {
		logger *log.Logger
		ctx    context.Context
	}
)

var (
	_ otel.ErrorHandler = (*otelErrorHandler)(nil)
)

func (h *otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	h.logger.ErrorCtx(h.ctx, "opentelemetry sdk error", log.Error(err))
}
