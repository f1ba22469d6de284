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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/redlimit/lease"
	"go.gearno.de/redlimit/log"
	"go.gearno.de/redlimit/ratelimit"
)

type (
	router struct {
		limiters map[string]*lease.Limiter
		logger   *log.Logger
	}

	leaseResponse struct {
		Acquired bool `json:"acquired"`
	}

	resetResponse struct {
		Deleted bool `json:"deleted"`
	}
)

const (
	// DefaultAcquireTimeout bounds acquire requests without a
	// timeout parameter.
	DefaultAcquireTimeout = 10 * time.Second

	// MaxAcquireTimeout is the longest wait an acquire request can
	// ask for.
	MaxAcquireTimeout = 5 * time.Minute
)

var (
	errUnknownLimiter = errors.New("unknown limiter")
)

// NewRouter returns the HTTP handler serving limiters by name.
func NewRouter(limiters map[string]*lease.Limiter, logger *log.Logger) http.Handler {
	rt := &router{
		limiters: limiters,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		RenderError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		RenderError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	})

	r.Route("/limiters/{name}", func(r chi.Router) {
		r.Post("/attempt", rt.attempt)
		r.Post("/acquire", rt.acquire)
		r.Get("/statistics", rt.statistics)
		r.Delete("/", rt.reset)
	})

	return r
}

func (rt *router) limiter(w http.ResponseWriter, r *http.Request) (*lease.Limiter, bool) {
	name := chi.URLParam(r, "name")

	l, ok := rt.limiters[name]
	if !ok {
		RenderError(w, http.StatusNotFound, fmt.Errorf("%w %q", errUnknownLimiter, name))
		return nil, false
	}

	return l, true
}

func permits(r *http.Request) (int, error) {
	v := r.URL.Query().Get("permits")
	if v == "" {
		return 1, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid permits %q", v)
	}

	return n, nil
}

func timeout(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return DefaultAcquireTimeout, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 || d > MaxAcquireTimeout {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}

	return d, nil
}

func (rt *router) renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrInvalidArgument):
		RenderError(w, http.StatusBadRequest, err)
	case errors.Is(err, lease.ErrClosed):
		RenderError(w, http.StatusServiceUnavailable, err)
	default:
		rt.logger.ErrorCtx(r.Context(), "limiter call failed", log.Error(err))
		RenderError(w, http.StatusInternalServerError, errors.New("limiter unavailable"))
	}
}

func renderLease(w http.ResponseWriter, l *lease.Lease) {
	if !l.Acquired() {
		RenderJSON(w, http.StatusTooManyRequests, leaseResponse{Acquired: false})
		return
	}

	RenderJSON(w, http.StatusOK, leaseResponse{Acquired: true})
}

func (rt *router) attempt(w http.ResponseWriter, r *http.Request) {
	l, ok := rt.limiter(w, r)
	if !ok {
		return
	}

	n, err := permits(r)
	if err != nil {
		RenderError(w, http.StatusBadRequest, err)
		return
	}

	result, err := l.AttemptAcquire(r.Context(), n)
	if err != nil {
		rt.renderError(w, r, err)
		return
	}

	renderLease(w, result)
}

func (rt *router) acquire(w http.ResponseWriter, r *http.Request) {
	l, ok := rt.limiter(w, r)
	if !ok {
		return
	}

	n, err := permits(r)
	if err != nil {
		RenderError(w, http.StatusBadRequest, err)
		return
	}

	d, err := timeout(r)
	if err != nil {
		RenderError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), d)
	defer cancel()

	result, err := l.Acquire(ctx, n)
	if err != nil {
		rt.renderError(w, r, err)
		return
	}

	renderLease(w, result)
}

func (rt *router) statistics(w http.ResponseWriter, r *http.Request) {
	l, ok := rt.limiter(w, r)
	if !ok {
		return
	}

	stats, err := l.Statistics(r.Context())
	if err != nil {
		rt.renderError(w, r, err)
		return
	}

	RenderJSON(w, http.StatusOK, stats)
}

func (rt *router) reset(w http.ResponseWriter, r *http.Request) {
	l, ok := rt.limiter(w, r)
	if !ok {
		return
	}

	deleted, err := l.Reset(r.Context())
	if err != nil {
		rt.renderError(w, r, err)
		return
	}

	RenderJSON(w, http.StatusOK, resetResponse{Deleted: deleted})
}
