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
// Package httpclient is a client for the ratelimitd HTTP API. Requests
// go through a TelemetryRoundTripper, so every call is logged, counted
// and traced.
//
// Example:
//
//	client, err := httpclient.NewClient("http://ratelimitd:8080")
//	if err != nil {
//	    return err
//	}
//
//	ok, err := client.Attempt(ctx, "search", 1)
package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/redlimit/api"
	"go.gearno.de/redlimit/lease"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option configures a Client.
	Option func(o *Options)

	Options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer
		tlsConfig      *tls.Config
		timeout        time.Duration
	}

	// Client calls a ratelimitd server.
	Client struct {
		baseURL    *url.URL
		httpClient *http.Client
		timeout    time.Duration
	}

	// Error is returned when the server answers with an error
	// status.
	Error struct {
		StatusCode int
		Code       string `json:"error"`
		Message    string `json:"message"`
	}

	leaseResponse struct {
		Acquired bool `json:"acquired"`
	}

	resetResponse struct {
		Deleted bool `json:"deleted"`
	}
)

const (
	// DefaultTimeout bounds every call. Acquire adds its wait on top.
	DefaultTimeout = 30 * time.Second
)

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimitd answered %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// WithTLSConfig sets the TLS configuration used for https base URLs.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *Options) {
		o.tlsConfig = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.client")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

// WithTimeout sets the timeout of every call. Acquire calls get their
// wait added to it.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.timeout = d
	}
}

// DefaultPooledTransport returns a transport with the same defaults as
// http.DefaultTransport keeping idle connections to the same hosts.
// Only use it for transports that will be re-used.
func DefaultPooledTransport(options ...Option) http.RoundTripper {
	opts := configureOptions(options)

	transport := createBaseTransport()
	transport.MaxIdleConnsPerHost = runtime.GOMAXPROCS(0) + 1
	transport.TLSClientConfig = opts.tlsConfig

	return NewTelemetryRoundTripper(transport, opts.logger, opts.tracerProvider, opts.registerer)
}

func createBaseTransport() *http.Transport {
	dial := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial.DialContext,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func configureOptions(options []Option) *Options {
	opts := &Options{
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
		timeout:        DefaultTimeout,
	}

	for _, o := range options {
		o(opts)
	}

	return opts
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	opts := configureOptions(options)

	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			Transport: DefaultPooledTransport(options...),
		},
		timeout: opts.timeout,
	}, nil
}

func (c *Client) endpoint(limiter string, action string, query url.Values) string {
	elems := []string{"limiters", url.PathEscape(limiter)}
	if action != "" {
		elems = append(elems, action)
	}

	u := c.baseURL.JoinPath(elems...)
	u.RawQuery = query.Encode()

	return u.String()
}

func (c *Client) do(
	ctx context.Context,
	timeout time.Duration,
	method string,
	endpoint string,
	accepted []int,
	v any,
) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range accepted {
		if resp.StatusCode == code {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				return fmt.Errorf("cannot decode response: %w", err)
			}

			return nil
		}
	}

	apiErr := &Error{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
		apiErr.Message = resp.Status
	}

	return apiErr
}

// Attempt asks for permits without waiting.
func (c *Client) Attempt(ctx context.Context, limiter string, permits int) (bool, error) {
	query := url.Values{"permits": []string{strconv.Itoa(permits)}}

	var lr leaseResponse
	err := c.do(
		ctx,
		c.timeout,
		http.MethodPost,
		c.endpoint(limiter, "attempt", query),
		[]int{http.StatusOK, http.StatusTooManyRequests},
		&lr,
	)
	if err != nil {
		return false, fmt.Errorf("cannot attempt lease on %q: %w", limiter, err)
	}

	return lr.Acquired, nil
}

// Acquire asks for permits, letting the server wait up to wait for
// them. A zero wait uses the server default.
func (c *Client) Acquire(ctx context.Context, limiter string, permits int, wait time.Duration) (bool, error) {
	query := url.Values{"permits": []string{strconv.Itoa(permits)}}
	if wait > 0 {
		query.Set("timeout", wait.String())
	} else {
		wait = api.DefaultAcquireTimeout
	}

	timeout := c.timeout
	if timeout > 0 {
		timeout += wait
	}

	var lr leaseResponse
	err := c.do(
		ctx,
		timeout,
		http.MethodPost,
		c.endpoint(limiter, "acquire", query),
		[]int{http.StatusOK, http.StatusTooManyRequests},
		&lr,
	)
	if err != nil {
		return false, fmt.Errorf("cannot acquire lease on %q: %w", limiter, err)
	}

	return lr.Acquired, nil
}

// Statistics returns the counters of the named limiter.
func (c *Client) Statistics(ctx context.Context, limiter string) (*lease.Statistics, error) {
	var stats lease.Statistics
	err := c.do(
		ctx,
		c.timeout,
		http.MethodGet,
		c.endpoint(limiter, "statistics", nil),
		[]int{http.StatusOK},
		&stats,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot get statistics of %q: %w", limiter, err)
	}

	return &stats, nil
}

// Reset deletes the stored state of the named limiter and reports
// whether there was any.
func (c *Client) Reset(ctx context.Context, limiter string) (bool, error) {
	var rr resetResponse
	err := c.do(
		ctx,
		c.timeout,
		http.MethodDelete,
		c.endpoint(limiter, "", nil),
		[]int{http.StatusOK},
		&rr,
	)
	if err != nil {
		return false, fmt.Errorf("cannot reset %q: %w", limiter, err)
	}

	return rr.Deleted, nil
}
