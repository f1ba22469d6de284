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

// Package rdb provides the Redis client shared by the rate limiters. It
// wraps go-redis with the module conventions: functional options,
// structured logging, OpenTelemetry spans per command and Prometheus
// pool metrics.
//
// A Client hands out one *redis.Client per logical database index. All
// of them share the connection settings and instrumentation of the
// Client they come from.
package rdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/redlimit/internal/version"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client owns the connection pools to a Redis server, one per
	// database index in use.
	Client struct {
		addr     string
		username string
		password string
		database int

		poolSize int

		tlsConfig *tls.Config

		mu      sync.Mutex
		clients map[int]*redis.Client
		closed  bool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}
)

const (
	// DefaultDatabase selects the database index the Client was
	// configured with.
	DefaultDatabase = -1
)

var (
	// ErrClosed is returned when a database is requested from a
	// closed Client.
	ErrClosed = errors.New("rdb: client closed")
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("rdb.client")
	}
}

// WithAddr specifies the server address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUsername sets the ACL user name.
func WithUsername(username string) Option {
	return func(c *Client) {
		c.username = username
	}
}

// WithPassword sets the password used to authenticate.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase sets the database index used by DefaultDatabase.
func WithDatabase(database int) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS configures TLS using the provided certificates for secure
// connections.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		rootCAs := x509.NewCertPool()
		for _, cert := range certs {
			rootCAs.AddCert(cert)
		}

		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}

		c.tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
}

// WithPoolSize sets the maximum number of connections per database.
func WithPoolSize(i int) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates a Redis client. No connection is opened until the
// first command; use Ping to check the server is reachable.
//
// Example:
//
//	client, err := rdb.NewClient(
//	    rdb.WithAddr("redis.example.com:6379"),
//	    rdb.WithPassword("password"),
//	    rdb.WithDatabase(2),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer client.Close()
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:6379",
		poolSize:       10,
		clients:        make(map[int]*redis.Client),
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	_, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	if c.database < 0 {
		return nil, fmt.Errorf("invalid database index %d", c.database)
	}

	if c.poolSize <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", c.poolSize)
	}

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	if _, err := c.Database(DefaultDatabase); err != nil {
		return nil, err
	}

	if err := c.registerer.Register(newCollector(c)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("cannot register pool collector: %w", err)
		}

		c.logger.Warn(
			"pool collector already registered for this address",
			log.String("addr", c.addr),
		)
	}

	return c, nil
}

// Database returns the client bound to the given logical database
// index, creating it on first use. DefaultDatabase selects the index
// set with WithDatabase.
func (c *Client) Database(index int) (*redis.Client, error) {
	if index == DefaultDatabase {
		index = c.database
	}

	if index < 0 {
		return nil, fmt.Errorf("invalid database index %d", index)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if client, ok := c.clients[index]; ok {
		return client, nil
	}

	client := redis.NewClient(
		&redis.Options{
			Addr:      c.addr,
			Username:  c.username,
			Password:  c.password,
			DB:        index,
			PoolSize:  c.poolSize,
			TLSConfig: c.tlsConfig,
		},
	)
	client.AddHook(newHook(c.tracer, c.logger, c.addr, index))

	c.clients[index] = client

	c.logger.Debug(
		"database client created",
		log.String("addr", c.addr),
		log.Int("database", index),
	)

	return client, nil
}

// Ping checks the default database answers.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.Database(DefaultDatabase)
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cannot ping redis: %w", err)
	}

	return nil
}

// Close closes every database client, releasing all resources.
// Database returns ErrClosed afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for index, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cannot close database %d client: %w", index, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Client) poolStats() []*redis.PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make([]*redis.PoolStats, 0, len(c.clients))
	for _, client := range c.clients {
		stats = append(stats, client.PoolStats())
	}

	return stats
}
