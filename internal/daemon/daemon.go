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
// Package daemon wires the Redis client, the configured limiters and
// the HTTP API into a service run by a unit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/redlimit/api"
	"go.gearno.de/redlimit/lease"
	"go.gearno.de/redlimit/log"
	"go.gearno.de/redlimit/ratelimit"
	"go.gearno.de/redlimit/rdb"
	"go.opentelemetry.io/otel/trace"
)

type (
	Config struct {
		HTTP         HTTPConfig                  `json:"http"`
		Redis        RedisConfig                 `json:"redis"`
		PollInterval ratelimit.Duration          `json:"poll-interval"`
		Limiters     map[string]ratelimit.Config `json:"limiters"`
	}

	HTTPConfig struct {
		Addr string `json:"addr"`
	}

	RedisConfig struct {
		Addr     string `json:"addr"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
		Database int    `json:"database"`
		PoolSize int    `json:"pool-size"`
	}

	// Service serves the configured limiters until its context is
	// canceled.
	Service struct {
		cfg Config
	}

	stack struct {
		client   *rdb.Client
		limiters map[string]*lease.Limiter
		handler  http.Handler
	}
)

func New() *Service {
	return &Service{
		cfg: Config{
			HTTP: HTTPConfig{
				Addr: ":8080",
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			PollInterval: ratelimit.Duration(lease.DefaultPollInterval),
			Limiters:     map[string]ratelimit.Config{},
		},
	}
}

func (s *Service) GetConfiguration() any {
	return &s.cfg
}

func (s *Service) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	st, err := s.build(ctx, logger, registerer, tp)
	if err != nil {
		return err
	}
	defer st.close(logger)

	server := api.NewServer(
		s.cfg.HTTP.Addr,
		st.handler,
		api.WithLogger(logger),
		api.WithRegisterer(registerer),
		api.WithTracerProvider(tp),
	)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}
	defer listener.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http requests: %w", err)
		}
		close(serverErrCh)
	}()

	logger.InfoCtx(
		ctx,
		"api server started",
		log.String("addr", listener.Addr().String()),
		log.Int("limiters", len(st.limiters)),
	)

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown api server: %w", err)
	}

	return nil
}

func (s *Service) build(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*stack, error) {
	if len(s.cfg.Limiters) == 0 {
		return nil, errors.New("no limiter configured")
	}

	client, err := rdb.NewClient(
		rdb.WithAddr(s.cfg.Redis.Addr),
		rdb.WithUsername(s.cfg.Redis.Username),
		rdb.WithPassword(s.cfg.Redis.Password),
		rdb.WithDatabase(s.cfg.Redis.Database),
		rdb.WithPoolSize(s.cfg.Redis.PoolSize),
		rdb.WithLogger(logger),
		rdb.WithRegisterer(registerer),
		rdb.WithTracerProvider(tp),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create redis client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot reach redis: %w", err)
	}

	st := &stack{
		client:   client,
		limiters: make(map[string]*lease.Limiter, len(s.cfg.Limiters)),
	}

	for _, name := range slices.Sorted(maps.Keys(s.cfg.Limiters)) {
		cfg := s.cfg.Limiters[name]
		if cfg.Key == "" {
			cfg.Key = name
		}

		engine, err := ratelimit.New(
			ctx,
			client,
			cfg,
			ratelimit.WithLogger(logger),
			ratelimit.WithRegisterer(registerer),
			ratelimit.WithTracerProvider(tp),
		)
		if err != nil {
			st.close(logger)
			return nil, fmt.Errorf("cannot create limiter %q: %w", name, err)
		}

		st.limiters[name] = lease.NewLimiter(
			engine,
			lease.WithName(name),
			lease.WithPollInterval(time.Duration(s.cfg.PollInterval)),
			lease.WithLogger(logger),
			lease.WithRegisterer(registerer),
		)

		logger.InfoCtx(
			ctx,
			"limiter ready",
			log.String("limiter", name),
			log.String("algorithm", string(cfg.Algorithm)),
			log.String("key", cfg.Key),
		)
	}

	st.handler = api.NewRouter(st.limiters, logger)

	return st, nil
}

func (st *stack) close(logger *log.Logger) {
	for name, l := range st.limiters {
		if err := l.Close(); err != nil {
			logger.Warn("cannot close limiter", log.String("limiter", name), log.Error(err))
		}
	}

	if err := st.client.Close(); err != nil {
		logger.Warn("cannot close redis client", log.Error(err))
	}
}
