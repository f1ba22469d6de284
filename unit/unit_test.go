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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/redlimit/log"
	"go.opentelemetry.io/otel/trace"
)

type (
	testService struct {
		Greeting string `json:"greeting"`

		err     error
		started chan struct{}
	}

	plainService struct{}
)

func (s *testService) GetConfiguration() any { return s }

func (s *testService) Run(ctx context.Context, logger *log.Logger, r prometheus.Registerer, tp trace.TracerProvider) error {
	if s.started != nil {
		close(s.started)
	}

	if s.err != nil {
		return s.err
	}

	<-ctx.Done()
	return nil
}

func (plainService) Run(ctx context.Context, _ *log.Logger, _ prometheus.Registerer, _ trace.TracerProvider) error {
	<-ctx.Done()
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o600))

	return filename
}

func newTestUnit(main Runnable) (*Unit, *bytes.Buffer) {
	var stdout bytes.Buffer

	u := NewUnit("ratelimitd", "1.2.3", "test", main)
	u.stdout = &stdout
	u.config.Metrics.Addr = "127.0.0.1:0"
	u.config.Log.Level = log.LevelError

	return u, &stdout
}

func TestUnit_LoadConfiguration(t *testing.T) {
	t.Run("unit and service sections", func(t *testing.T) {
		svc := &testService{}
		u, _ := newTestUnit(svc)

		filename := writeConfig(t, `
unit:
  log:
    format: pretty
    level: debug
  metrics:
    addr: ":9191"
  tracing:
    addr: "collector:4318"
    max-batch-size: 10
ratelimitd:
  greeting: hello
`)

		require.NoError(t, u.loadConfigurationFromFile(filename))

		assert.Equal(t, log.FormatPretty, u.config.Log.Format)
		assert.Equal(t, log.LevelDebug, u.config.Log.Level)
		assert.Equal(t, ":9191", u.config.Metrics.Addr)
		assert.Equal(t, "collector:4318", u.config.Tracing.Addr)
		assert.Equal(t, 10, u.config.Tracing.MaxBatchSize)
		assert.Equal(t, 5000, u.config.Tracing.MaxQueueSize, "unset fields keep their default")
		assert.Equal(t, "hello", svc.Greeting)
	})

	t.Run("service without configuration", func(t *testing.T) {
		u, _ := newTestUnit(plainService{})

		filename := writeConfig(t, "ratelimitd:\n  greeting: ignored\n")

		require.NoError(t, u.loadConfigurationFromFile(filename))
	})

	t.Run("missing file", func(t *testing.T) {
		u, _ := newTestUnit(&testService{})

		err := u.loadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot read file")
	})

	t.Run("invalid section", func(t *testing.T) {
		u, _ := newTestUnit(&testService{})

		filename := writeConfig(t, "unit:\n  metrics: 42\n")

		err := u.loadConfigurationFromFile(filename)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `cannot decode "unit" config section`)
	})
}

func TestUnit_Flags(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		u, stdout := newTestUnit(&testService{})

		require.NoError(t, u.run(context.Background(), []string{"-version"}))
		assert.Equal(t, "version: 1.2.3\n", stdout.String())
	})

	t.Run("print configuration", func(t *testing.T) {
		svc := &testService{}
		u, stdout := newTestUnit(svc)

		filename := writeConfig(t, "ratelimitd:\n  greeting: hi\n")

		require.NoError(t, u.run(context.Background(), []string{"-cfg-file", filename, "-print-cfg"}))

		var printed map[string]map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))
		assert.Equal(t, "hi", printed["ratelimitd"]["greeting"])
		assert.Contains(t, printed["unit"], "metrics")
		assert.Contains(t, printed["unit"], "tracing")
	})

	t.Run("unknown flag", func(t *testing.T) {
		u, _ := newTestUnit(&testService{})

		err := u.run(context.Background(), []string{"-nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot parse flags")
	})

	t.Run("missing configuration file", func(t *testing.T) {
		u, _ := newTestUnit(&testService{})

		err := u.run(context.Background(), []string{"-cfg-file", filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot load configuration")
	})
}

func TestUnit_Run(t *testing.T) {
	t.Run("main failure stops the unit", func(t *testing.T) {
		boom := errors.New("boom")
		u, _ := newTestUnit(&testService{err: boom})

		err := u.run(context.Background(), nil)
		require.ErrorIs(t, err, boom)
	})

	t.Run("parent cancellation", func(t *testing.T) {
		svc := &testService{started: make(chan struct{})}
		u, _ := newTestUnit(svc)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- u.run(ctx, nil) }()

		select {
		case <-svc.started:
		case <-time.After(5 * time.Second):
			t.Fatal("service did not start")
		}

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("unit did not stop")
		}
	})

	t.Run("nothing to run", func(t *testing.T) {
		u, _ := newTestUnit(nil)

		err := u.run(context.Background(), nil)
		require.Error(t, err)
	})
}
