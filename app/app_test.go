package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/searchktools/bodystream/config"
)

func TestApp_ServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.ShutdownTimeout = 2 * time.Second

	core, logs := observer.New(zap.InfoLevel)
	a, err := NewWithLogger(cfg, zap.New(core))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/form",
		"application/x-www-form-urlencoded", strings.NewReader("a=1&b=2"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"a":["1"],"b":["2"]}`, string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout")
	}

	parses, bytes, _ := a.Monitor().Totals()
	assert.Equal(t, uint64(1), parses)
	assert.Equal(t, uint64(7), bytes)
	assert.Equal(t, 1, logs.FilterMessage("bodystream starting").Len())
	assert.Equal(t, 1, logs.FilterMessage("stopped").Len())
}

func TestNewWithLogger_BadCodec(t *testing.T) {
	cfg := config.Default()
	cfg.Codec = "xml"

	_, err := NewWithLogger(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.Env = "production"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	cfg.LogLevel = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}
