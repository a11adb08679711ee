// Package e2e provides black-box test infrastructure for the fleetd runtime:
// a full component stack behind a real HTTP listener, exercised through the
// public API and the WebSocket event stream.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/coordinator"
	"github.com/agentfleet/fleetd/pkg/runtime"
	"github.com/agentfleet/fleetd/pkg/stream"
)

// TestApp boots a complete fleetd instance for e2e testing.
type TestApp struct {
	Config  *config.Config
	Runtime *runtime.Components

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg         *config.Config
	maxParallel int
	taskTimeout time.Duration
	agents      map[string]coordinator.AgentFunc
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithMaxParallel bounds concurrent task execution.
func WithMaxParallel(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxParallel = n }
}

// WithTaskTimeout sets the per-task execution deadline.
func WithTaskTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.taskTimeout = d }
}

// WithAgent registers an agent handler before any workflow runs.
func WithAgent(name string, fn coordinator.AgentFunc) TestAppOption {
	return func(c *testAppConfig) {
		if c.agents == nil {
			c.agents = make(map[string]coordinator.AgentFunc)
		}
		c.agents[name] = fn
	}
}

// NewTestApp creates and starts a full fleetd test instance on a random port.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = config.DefaultConfig()
	}
	if tc.cfg.Storage.JournalDir == "" {
		tc.cfg.Storage.JournalDir = t.TempDir()
	}
	if tc.maxParallel != 0 {
		tc.cfg.Coordinator.MaxParallel = tc.maxParallel
	}
	if tc.taskTimeout != 0 {
		tc.cfg.Coordinator.TaskTimeout = tc.taskTimeout
	}

	ctx := context.Background()
	components, err := runtime.Initialize(ctx, tc.cfg)
	require.NoError(t, err)

	for name, fn := range tc.agents {
		require.NoError(t, components.Registry.Register(name, fn))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = components.Server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:  tc.cfg,
		Runtime: components,
		BaseURL: fmt.Sprintf("http://%s", addr),
		WSURL:   fmt.Sprintf("ws://%s/ws", addr),
		t:       t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		components.Shutdown(shutdownCtx)
	})

	return app
}

// WSConnect opens a WebSocket connection, subscribes with the given filters
// (none means all events), and waits until the server acknowledges the
// subscription so no event published afterwards is missed.
func (app *TestApp) WSConnect(t *testing.T, filters ...stream.Filter) *WSClient {
	t.Helper()

	before := subscribedCount(app.Runtime.Stream.Stats())

	ctx := context.Background()
	ws, err := Connect(ctx, app.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.Subscribe(filters...))
	require.Eventually(t, func() bool {
		return subscribedCount(app.Runtime.Stream.Stats()) > before
	}, 5*time.Second, 10*time.Millisecond, "subscription never acknowledged")

	return ws
}

func subscribedCount(stats stream.Stats) int {
	n := 0
	for _, c := range stats.Clients {
		if c.State == stream.StateSubscribed {
			n++
		}
	}
	return n
}

// GetJSON fetches an API endpoint and decodes the JSON body.
func (app *TestApp) GetJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(app.BaseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}
