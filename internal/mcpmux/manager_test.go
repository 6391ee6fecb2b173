package mcpmux

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func TestManagerCallToolDialsLazily(t *testing.T) {
	t.Parallel()
	m := NewManager(telemetry.NoopBundle(), nil)
	m.Register(ServerConfig{
		ID:          "echo",
		Transport:   TransportStdio,
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestStdioHelperProcess", "--"},
		Env:         append(os.Environ(), stdioHelperEnv+"=1"),
		InitTimeout: 2 * time.Second,
	})
	defer m.Close()

	require.Equal(t, StateDisconnected, m.State("echo"))

	resp, err := m.CallTool(context.Background(), "echo", CallRequest{Tool: "echo", Payload: json.RawMessage(`{"value":"hi"}`)})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Equal(t, "hi", out["value"])

	require.Equal(t, StateReady, m.State("echo"))
	require.True(t, m.Health("echo").Healthy)
}

func TestManagerCallToolUnknownServer(t *testing.T) {
	t.Parallel()
	m := NewManager(telemetry.NoopBundle(), nil)
	defer m.Close()

	_, err := m.CallTool(context.Background(), "nope", CallRequest{Tool: "x"})
	require.Error(t, err)
}
