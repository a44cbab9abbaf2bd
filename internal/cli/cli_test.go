package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	"github.com/ChuLiYu/fieldbus-bridge/internal/config"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/server"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "bridge", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "validate", "status", "read", "write"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, defaultConfigFile, configFlag.DefValue)
}

func TestClientCommandsHaveAdminFlag(t *testing.T) {
	for _, cmd := range []*cobra.Command{buildStatusCommand(), buildReadCommand(), buildWriteCommand()} {
		flag := cmd.Flags().Lookup("admin")
		require.NotNil(t, flag, cmd.Name())
		assert.Equal(t, defaultAdminAddr, flag.DefValue)
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
bridge:
  type: ip
  ip: {address: 10.0.0.5}
devices:
  - id: lamp
    channels:
      - id: power
        commands:
          OnOff: {command: "1/1/0"}
`)
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "udp:10.0.0.5:3671/TUNNEL")
	assert.Contains(t, out, "1 (1 channels)")
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeConfig(t, "bridge: {type: serial}\nworkers: {count: 0}\n")
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.serial.port")
	assert.Contains(t, err.Error(), "workers.count")
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, err := execute(t, "run", "-c", "/nonexistent/bridge.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunBridgeOnMemoryBus(t *testing.T) {
	cfg, err := config.Parse([]byte(`
metrics: {enabled: false}
admin: {enabled: false}
devices:
  - id: dimmer
    read: true
    interval: 1
    channels:
      - id: brightness
        initialize: "1/1/2:5.001"
        commands:
          Percent: {command: "1/1/3:5.001", listening: ["1/1/2:5.001"]}
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, runBridge(ctx, cfg))
}

func TestConnectRetriesUntilOnline(t *testing.T) {
	network := link.NewMemoryNetwork(t.Name())
	network.FailOpens(2, errors.New("no route to host"))
	b, err := bridge.New(bridge.DefaultConfig(), network)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, connect(ctx, b, 10*time.Millisecond))
	assert.True(t, b.IsOnline())
	assert.Equal(t, 3, network.Opens())
}

func TestConnectWithoutPeriodFailsFast(t *testing.T) {
	network := link.NewMemoryNetwork(t.Name())
	network.FailOpens(1, errors.New("no route to host"))
	b, err := bridge.New(bridge.DefaultConfig(), network)
	require.NoError(t, err)
	defer b.Close()

	err = connect(context.Background(), b, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

// ============================================================================
// Admin client commands against a served bridge
// ============================================================================

func serveBridge(t *testing.T) (*link.MemoryNetwork, *bridge.Bridge, string) {
	t.Helper()
	network := link.NewMemoryNetwork(t.Name())
	b, err := bridge.New(bridge.DefaultConfig(), network,
		bridge.WithClock(clock.NewFake(time.Unix(0, 0))),
		bridge.WithExecutor(worker.Inline{}))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := grpc.NewServer()
	server.Register(g, server.NewServer(b))
	go func() { _ = g.Serve(lis) }()

	t.Cleanup(func() {
		g.Stop()
		b.Close()
	})
	return network, b, lis.Addr().String()
}

func TestStatusCommand(t *testing.T) {
	_, b, addr := serveBridge(t)
	require.NoError(t, b.ScheduleRead(types.MustParseGroupAddress("1/1/2"), 30*time.Second))

	out, err := execute(t, "status", "--admin", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "CONNECTED")
	assert.Contains(t, out, "Read jobs (1)")
	assert.Contains(t, out, "1/1/2")
	assert.Contains(t, out, "every 30s")
}

func TestReadCommand(t *testing.T) {
	_, b, addr := serveBridge(t)

	out, err := execute(t, "read", "1/1/2", "--interval", "30s", "--admin", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "reading 1/1/2 every 30s")
	require.Len(t, b.Jobs(), 1)
	assert.True(t, b.Jobs()[0].Periodic())

	out, err = execute(t, "read", "1/1/2", "--stop", "--admin", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "unscheduled")
	assert.Empty(t, b.Jobs())

	_, err = execute(t, "read", "1/1/2", "--stop", "--admin", addr)
	assert.Error(t, err, "nothing left to unschedule")

	_, err = execute(t, "read", "--admin", addr)
	assert.Error(t, err, "address argument is required")
}

func TestWriteCommand(t *testing.T) {
	network, _, addr := serveBridge(t)

	out, err := execute(t, "write", "1/1/3", "Percent", "50", "--dpt", "5.001", "--admin", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 50 to 1/1/3")

	frames := network.Sent()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x80}, frames[0].Payload)

	_, err = execute(t, "write", "1/1/3", "Percent", "150", "--admin", addr)
	assert.Error(t, err)
	assert.Len(t, network.Sent(), 1)
}

func TestWriteCommandWhileOffline(t *testing.T) {
	_, b, addr := serveBridge(t)
	b.Disconnect()

	_, err := execute(t, "write", "1/1/0", "OnOff", "ON", "--admin", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was not sent")
}
