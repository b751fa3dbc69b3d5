package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	b, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultBundle(), b)

	c, err := b.Connect(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "application/json", c.Codec.ContentType())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "chanmux.yaml", `
addr: 0.0.0.0:9000
debug: true
codec: application/cbor
multiplexer:
  maxFrameLength: 4096
  receiveBuffer: 65536
`)
	b, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", b.Addr)
	require.True(t, b.Debug)

	c, err := b.Connect(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, uint32(4096), c.Mux.MaxFrameLength)
	require.Equal(t, uint32(65536), c.Mux.ReceiveBuffer)
	require.Equal(t, uint32(16384), c.Mux.MaxPorts)
	require.Equal(t, "application/cbor", c.Codec.ContentType())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "chanmux.toml", `
addr = "127.0.0.1:9100"
profiler = "127.0.0.1:6060"

[multiplexer]
maxPorts = 64
`)
	b, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9100", b.Addr)
	require.Equal(t, "127.0.0.1:6060", b.Profiler)

	c, err := b.Connect(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, uint32(64), c.Mux.MaxPorts)
}

func TestConnectRejectsInvalid(t *testing.T) {
	b := DefaultBundle()
	b.Codec = "application/x-unknown"
	_, err := b.Connect(zap.NewNop())
	require.Error(t, err)

	b = DefaultBundle()
	b.Multiplexer.MaxFrameLength = 16
	_, err = b.Connect(zap.NewNop())
	require.Error(t, err)
}

func TestListenRebinds(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	l, err = Listen(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
