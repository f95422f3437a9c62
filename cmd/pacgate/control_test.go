package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/gateway"
	"github.com/yolkispalkis/pacgate/pkg/ipc"
	"github.com/yolkispalkis/pacgate/pkg/manager"
)

func TestStatusAndReloadCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := manager.New(ctx, manager.Options{Mode: manager.ModeNone, Bypass: []string{"<local>"}})
	require.NoError(t, err)
	defer m.Close()
	gw := gateway.New(m, gateway.Options{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, gw.Start())
	defer gw.Close()

	dir, err := os.MkdirTemp("", "pgctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "control.sock")

	ctl, err := ipc.Listen(socket, &controlBackend{started: time.Now(), m: m, gw: gw})
	require.NoError(t, err)
	ctl.Run(ctx)
	defer func() {
		cancel()
		ctl.Wait()
	}()

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("control:\n  socket_path: "+socket+"\n"), 0o600))

	exec := func(args ...string) string {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	out := exec("status")
	require.Contains(t, out, `"status": "running"`)
	require.Contains(t, out, `"mode": "none"`)
	require.Contains(t, out, `"bypass_entries": 1`)
	require.Contains(t, out, `"listen_addr": "`+gw.Addr().String()+`"`)

	require.Contains(t, exec("reload"), "Reloaded")
}

func TestStatusWithoutServer(t *testing.T) {
	dir, err := os.MkdirTemp("", "pgctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("control:\n  socket_path: "+filepath.Join(dir, "absent.sock")+"\n"), 0o600))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--log-level", "error", "status"})
	require.Error(t, cmd.Execute())
}
