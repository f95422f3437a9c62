package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEvalCommand(t *testing.T) {
	script := filepath.Join("..", "..", "pkg", "pac", "testdata", "proxy.pac")

	out, err := run(t, "eval", "--script", script, "http://multi.com/")
	require.NoError(t, err)
	require.Contains(t, out, "Result: HTTPS some-such-proxy; HTTPS any-such-proxy:41")
	require.Contains(t, out, "Chain:  HTTPS some-such-proxy:443; HTTPS any-such-proxy:41")
	require.Contains(t, out, "1. https://some-such-proxy:443")

	out, err = run(t, "eval", "--script", script, "http://anything/", "10.1.1.1")
	require.NoError(t, err)
	require.Contains(t, out, "Chain:  SOCKS5 socks.corp:1080; DIRECT")

	_, err = run(t, "eval", "http://multi.com/")
	require.Error(t, err)
}

func TestResolveAndConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  mode: static\n  static: \"PROXY proxy.corp:3128; DIRECT\"\n  bypass: [\"<local>\"]\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--log-level", "error", "resolve", "https://example.com/", "http://intranet/"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "https://example.com/ -> PROXY proxy.corp:3128; DIRECT")
	require.Contains(t, out.String(), "http://intranet/ -> DIRECT")

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--log-level", "error", "config", "dump"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), `"static": "PROXY proxy.corp:3128; DIRECT"`)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "pacgate dev")
}
