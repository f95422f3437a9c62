package ipc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/ipc"
)

type fakeBackend struct {
	reloads atomic.Int32
}

func (f *fakeBackend) Status() ipc.StatusData {
	return ipc.StatusData{Status: "running", Mode: "pac", ScriptLoaded: true, Cache: ipc.CacheStatus{Hits: 3}}
}

func (f *fakeBackend) Resolve(_ context.Context, rawURL string) (ipc.ResolveResult, error) {
	if rawURL == "bad" {
		return ipc.ResolveResult{}, errors.New("invalid url")
	}
	return ipc.ResolveResult{URL: rawURL, Chain: "PROXY p:3128; DIRECT", URIs: []string{"http://p:3128", "direct://"}}, nil
}

func (f *fakeBackend) Reload(context.Context) error {
	f.reloads.Add(1)
	return nil
}

func startServer(t *testing.T) (*ipc.Server, *fakeBackend) {
	t.Helper()
	dir, err := os.MkdirTemp("", "pgipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	backend := &fakeBackend{}
	srv, err := ipc.Listen(filepath.Join(dir, "run", "control.sock"), backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return srv, backend
}

func TestControlRoundTrip(t *testing.T) {
	t.Parallel()
	srv, backend := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := os.Stat(srv.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0660), info.Mode().Perm())

	client, err := ipc.Dial(ctx, srv.Path())
	require.NoError(t, err)
	defer client.Close()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", st.Status)
	require.True(t, st.ScriptLoaded)
	require.EqualValues(t, 3, st.Cache.Hits)
	require.Nil(t, st.Kerberos)

	res, err := client.Resolve(ctx, "http://example.com/")
	require.NoError(t, err)
	require.Equal(t, "PROXY p:3128; DIRECT", res.Chain)
	require.Equal(t, []string{"http://p:3128", "direct://"}, res.URIs)

	_, err = client.Resolve(ctx, "bad")
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "invalid url", remote.Message)

	_, err = client.Resolve(ctx, "")
	require.ErrorAs(t, err, &remote)

	// The connection stays usable after errors.
	require.NoError(t, client.Reload(ctx))
	require.NoError(t, client.Reload(ctx))
	require.EqualValues(t, 2, backend.reloads.Load())

	err = client.Call(ctx, "frobnicate", nil, nil)
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "unknown command")
}

func TestControlCloseRemovesSocket(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t)
	require.NoError(t, srv.Close())
	srv.Wait()

	_, err := os.Stat(srv.Path())
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = ipc.Dial(context.Background(), srv.Path())
	require.Error(t, err)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "pgipc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "control.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	srv, err := ipc.Listen(path, &fakeBackend{})
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	_, err = ipc.Listen("", &fakeBackend{})
	require.Error(t, err)
}

func TestDecodeData(t *testing.T) {
	t.Parallel()
	var data ipc.ResolveData
	require.NoError(t, ipc.DecodeData(nil, &data))
	require.NoError(t, ipc.DecodeData([]byte("null"), &data))
	require.Empty(t, data.URL)
	require.NoError(t, ipc.DecodeData([]byte(`{"url":"http://x/"}`), &data))
	require.Equal(t, "http://x/", data.URL)
	require.Error(t, ipc.DecodeData([]byte(`{"url":`), &data))
}
