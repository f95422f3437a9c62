package ipc

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	reloads int
}

func (b *countingBackend) Status() StatusData { return StatusData{Status: "running"} }

func (b *countingBackend) Resolve(_ context.Context, rawURL string) (ResolveResult, error) {
	return ResolveResult{URL: rawURL, Chain: "DIRECT"}, nil
}

func (b *countingBackend) Reload(context.Context) error {
	b.reloads++
	return nil
}

func TestReloadRequiresKnownPeer(t *testing.T) {
	t.Parallel()
	backend := &countingBackend{}
	s := &Server{backend: backend}
	ctx := context.Background()
	reload := &Command{Command: CmdReload}

	require.False(t, peer{}.mayReload())
	_, err := s.process(ctx, reload, peer{})
	require.ErrorContains(t, err, "peer credentials")

	_, err = s.process(ctx, reload, peer{uid: os.Getuid() + 1, pid: 1, known: true})
	require.Error(t, err)
	require.Zero(t, backend.reloads)

	// Unknown peers keep read-only access.
	_, err = s.process(ctx, &Command{Command: CmdGetStatus}, peer{})
	require.NoError(t, err)
	_, err = s.process(ctx, &Command{Command: CmdResolve, Data: []byte(`{"url":"http://a.com/"}`)}, peer{})
	require.NoError(t, err)

	resp, err := s.process(ctx, reload, peer{uid: os.Getuid(), known: true})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 1, backend.reloads)
}
