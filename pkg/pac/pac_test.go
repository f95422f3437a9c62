package pac_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

func loadFixture(t *testing.T, engine *pac.Engine) *pac.Script {
	t.Helper()
	src, err := os.ReadFile("testdata/proxy.pac")
	require.NoError(t, err)
	script, err := engine.LoadScript(context.Background(), string(src))
	require.NoError(t, err)
	return script
}
