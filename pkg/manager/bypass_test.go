package manager_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/manager"
)

func TestBypassMatch(t *testing.T) {
	t.Parallel()
	b, err := manager.ParseBypass([]string{
		"<local>",
		"corp.example.com",
		".internal.example.org",
		"*.svc.cluster",
		"10.0.0.0/8",
		"192.168.1.10",
		"fd00::/8",
		"registry.example.net:5000",
		"[::1]:8080",
		" ",
	})
	require.NoError(t, err)
	require.Equal(t, 9, b.Len())

	cases := []struct {
		host string
		port int
		want bool
	}{
		{"intranet", 80, true},
		{"corp.example.com", 443, true},
		{"WIKI.Corp.Example.com.", 443, true},
		{"notcorp.example.com", 443, false},
		{"internal.example.org", 80, true},
		{"a.b.internal.example.org", 80, true},
		{"api.svc.cluster", 80, true},
		{"svc.cluster", 80, false},
		{"10.1.2.3", 80, true},
		{"11.1.2.3", 80, false},
		{"192.168.1.10", 22, true},
		{"192.168.1.11", 22, false},
		{"[fd12::1]", 443, true},
		{"registry.example.net", 5000, true},
		{"registry.example.net", 443, false},
		{"::1", 8080, true},
		{"::1", 80, false},
		{"example.com", 80, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, b.Match(tc.host, tc.port), "%s:%d", tc.host, tc.port)
	}
}

func TestBypassWildcard(t *testing.T) {
	t.Parallel()
	b, err := manager.ParseBypass([]string{"*"})
	require.NoError(t, err)
	require.True(t, b.Match("anything.example.com", 443))

	var none *manager.Bypass
	require.False(t, none.Match("anything", 80))
}

func TestParseBypassErrors(t *testing.T) {
	t.Parallel()
	for _, entry := range []string{"example.com:http", "example.com:70000", "example.com:+80", "[::1", "[::1]x", "..."} {
		_, err := manager.ParseBypass([]string{entry})
		require.Error(t, err, entry)
	}
}
