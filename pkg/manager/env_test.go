package manager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

func envFrom(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestLoadEnvProxies(t *testing.T) {
	t.Parallel()
	e, err := loadEnvProxies(envFrom(map[string]string{
		"HTTP_PROXY":  "http://ignored:1",
		"http_proxy":  "proxy.corp:3128",
		"HTTPS_PROXY": "https://secure.corp",
		"ALL_PROXY":   "socks5h://socks.corp:1081",
		"no_proxy":    "localhost,.corp.example.com",
	}))
	require.NoError(t, err)

	require.Equal(t, pac.Chain{{Kind: pac.KindProxy, Host: "proxy.corp", Port: 3128}}, e.chain("http"))
	require.Equal(t, pac.Chain{{Kind: pac.KindHTTPS, Host: "secure.corp", Port: 443}}, e.chain("HTTPS"))
	require.Equal(t, pac.Chain{{Kind: pac.KindHTTPS, Host: "secure.corp", Port: 443}}, e.chain("wss"))
	require.Equal(t, pac.Chain{{Kind: pac.KindSOCKS5, Host: "socks.corp", Port: 1081}}, e.chain("ftp"))
	require.Equal(t, []string{"localhost", ".corp.example.com"}, e.noProxy)
}

func TestLoadEnvProxiesIgnoresUppercaseHTTP(t *testing.T) {
	t.Parallel()
	e, err := loadEnvProxies(envFrom(map[string]string{"HTTP_PROXY": "http://attacker:1"}))
	require.NoError(t, err)
	require.Equal(t, pac.DirectChain(), e.chain("http"))
}

func TestDirectiveFromProxyURL(t *testing.T) {
	t.Parallel()
	d, err := directiveFromProxyURL("socks4a://10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, pac.Directive{Kind: pac.KindSOCKS4, Host: "10.0.0.1", Port: 1080}, d)

	d, err = directiveFromProxyURL("http://user:pw@[fd00::1]:8080/")
	require.NoError(t, err)
	require.Equal(t, pac.Directive{Kind: pac.KindProxy, Host: "fd00::1", Port: 8080}, d)

	for _, raw := range []string{"ftp://proxy:21", "http://:8080", "http://proxy:0", "http://proxy:99999"} {
		_, err := directiveFromProxyURL(raw)
		require.Error(t, err, raw)
	}
}
