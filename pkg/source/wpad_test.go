package source_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/source"
)

func TestCandidates(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"wpad.eng.corp.example.com", "wpad.corp.example.com", "wpad.example.com"},
		source.Candidates("eng.corp.example.com"))
	require.Equal(t, []string{"wpad.example.com"}, source.Candidates("Example.COM."))
	require.Empty(t, source.Candidates("localdomain"))
	require.Empty(t, source.Candidates(""))
}

func TestDiscoverWithLookup(t *testing.T) {
	t.Parallel()
	var tried []string
	l, err := source.NewLocator(source.LocatorOptions{
		Domain: "eng.corp.example.com",
		Lookup: func(_ context.Context, name string) (bool, error) {
			tried = append(tried, name)
			return name == "wpad.corp.example.com", nil
		},
	})
	require.NoError(t, err)

	location, err := l.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://wpad.corp.example.com/wpad.dat", location)
	require.Equal(t, []string{"wpad.eng.corp.example.com", "wpad.corp.example.com"}, tried)
}

func TestDiscoverNothingFound(t *testing.T) {
	t.Parallel()
	boom := errors.New("servfail")
	l, err := source.NewLocator(source.LocatorOptions{
		Domain: "corp.example.com",
		Lookup: func(context.Context, string) (bool, error) { return false, boom },
	})
	require.NoError(t, err)
	_, err = l.Discover(context.Background())
	require.ErrorIs(t, err, source.ErrNoWPAD)
	require.ErrorIs(t, err, boom)

	l, err = source.NewLocator(source.LocatorOptions{
		Domain: "localdomain",
		Lookup: func(context.Context, string) (bool, error) { return true, nil },
	})
	require.NoError(t, err)
	_, err = l.Discover(context.Background())
	require.ErrorIs(t, err, source.ErrNoWPAD)
}

// fakeDNS answers A queries for the given names and NXDOMAIN otherwise.
func fakeDNS(t *testing.T, known ...string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	records := make(map[string]bool)
	for _, name := range known {
		records[dns.Fqdn(name)] = true
	}
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		q := r.Question[0]
		if !records[q.Name] {
			m.SetRcode(r, dns.RcodeNameError)
			w.WriteMsg(m)
			return
		}
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(10, 0, 0, 9),
		})
		w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDiscoverOverDNS(t *testing.T) {
	t.Parallel()
	server := fakeDNS(t, "wpad.example.com")

	l, err := source.NewLocator(source.LocatorOptions{
		Domain:  "corp.example.com",
		Servers: []string{server},
	})
	require.NoError(t, err)
	require.Equal(t, "corp.example.com", l.Domain())

	location, err := l.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://wpad.example.com/wpad.dat", location)
}
