package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yolkispalkis/pacgate/pkg/gateway"
	"github.com/yolkispalkis/pacgate/pkg/ipc"
	"github.com/yolkispalkis/pacgate/pkg/kerb"
	"github.com/yolkispalkis/pacgate/pkg/manager"
)

const controlCallTimeout = 30 * time.Second

// controlBackend answers control socket commands for a running serve.
type controlBackend struct {
	started time.Time
	m       *manager.Manager
	gw      *gateway.Gateway
	krb     *kerb.Authenticator
}

func (b *controlBackend) Status() ipc.StatusData {
	st := b.m.Status()
	data := ipc.StatusData{
		Status:            "running",
		Version:           version,
		UptimeSeconds:     int64(time.Since(b.started).Seconds()),
		Mode:              string(st.Mode),
		ActiveConnections: b.gw.ActiveConnections(),
		BypassEntries:     st.BypassEntries,
		ScriptLoaded:      st.ScriptLoaded,
		ScriptLocation:    st.ScriptLocation,
		Fingerprint:       st.Fingerprint,
		LastError:         st.LastError,
		Cache: ipc.CacheStatus{
			Hits:      st.Cache.Hits,
			Misses:    st.Cache.Misses,
			Evaluated: st.Cache.Evaluated,
			Entries:   st.Cache.Entries,
		},
	}
	if addr := b.gw.Addr(); addr != nil {
		data.ListenAddr = addr.String()
	}
	if (st.Mode == manager.ModePAC || st.Mode == manager.ModeWPAD) && !st.ScriptLoaded {
		data.Status = "degraded"
	}
	if b.krb != nil {
		ks := b.krb.Status()
		data.Kerberos = &ipc.KerberosStatus{
			Initialized: ks.Initialized,
			Principal:   ks.Principal,
			Realm:       ks.Realm,
			CCache:      ks.CCache,
		}
		if !ks.Expiry.IsZero() {
			data.Kerberos.TgtExpiry = ks.Expiry.Format(time.RFC3339)
		}
	}
	return data
}

func (b *controlBackend) Resolve(ctx context.Context, rawURL string) (ipc.ResolveResult, error) {
	chain, err := b.m.ChainForURL(ctx, rawURL)
	if err != nil {
		return ipc.ResolveResult{}, err
	}
	return ipc.ResolveResult{URL: rawURL, Chain: chain.String(), URIs: chain.URIs()}, nil
}

func (b *controlBackend) Reload(ctx context.Context) error {
	return b.m.Refresh(ctx)
}

func (a *app) dialControl(ctx context.Context) (*ipc.Client, error) {
	if a.cfg.Control.SocketPath == "" {
		return nil, errors.New("control.socket_path is not configured")
	}
	return ipc.Dial(ctx, a.cfg.Control.SocketPath)
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway over its control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()
			client, err := a.dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func (a *app) reloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make a running gateway refetch its PAC script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), controlCallTimeout)
			defer cancel()
			client, err := a.dialControl(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Reload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reloaded")
			return nil
		},
	}
}
