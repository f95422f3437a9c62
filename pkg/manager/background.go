package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yolkispalkis/pacgate/pkg/common"
)

const (
	kerberosCheckInterval = 5 * time.Minute
	failedRefreshRetry    = time.Minute
)

// CredentialRefresher is implemented by proxy authenticators whose
// credentials expire, e.g. *kerb.Authenticator.
type CredentialRefresher interface {
	Refresh() error
}

// BackgroundTasks runs the periodic PAC refresh and credential check.
type BackgroundTasks struct {
	ctx             context.Context
	refreshScript   func(context.Context) error
	refreshInterval time.Duration
	credentials     CredentialRefresher
	wg              sync.WaitGroup
}

func NewBackgroundTasks(ctx context.Context, refreshScript func(context.Context) error, interval time.Duration, creds CredentialRefresher) *BackgroundTasks {
	return &BackgroundTasks{
		ctx:             ctx,
		refreshScript:   refreshScript,
		refreshInterval: interval,
		credentials:     creds,
	}
}

func (bt *BackgroundTasks) Run() {
	if bt.refreshScript != nil && bt.refreshInterval > 0 {
		bt.wg.Add(1)
		go func() {
			defer bt.wg.Done()
			bt.scriptLoop()
		}()
	}
	if bt.credentials != nil {
		bt.wg.Add(1)
		go func() {
			defer bt.wg.Done()
			bt.credentialLoop()
		}()
	}
}

// Wait blocks until every loop has returned after ctx is cancelled.
func (bt *BackgroundTasks) Wait() {
	bt.wg.Wait()
}

// scriptLoop re-arms its timer with jitter so that many clients behind one
// PAC server do not refresh in lockstep. A failed refresh is retried after
// at most failedRefreshRetry.
func (bt *BackgroundTasks) scriptLoop() {
	defer slog.Debug("PAC refresh loop stopped.")
	timer := time.NewTimer(common.Jitter(bt.refreshInterval, bt.refreshInterval/10))
	defer timer.Stop()
	for {
		select {
		case <-bt.ctx.Done():
			return
		case <-timer.C:
			slog.Debug("Performing periodic PAC refresh...")
			next := bt.refreshInterval
			if err := bt.refreshScript(bt.ctx); err != nil {
				next = common.MinDuration(next, failedRefreshRetry)
				slog.Warn("Periodic PAC refresh failed", "error", err, "retry_in", next)
			}
			timer.Reset(common.Jitter(next, next/10))
		}
	}
}

func (bt *BackgroundTasks) credentialLoop() {
	defer slog.Debug("Credential check loop stopped.")
	ticker := time.NewTicker(kerberosCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bt.ctx.Done():
			return
		case <-ticker.C:
			slog.Debug("Performing periodic Kerberos ticket check/refresh...")
			if err := bt.credentials.Refresh(); err != nil {
				slog.Warn("Periodic Kerberos check/refresh failed", "error", err)
			}
		}
	}
}
