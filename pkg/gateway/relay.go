package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/yolkispalkis/pacgate/pkg/common"
)

const relayIdleTimeout = 5 * time.Minute

// relay copies in both directions until either side finishes, then closes
// both connections. Each read is bounded by the idle timeout.
func relay(ctx context.Context, client, upstream net.Conn) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	copyData := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, idleReader{conn: src, timeout: relayIdleTimeout})
		if ctxErr := ctx.Err(); ctxErr != nil {
			errChan <- ctxErr
			return
		}
		errChan <- err
	}

	wg.Add(2)
	go copyData(client, upstream)
	go copyData(upstream, client)

	var firstError error
	select {
	case firstError = <-errChan:
	case <-ctx.Done():
		firstError = ctx.Err()
	}

	client.Close()
	upstream.Close()
	wg.Wait()

	select {
	case err := <-errChan:
		if firstError == nil && !isBenignRelayErr(err) {
			slog.Debug("Second relay direction finished", "error", err)
			firstError = err
		}
	default:
	}
	return firstError
}

// isBenignRelayErr reports errors that merely mean the peer went away.
func isBenignRelayErr(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || common.IsConnectionClosedErr(err)
}

// idleReader pushes the read deadline forward before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
