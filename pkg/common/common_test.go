package common_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/common"
)

func TestErrorClassifiers(t *testing.T) {
	t.Parallel()
	opErr := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	require.True(t, common.IsConnectionClosedErr(opErr))
	require.True(t, common.IsConnectionClosedErr(fmt.Errorf("relay: %w", io.EOF)))
	require.True(t, common.IsConnectionClosedErr(net.ErrClosed))
	require.False(t, common.IsConnectionClosedErr(errors.New("boom")))
	require.False(t, common.IsConnectionClosedErr(nil))

	require.True(t, common.IsTimeoutError(fmt.Errorf("hop: %w", context.DeadlineExceeded)))
	require.False(t, common.IsTimeoutError(context.Canceled))

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	require.True(t, common.IsConnectionRefused(refused))
	require.False(t, common.IsConnectionRefused(nil))

	require.True(t, common.IsDNSError(fmt.Errorf("dial: %w", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true})))
	require.False(t, common.IsDNSError(refused))
}

func TestJitter(t *testing.T) {
	t.Parallel()
	require.Equal(t, time.Minute, common.Jitter(time.Minute, 0))
	for i := 0; i < 100; i++ {
		d := common.Jitter(time.Minute, 6*time.Second)
		require.GreaterOrEqual(t, d, 54*time.Second)
		require.Less(t, d, 66*time.Second)
	}
	require.GreaterOrEqual(t, common.Jitter(time.Second, 10*time.Second), 500*time.Millisecond)
	require.Equal(t, time.Second, common.MinDuration(time.Second, time.Minute))
}
