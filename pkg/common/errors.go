package common

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var closedConnMessages = []string{
	"use of closed network connection",
	"broken pipe",
	"connection reset by peer",
	"forcibly closed by the remote host",
	"socket is not connected",
}

// IsConnectionClosedErr reports errors that only mean the peer or the local
// side closed the connection.
func IsConnectionClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	errMsg := err.Error()
	for _, msg := range closedConnMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}
	return false
}

func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

func IsDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
