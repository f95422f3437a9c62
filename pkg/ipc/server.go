package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yolkispalkis/pacgate/pkg/common"
)

const (
	writeTimeout    = 2 * time.Second
	readIdleTimeout = 90 * time.Second
)

// Backend executes control commands.
type Backend interface {
	Status() StatusData
	Resolve(ctx context.Context, rawURL string) (ResolveResult, error)
	Reload(ctx context.Context) error
}

type peer struct {
	uid, pid int
	known    bool
}

// mayReload reports whether the peer is root or runs as the server's user.
// A peer whose credentials could not be read may not reload.
func (p peer) mayReload() bool {
	return p.known && (p.uid == 0 || p.uid == os.Getuid())
}

// Server accepts control connections on a unix socket.
type Server struct {
	socketPath string
	listener   net.Listener
	backend    Backend
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Listen creates the socket at socketPath, replacing a stale one, and
// restricts it to the owner and group.
func Listen(socketPath string, backend Backend) (*Server, error) {
	if socketPath == "" {
		return nil, errors.New("control socket path is not configured")
	}
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create control socket directory %s: %w", dir, err)
	}

	if _, err := os.Stat(socketPath); err == nil {
		slog.Info("Removing existing control socket file", "path", socketPath)
		if err := os.Remove(socketPath); err != nil {
			slog.Warn("Failed to remove existing control socket, continuing...", "path", socketPath, "error", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat control socket path %s: %w", socketPath, err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		l.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("failed to chmod control socket %s: %w", socketPath, err)
	}

	slog.Info("Control socket listening", "path", socketPath)
	return &Server{socketPath: socketPath, listener: l, backend: backend}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.socketPath }

// Run accepts connections until ctx is done or Close is called.
func (s *Server) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close() })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					slog.Debug("Control listener closed, stopping accept loop")
					return
				}
				slog.Error("Control socket accept failed", "error", err)
				select {
				case <-time.After(100 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.handleConnection(ctx, c)
			}(conn)
		}
	}()
}

// Close stops accepting and removes the socket file. Open connections end
// when their client disconnects or goes idle.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
		os.Remove(s.socketPath)
	})
	return err
}

// Wait blocks until the accept loop and all handlers have returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logCtx := slog.With("component", "control")
	who, err := peerCredentials(conn)
	if err != nil {
		logCtx.Warn("Failed to read control peer credentials", "error", err)
	} else if who.known {
		logCtx = logCtx.With("uid", who.uid, "pid", who.pid)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var cmd Command
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		err := decoder.Decode(&cmd)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), common.IsConnectionClosedErr(err):
				logCtx.Debug("Control connection closed")
			case common.IsTimeoutError(err):
				logCtx.Debug("Control connection idle, closing", "timeout", readIdleTimeout)
			default:
				logCtx.Warn("Failed to decode control command", "error", err)
			}
			return
		}

		logCmd := logCtx.With("command", cmd.Command)
		logCmd.Debug("Received control command")
		resp, err := s.process(ctx, &cmd, who)
		if err != nil {
			logCmd.Warn("Control command failed", "error", err)
			resp = NewErrorResponse(err.Error())
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = encoder.Encode(resp)
		conn.SetWriteDeadline(time.Time{})
		if err != nil {
			logCmd.Warn("Failed to send control response", "error", err)
			return
		}
	}
}

func (s *Server) process(ctx context.Context, cmd *Command, who peer) (*Response, error) {
	switch cmd.Command {
	case CmdGetStatus:
		return NewOKResponse(s.backend.Status())

	case CmdResolve:
		var data ResolveData
		if err := DecodeData(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid resolve data: %w", err)
		}
		if data.URL == "" {
			return nil, errors.New("resolve requires a url")
		}
		result, err := s.backend.Resolve(ctx, data.URL)
		if err != nil {
			return nil, err
		}
		return NewOKResponse(result)

	case CmdReload:
		if !who.mayReload() {
			if !who.known {
				return nil, errors.New("reload requires peer credentials")
			}
			return nil, fmt.Errorf("uid %d may not reload", who.uid)
		}
		if err := s.backend.Reload(ctx); err != nil {
			return nil, err
		}
		return NewOKResponse(nil)

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}
