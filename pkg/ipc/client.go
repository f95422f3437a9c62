package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client talks to a control socket. Calls are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	decoder *json.Decoder
	encoder *json.Encoder
}

// Dial connects to the control socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket %s: %w", socketPath, err)
	}
	return &Client{
		conn:    conn,
		decoder: json.NewDecoder(bufio.NewReader(conn)),
		encoder: json.NewEncoder(conn),
	}, nil
}

// Call sends command with data and decodes the response payload into out,
// which may be nil. A server-side failure is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, command string, data, out interface{}) error {
	cmd, err := NewCommand(command, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(readIdleTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.encoder.Encode(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}
	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read %s response: %w", command, err)
	}
	if resp.Status != StatusOK {
		return &RemoteError{Command: command, Message: resp.Error}
	}
	return DecodeData(resp.Data, out)
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (StatusData, error) {
	var st StatusData
	err := c.Call(ctx, CmdGetStatus, nil, &st)
	return st, err
}

// Resolve asks the server for the chain of rawURL.
func (c *Client) Resolve(ctx context.Context, rawURL string) (ResolveResult, error) {
	var res ResolveResult
	err := c.Call(ctx, CmdResolve, ResolveData{URL: rawURL}, &res)
	return res, err
}

// Reload makes the server refetch its PAC script and reread the environment.
func (c *Client) Reload(ctx context.Context) error {
	return c.Call(ctx, CmdReload, nil, nil)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
