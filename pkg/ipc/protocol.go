// Package ipc implements the control socket of a running gateway: newline
// delimited JSON commands and responses over a unix socket.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is one request sent to the control socket.
type Command struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one Command.
type Response struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // set when Status is "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command names.
const (
	CmdGetStatus = "get_status"
	CmdResolve   = "resolve"
	CmdReload    = "reload"
)

// ResolveData asks for the chain of one URL.
type ResolveData struct {
	URL string `json:"url"`
}

// ResolveResult is the answer to CmdResolve.
type ResolveResult struct {
	URL   string   `json:"url"`
	Chain string   `json:"chain"` // PAC syntax, e.g. "PROXY p:3128; DIRECT"
	URIs  []string `json:"uris"`
}

// CacheStatus mirrors the resolver cache counters.
type CacheStatus struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evaluated uint64 `json:"evaluated"`
	Entries   int    `json:"entries"`
}

// KerberosStatus describes the credential cache used for proxy authentication.
type KerberosStatus struct {
	Initialized bool   `json:"initialized"`
	Principal   string `json:"principal,omitempty"`
	Realm       string `json:"realm,omitempty"`
	CCache      string `json:"ccache,omitempty"`
	TgtExpiry   string `json:"tgt_expiry,omitempty"` // RFC3339
}

// StatusData is the answer to CmdGetStatus.
type StatusData struct {
	Status            string          `json:"status"` // "running" or "degraded"
	Version           string          `json:"version"`
	UptimeSeconds     int64           `json:"uptime_seconds"`
	Mode              string          `json:"mode"`
	ListenAddr        string          `json:"listen_addr,omitempty"`
	ActiveConnections int64           `json:"active_connections"`
	BypassEntries     int             `json:"bypass_entries"`
	ScriptLoaded      bool            `json:"script_loaded"`
	ScriptLocation    string          `json:"script_location,omitempty"`
	Fingerprint       string          `json:"fingerprint,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	Cache             CacheStatus     `json:"cache"`
	Kerberos          *KerberosStatus `json:"kerberos,omitempty"`
}

// RemoteError is an error reported by the server in a Response.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// NewCommand builds a Command, marshalling data when non-nil.
func NewCommand(command string, data interface{}) (*Command, error) {
	cmd := &Command{Command: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal command data for '%s': %w", command, err)
		}
		cmd.Data = raw
	}
	return cmd, nil
}

// NewOKResponse builds a success response carrying data.
func NewOKResponse(data interface{}) (*Response, error) {
	resp := &Response{Status: StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// NewErrorResponse builds a failure response.
func NewErrorResponse(errMsg string) *Response {
	return &Response{Status: StatusError, Error: errMsg}
}

// DecodeData unmarshals a payload into target. Empty or null payloads leave
// target untouched.
func DecodeData(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if target == nil {
		return errors.New("target for decoding cannot be nil")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal data payload: %w", err)
	}
	return nil
}
