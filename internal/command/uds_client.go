package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/dropsock/internal/audit"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. A JSON-RPC error is returned
// in the Response, not as err.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// call is Call with the JSON-RPC error folded into err and the result
// decoded into out (when non-nil).
func (c *UDSClient) call(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return DecodeResult(resp.Result, out)
}

// DecodeResult decodes a generic JSON result into out using its json tags.
func DecodeResult(result interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Drop runs a drop request through the control socket.
func (c *UDSClient) Drop(ctx context.Context, params DropParams) (DropResult, error) {
	var res DropResult
	err := c.call(ctx, "drop", params, &res)
	return res, err
}

// ContextCreate creates a context. netns may be empty for the daemon's own
// namespace.
func (c *UDSClient) ContextCreate(ctx context.Context, name, netns string) error {
	params := map[string]string{"name": name}
	if netns != "" {
		params["netns"] = netns
	}
	return c.call(ctx, "context_create", params, nil)
}

// ContextDestroy destroys a context.
func (c *UDSClient) ContextDestroy(ctx context.Context, name string) error {
	return c.call(ctx, "context_destroy", ContextDestroyParams{Name: name}, nil)
}

// ContextInfo is one entry of context_list.
type ContextInfo struct {
	Name    string    `json:"name"`
	Netns   string    `json:"netns"`
	Created time.Time `json:"created"`
}

// ContextList lists the daemon's contexts.
func (c *UDSClient) ContextList(ctx context.Context) ([]ContextInfo, error) {
	var res struct {
		Contexts []ContextInfo `json:"contexts"`
	}
	err := c.call(ctx, "context_list", nil, &res)
	return res.Contexts, err
}

// AuditRecent returns the newest journal records of the named context.
func (c *UDSClient) AuditRecent(ctx context.Context, name string, limit int64) ([]audit.Record, error) {
	var res struct {
		Records []audit.Record `json:"records"`
	}
	err := c.call(ctx, "audit_recent", AuditRecentParams{Context: name, Limit: limit}, &res)
	return res.Records, err
}

// ConfigReload asks the daemon to reload its configuration.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.call(ctx, "config_reload", nil, nil)
}

// Status returns daemon status.
func (c *UDSClient) Status(ctx context.Context) (DaemonStatus, error) {
	var st DaemonStatus
	err := c.call(ctx, "daemon_status", nil, &st)
	return st, err
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, "daemon_shutdown", nil, nil)
}

// Ping checks the daemon answers on its control socket.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
