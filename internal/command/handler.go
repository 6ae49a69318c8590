// Package command implements the control plane: the JSON-RPC handler and its
// UDS transport, the per-context drop endpoints and the Kafka drop intake.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/config"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/intake"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
	"firestige.xyz/dropsock/internal/netctx"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// CommandHandler handles control plane commands.
type CommandHandler struct {
	registry       *netctx.Registry
	intake         *intake.Intake
	journal        audit.Journal
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(reg *netctx.Registry, in *intake.Intake, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		registry:       reg,
		intake:         in,
		journal:        audit.Nop{},
		configReloader: reloader,
		startTime:      time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetJournal sets the journal served by audit_recent.
func (h *CommandHandler) SetJournal(j audit.Journal) {
	if j != nil {
		h.journal = j
	}
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "drop", "context_create"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// errorResponse maps err onto a JSON-RPC error. Errors caused by the request
// itself are invalid params, everything else is internal.
func errorResponse(id string, op string, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrContextNotFound),
		errors.Is(err, core.ErrContextExists),
		errors.Is(err, core.ErrConfigInvalid),
		errors.Is(err, core.ErrTooLarge):
		code = ErrCodeInvalidParams
	}
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf("%s failed: %v", op, err),
		},
	}
}

func invalidParams(id string, err error) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    ErrCodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		},
	}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{
		"method": cmd.Method,
		"id":     cmd.ID,
	}).Debug("handling command")

	switch cmd.Method {
	case "drop":
		return h.handleDrop(ctx, cmd)
	case "context_create":
		return h.handleContextCreate(ctx, cmd)
	case "context_destroy":
		return h.handleContextDestroy(ctx, cmd)
	case "context_list":
		return h.handleContextList(ctx, cmd)
	case "audit_recent":
		return h.handleAuditRecent(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
}

// DropParams represents parameters for the drop command.
type DropParams struct {
	Context string `json:"context,omitempty"` // default context when empty
	Pairs   string `json:"pairs"`             // request text, "src dst" per line
}

// DropResult is returned by drop on every intake.
type DropResult struct {
	Session  string `json:"session"`
	Accepted int    `json:"accepted"`
	Attempts int    `json:"attempts"`
	Halted   string `json:"halted,omitempty"` // why the scan stopped early
}

func (h *CommandHandler) handleDrop(ctx context.Context, cmd Command) Response {
	var params DropParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	res, err := h.Drop(ctx, metrics.IntakeRPC, params)
	if err != nil {
		return errorResponse(cmd.ID, "drop", err)
	}
	return Response{ID: cmd.ID, Result: res}
}

// Drop runs one drop request against the named context.
func (h *CommandHandler) Drop(ctx context.Context, kind string, params DropParams) (DropResult, error) {
	name := params.Context
	if name == "" {
		name = config.DefaultContext
	}
	c, release, err := h.registry.Acquire(name)
	if err != nil {
		return DropResult{}, err
	}
	defer release()
	res, err := h.intake.Drop(ctx, c, kind, []byte(params.Pairs))
	if err != nil {
		return DropResult{Session: res.ID}, err
	}
	out := DropResult{Session: res.ID, Accepted: res.Bytes, Attempts: res.Attempts}
	if res.Halt != nil {
		out.Halted = res.Halt.Error()
	}
	return out, nil
}

func (h *CommandHandler) handleContextCreate(_ context.Context, cmd Command) Response {
	var raw map[string]interface{}
	if err := json.Unmarshal(cmd.Params, &raw); err != nil {
		return invalidParams(cmd.ID, err)
	}
	spec, err := config.DecodeContext(raw)
	if err != nil {
		return invalidParams(cmd.ID, err)
	}
	c, err := h.registry.Create(spec)
	if err != nil {
		return errorResponse(cmd.ID, "create context", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"name":   c.Name,
			"netns":  c.Netns,
			"status": "created",
		},
	}
}

// ContextDestroyParams represents parameters for context_destroy.
type ContextDestroyParams struct {
	Name string `json:"name"`
}

func (h *CommandHandler) handleContextDestroy(_ context.Context, cmd Command) Response {
	var params ContextDestroyParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return invalidParams(cmd.ID, err)
	}
	if err := h.registry.Destroy(params.Name); err != nil {
		return errorResponse(cmd.ID, "destroy context", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"name":   params.Name,
			"status": "destroyed",
		},
	}
}

func (h *CommandHandler) handleContextList(_ context.Context, cmd Command) Response {
	list := h.registry.List()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"contexts": list,
			"count":    len(list),
		},
	}
}

// AuditRecentParams represents parameters for audit_recent.
type AuditRecentParams struct {
	Context string `json:"context,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
}

func (h *CommandHandler) handleAuditRecent(ctx context.Context, cmd Command) Response {
	params := AuditRecentParams{Limit: 20}
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return invalidParams(cmd.ID, err)
		}
	}
	if params.Context == "" {
		params.Context = config.DefaultContext
	}
	recs, err := h.journal.Recent(ctx, params.Context, params.Limit)
	if err != nil {
		return errorResponse(cmd.ID, "read audit journal", err)
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"context": params.Context,
			"records": recs,
		},
	}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "config reloader not available",
			},
		}
	}

	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, "reload config", err)
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown handler not registered",
			},
		}
	}

	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// DaemonStatus is the result of daemon_status.
type DaemonStatus struct {
	Version   string   `json:"version"`
	UptimeSec int64    `json:"uptime_sec"`
	Contexts  []string `json:"contexts"`
}

func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	var names []string
	for _, c := range h.registry.List() {
		names = append(names, c.Name)
	}
	if names == nil {
		names = []string{}
	}
	return Response{
		ID: cmd.ID,
		Result: DaemonStatus{
			Version:   Version,
			UptimeSec: time.Now().Unix() - h.startTime,
			Contexts:  names,
		},
	}
}
