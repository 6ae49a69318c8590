package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/command"
	"firestige.xyz/dropsock/internal/config"
)

const clientTimeout = 10 * time.Second

// Client is the part of the control socket API the commands use.
type Client interface {
	Drop(ctx context.Context, params command.DropParams) (command.DropResult, error)
	ContextCreate(ctx context.Context, name, netns string) error
	ContextDestroy(ctx context.Context, name string) error
	ContextList(ctx context.Context) ([]command.ContextInfo, error)
	AuditRecent(ctx context.Context, name string, limit int64) ([]audit.Record, error)
	ConfigReload(ctx context.Context) error
	Status(ctx context.Context) (command.DaemonStatus, error)
	Shutdown(ctx context.Context) error
}

var _ Client = (*command.UDSClient)(nil)

// newClient is replaced in tests.
var newClient = func() Client {
	return command.NewUDSClient(controlConfig().Socket, clientTimeout)
}

// controlConfig returns the control section of the config file, or the
// defaults when the file does not exist, with --socket applied on top.
func controlConfig() config.ControlConfig {
	cfg, err := config.Load(configPath())
	if err != nil {
		exitWithError("failed to load config", err)
	}
	ctl := cfg.Control
	if socketPath != "" {
		ctl.Socket = socketPath
	}
	return ctl
}

// configPath returns --config, or "" for built-in defaults when that file
// does not exist.
func configPath() string {
	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return configFile
}
