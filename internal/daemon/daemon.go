// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/command"
	"firestige.xyz/dropsock/internal/config"
	"firestige.xyz/dropsock/internal/conntable"
	"firestige.xyz/dropsock/internal/intake"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
	"firestige.xyz/dropsock/internal/netctx"
	"firestige.xyz/dropsock/internal/netns"
	"firestige.xyz/dropsock/internal/terminate"
)

// Daemon manages the dropsock daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	pidWritten bool
	declared   map[string]config.ContextConfig // contexts owned by the config file

	// Core components
	registry      *netctx.Registry
	journal       audit.Journal
	intake        *intake.Intake
	endpoints     *command.DropEndpoints
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaDropConsumer // nil if command channel disabled
	metricsServer *metrics.Server            // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Empty socketPath or pidFile fall back
// to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		declared:     make(map[string]config.ContextConfig),
		journal:      audit.Nop{},
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	var gctx context.Context
	d.group, gctx = errgroup.WithContext(d.ctx)
	d.ctx = gctx

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"version":  command.Version,
		"hostname": d.config.Node.Hostname,
		"config":   d.configPath,
		"socket":   d.socketPath,
		"backend":  d.config.Table.Backend,
	}).Info("starting dropsock daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Audit journal (non-fatal: terminations still run without it)
	d.openJournal()

	// 5. Termination engine, intake and context registry
	engine := terminate.NewEngine(terminate.WithJournal(d.journal))
	d.intake = intake.New(engine,
		intake.WithMaxRequestBytes(d.config.Intake.MaxRequestBytes),
		intake.WithGrowthQuantum(d.config.Intake.GrowthQuantum),
	)
	backend := d.config.Table.Backend
	d.registry = netctx.NewRegistry(func(spec config.ContextConfig) (conntable.Table, error) {
		return conntable.Open(backend, netns.Path(spec.Netns))
	})

	// 6. Drop endpoints follow the registry
	d.endpoints = command.NewDropEndpoints(d.config.Control.SocketDir, d.intake, d.config.Control.MaxSessions)
	d.endpoints.Attach(d.registry)

	// 7. Command handler and control socket
	d.cmdHandler = command.NewCommandHandler(d.registry, d.intake, d)
	d.cmdHandler.SetJournal(d.journal)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(d.ctx); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	// 8. Contexts declared in the config file
	for _, spec := range d.config.Contexts {
		if _, err := d.registry.Create(spec); err != nil {
			return fmt.Errorf("failed to create context %s: %w", spec.Name, err)
		}
		d.declared[spec.Name] = spec
	}

	// 9. Kafka drop intake (if enabled)
	if d.config.CommandChannel.Enabled && d.config.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with local intakes only
			log.GetLogger().WithError(err).Error("failed to start kafka consumer")
		}
	}

	log.GetLogger().WithField("contexts", d.registry.Len()).Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once and after a failed Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Stop Kafka consumer first (no new remote requests)
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			logger.WithError(err).Error("error stopping kafka consumer")
		}
	}

	// 2. Stop control socket (no new CLI commands)
	if d.udsServer != nil {
		if err := d.udsServer.Stop(); err != nil {
			logger.WithError(err).Error("error stopping control socket")
		}
	}

	// 3. Destroy contexts; their drop endpoints and tables go with them
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			logger.WithError(err).Error("error destroying contexts")
		}
	}
	if d.endpoints != nil {
		d.endpoints.CloseAll()
	}

	// 4. Close audit journal
	if err := d.journal.Close(); err != nil {
		logger.WithError(err).Error("error closing audit journal")
	}

	// 5. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 6. Cancel context and wait for background goroutines
	d.cancel()
	if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("background task failed")
	}

	// 7. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 8. Remove PID file
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")
	log.Flush()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via the control socket
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	log.GetLogger().Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				log.GetLogger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			log.GetLogger().Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			log.GetLogger().WithError(d.ctx.Err()).Info("context cancelled")
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log settings, the declared context set.
// Cold (requires restart): control sockets, intake limits, table backend,
// audit, metrics listen address.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.GetLogger().WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config

	hotReloaded := []string{}
	if err := log.Init(newConfig.Log); err != nil {
		log.GetLogger().WithError(err).Error("failed to reinitialize logging")
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	if changed, err := d.reconcileContexts(newConfig.Contexts); err != nil {
		return fmt.Errorf("failed to apply contexts: %w", err)
	} else if changed {
		hotReloaded = append(hotReloaded, "contexts")
	}

	requiresRestart := []string{}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if newConfig.Intake != old.Intake {
		requiresRestart = append(requiresRestart, "intake")
	}
	if newConfig.Table != old.Table {
		requiresRestart = append(requiresRestart, "table")
	}
	if newConfig.Audit != old.Audit {
		requiresRestart = append(requiresRestart, "audit")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	d.config = newConfig
	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// reconcileContexts makes the declared contexts match specs. Contexts created
// at runtime over the control socket are left alone.
func (d *Daemon) reconcileContexts(specs []config.ContextConfig) (bool, error) {
	want := make(map[string]config.ContextConfig, len(specs))
	for _, s := range specs {
		want[s.Name] = s
	}

	changed := false
	for name, had := range d.declared {
		if s, ok := want[name]; ok && s == had {
			continue
		}
		if err := d.registry.Destroy(name); err != nil {
			log.GetLogger().WithError(err).WithField("context", name).Warn("failed to destroy context")
		}
		delete(d.declared, name)
		changed = true
	}
	for name, s := range want {
		if _, ok := d.declared[name]; ok {
			continue
		}
		if _, err := d.registry.Create(s); err != nil {
			return changed, err
		}
		d.declared[name] = s
		changed = true
	}
	return changed, nil
}

// TriggerShutdown triggers graceful shutdown from external caller (e.g., daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := log.Init(d.config.Log); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"level":  d.config.Log.Level,
		"format": d.config.Log.Format,
	}).Debug("logging initialized")
	return nil
}

// openJournal connects the audit journal if enabled.
func (d *Daemon) openJournal() {
	if !d.config.Audit.Enabled {
		return
	}
	j, err := audit.NewRedis(d.config.Audit)
	if err != nil {
		log.GetLogger().WithError(err).Warn("audit journal unavailable, terminations will not be journaled")
		return
	}
	d.journal = j
	log.GetLogger().WithField("addr", d.config.Audit.Addr).Info("audit journal connected")
}

// startKafkaConsumer starts the Kafka drop consumer in the background group.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaDropConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	ctx := d.ctx
	d.group.Go(func() error {
		return consumer.Start(ctx)
	})
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file, refusing to
// overwrite the file of a daemon that is still alive.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if pid, err := ReadPID(d.pidFile); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.pidWritten = true

	log.GetLogger().WithFields(map[string]interface{}{"path": d.pidFile, "pid": pid}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if !d.pidWritten {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
