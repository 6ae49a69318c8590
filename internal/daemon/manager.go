package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/dropsock/internal/core"
)

const pollInterval = 100 * time.Millisecond

// StartDetached starts the daemon in its own session by re-executing the
// current binary with args, then waits for the control socket to accept
// connections.
func StartDetached(args []string, socketPath, logPath string, timeout time.Duration) (int, error) {
	if SocketAlive(socketPath) {
		return 0, fmt.Errorf("daemon already listening on %s", socketPath)
	}
	execPath, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(execPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s: %w", logPath, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// the child outlives us; reap nothing
	_ = cmd.Process.Release()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if SocketAlive(socketPath) {
			return pid, nil
		}
		if !processAlive(pid) {
			return pid, fmt.Errorf("daemon exited during startup")
		}
		time.Sleep(pollInterval)
	}
	return pid, fmt.Errorf("daemon started but control socket not ready")
}

// StopDaemon sends SIGTERM to the process named in pidFile and waits for it
// to exit.
func StopDaemon(pidFile string, timeout time.Duration) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrDaemonNotRunning, err)
	}
	if !processAlive(pid) {
		return fmt.Errorf("%w: stale pid %d", core.ErrDaemonNotRunning, pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("pid %d still running after %s", pid, timeout)
}

// SocketAlive reports whether something accepts connections on socketPath.
func SocketAlive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ReadPID reads the process ID stored in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
