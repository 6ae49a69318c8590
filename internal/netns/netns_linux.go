//go:build linux

package netns

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Do runs fn on an OS thread that has joined the namespace at path. Sockets
// created by fn stay bound to that namespace after Do returns.
func Do(path string, fn func() error) error {
	if path == "" {
		return fn()
	}

	errCh := make(chan error, 1)
	go func() {
		// The thread is only handed back to the scheduler once it is in
		// its original namespace again; otherwise it dies with the goroutine.
		runtime.LockOSThread()

		orig, err := os.Open(fmt.Sprintf("/proc/self/task/%d/ns/net", unix.Gettid()))
		if err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("open current netns: %w", err)
			return
		}
		defer orig.Close()

		target, err := os.Open(path)
		if err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("open netns %s: %w", path, err)
			return
		}
		defer target.Close()

		if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNET); err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("setns %s: %w", path, err)
			return
		}

		fnErr := fn()

		if err := unix.Setns(int(orig.Fd()), unix.CLONE_NEWNET); err != nil {
			errCh <- fmt.Errorf("restore netns: %w", err)
			return
		}
		runtime.UnlockOSThread()
		errCh <- fnErr
	}()
	return <-errCh
}
