//go:build !linux

package netns

import "firestige.xyz/dropsock/internal/core"

// Do runs fn directly. Joining another namespace is only possible on Linux.
func Do(path string, fn func() error) error {
	if path != "" {
		return core.ErrUnsupported
	}
	return fn()
}
