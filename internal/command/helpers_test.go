package command

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"firestige.xyz/dropsock/internal/config"
	"firestige.xyz/dropsock/internal/conntable"
	"firestige.xyz/dropsock/internal/intake"
	"firestige.xyz/dropsock/internal/netctx"
	"firestige.xyz/dropsock/internal/terminate"
)

type fixture struct {
	registry *netctx.Registry
	intake   *intake.Intake
	handler  *CommandHandler
}

func newFixture(t *testing.T, opts ...intake.Option) *fixture {
	t.Helper()
	reg := netctx.NewRegistry(func(config.ContextConfig) (conntable.Table, error) {
		return conntable.NewMemory(), nil
	})
	in := intake.New(terminate.NewEngine(), opts...)
	f := &fixture{
		registry: reg,
		intake:   in,
		handler:  NewCommandHandler(reg, in, nil),
	}
	_, err := reg.Create(config.ContextConfig{Name: config.DefaultContext})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return f
}

// table returns the memory table of the named context.
func (f *fixture) table(t *testing.T, name string) *conntable.Memory {
	t.Helper()
	c, err := f.registry.Get(name)
	require.NoError(t, err)
	return c.Table.(*conntable.Memory)
}

func connect(tbl *conntable.Memory, src, dst string) {
	tbl.Put(netip.MustParseAddrPort(dst), netip.MustParseAddrPort(src), conntable.StateEstablished)
}

// socketDir returns a short temporary directory; sun_path is limited to 108
// bytes and t.TempDir paths can exceed it.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ds")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}
