package intake

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/dropsock/internal/buffer"
	"firestige.xyz/dropsock/internal/conntable"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/netctx"
	"firestige.xyz/dropsock/internal/terminate"
)

// connect registers the connection a "src dst" line refers to.
func connect(tbl *conntable.Memory, src, dst string, state conntable.TCPState) {
	tbl.Put(netip.MustParseAddrPort(dst), netip.MustParseAddrPort(src), state)
}

func newTestIntake(opts ...Option) (*Intake, *netctx.Context, *conntable.Memory) {
	tbl := conntable.NewMemory()
	return New(terminate.NewEngine(), opts...), &netctx.Context{Name: "test", Table: tbl}, tbl
}

func TestSessionRunsPairsOnClose(t *testing.T) {
	in, c, tbl := newTestIntake()
	connect(tbl, "1.2.3.4:12345", "5.6.7.8:80", conntable.StateTimeWait)
	connect(tbl, "[::1]:111", "[::2]:222", conntable.StateEstablished)

	s := in.Open(context.Background(), c, "test")
	_, err := s.Write([]byte("1.2.3.4:12345 5.6.7.8:80\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len(), "nothing runs before Close")

	_, err = s.Write([]byte("::1:111 ::2:222"))
	require.NoError(t, err)

	res := s.Finish()
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 40, res.Bytes)
	assert.NoError(t, res.Halt)
	assert.Equal(t, 0, tbl.Len())

	released, aborted := tbl.Counts()
	assert.Equal(t, uint64(1), released)
	assert.Equal(t, uint64(1), aborted)
}

func TestSessionChunkedAcrossQuanta(t *testing.T) {
	in, c, tbl := newTestIntake(WithGrowthQuantum(16))

	var text strings.Builder
	for i := 0; i < 50; i++ {
		src := fmt.Sprintf("10.0.%d.1:%d", i, 30000+i)
		connect(tbl, src, "10.1.0.1:443", conntable.StateEstablished)
		fmt.Fprintf(&text, "%s 10.1.0.1:443\n", src)
	}

	s := in.Open(context.Background(), c, "test")
	data := []byte(text.String())
	for len(data) > 0 {
		n := 7
		if n > len(data) {
			n = len(data)
		}
		_, err := s.Write(data[:n])
		require.NoError(t, err)
		data = data[n:]
	}
	res := s.Finish()
	assert.Equal(t, 50, res.Attempts)
	assert.Equal(t, 0, tbl.Len())
}

func TestSessionTooLarge(t *testing.T) {
	in, c, _ := newTestIntake(WithMaxRequestBytes(32))
	s := in.Open(context.Background(), c, "test")

	n, err := s.Write(make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = s.Write(make([]byte, 13))
	assert.ErrorIs(t, err, core.ErrTooLarge)
	assert.Equal(t, 0, n)
	assert.Equal(t, 20, s.Len())

	_, err = s.Write(make([]byte, 12))
	assert.NoError(t, err, "exactly at the ceiling is accepted")
	require.NoError(t, s.Close())
}

func TestSessionOutOfMemory(t *testing.T) {
	calls := 0
	alloc := func(n int) ([]byte, error) {
		calls++
		if calls > 1 {
			return nil, core.ErrOutOfMemory
		}
		return make([]byte, n), nil
	}
	in, c, tbl := newTestIntake(WithAllocator(alloc), WithGrowthQuantum(32))
	connect(tbl, "1.1.1.1:1", "2.2.2.2:2", conntable.StateEstablished)

	s := in.Open(context.Background(), c, "test")
	_, err := s.Write([]byte("1.1.1.1:1 2.2.2.2:2\n"))
	require.NoError(t, err)
	_, err = s.Write([]byte(strings.Repeat(" ", 64)))
	assert.ErrorIs(t, err, core.ErrOutOfMemory)

	res := s.Finish()
	assert.Equal(t, 1, res.Attempts, "content before the failed write survives")
	assert.Equal(t, 0, tbl.Len())
}

func TestSessionClosed(t *testing.T) {
	in, c, _ := newTestIntake()
	s := in.Open(context.Background(), c, "test")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, core.ErrSessionClosed)
	assert.Equal(t, 0, s.Finish().Attempts)
}

func TestSessionScanOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		attempts int
		halt     error
	}{
		{"whitespace only", " \t\n\n  ", 0, nil},
		{"empty", "", 0, nil},
		{"dangling source", "1.1.1.1:1 2.2.2.2:2\n3.3.3.3:3", 1, nil},
		{"family mismatch", "1.1.1.1:1 2.2.2.2:2\n1.1.1.1:1 ::1:2\n3.3.3.3:3 4.4.4.4:4\n", 1, core.ErrFamilyMismatch},
		{"bad port", "1.1.1.1:99999 2.2.2.2:2\n", 0, core.ErrInvalidPort},
		{"bad address", "host:1 2.2.2.2:2\n", 0, core.ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, c, _ := newTestIntake()
			res, err := in.Drop(context.Background(), c, "test", []byte(tt.text))
			require.NoError(t, err)
			assert.Equal(t, tt.attempts, res.Attempts)
			if tt.halt == nil {
				assert.NoError(t, res.Halt)
			} else {
				assert.ErrorIs(t, res.Halt, tt.halt)
			}
		})
	}
}

func TestSessionIgnoresWriterCancellation(t *testing.T) {
	in, c, tbl := newTestIntake()
	connect(tbl, "1.1.1.1:1", "2.2.2.2:2", conntable.StateEstablished)

	ctx, cancel := context.WithCancel(context.Background())
	s := in.Open(ctx, c, "test")
	_, err := s.Write([]byte("1.1.1.1:1 2.2.2.2:2\n"))
	require.NoError(t, err)
	cancel()

	assert.Equal(t, 1, s.Finish().Attempts)
	assert.Equal(t, 0, tbl.Len())
}

func TestDropRejectsOversize(t *testing.T) {
	in, c, _ := newTestIntake(WithMaxRequestBytes(8))
	res, err := in.Drop(context.Background(), c, "test", []byte("1.1.1.1:1 2.2.2.2:2\n"))
	assert.ErrorIs(t, err, core.ErrTooLarge)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 0, res.Attempts)
}

func TestConcurrentSessions(t *testing.T) {
	in, c, tbl := newTestIntake(WithGrowthQuantum(buffer.Quantum))
	const writers, perWriter = 8, 40
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			connect(tbl, fmt.Sprintf("10.%d.0.1:%d", w, 20000+i), "10.255.0.1:80", conntable.StateEstablished)
		}
	}

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			s := in.Open(context.Background(), c, "test")
			for i := 0; i < perWriter; i++ {
				if _, err := fmt.Fprintf(s, "10.%d.0.1:%d 10.255.0.1:80\n", w, 20000+i); err != nil {
					return err
				}
			}
			if res := s.Finish(); res.Attempts != perWriter {
				return fmt.Errorf("writer %d: %d attempts", w, res.Attempts)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, tbl.Len())
}

func TestSessionIDsAreUnique(t *testing.T) {
	in, c, _ := newTestIntake()
	a := in.Open(context.Background(), c, "test")
	b := in.Open(context.Background(), c, "test")
	assert.NotEqual(t, a.ID(), b.ID())
	a.Abort()
	b.Abort()
}
