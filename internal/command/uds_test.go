package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUDS(t *testing.T, h *CommandHandler) (string, *UDSServer) {
	t.Helper()
	path := filepath.Join(socketDir(t), "control.sock")
	srv := NewUDSServer(path, h)
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return path, srv
}

func TestUDSClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	path, _ := startUDS(t, f.handler)
	client := NewUDSClient(path, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	require.NoError(t, client.ContextCreate(ctx, "tenant-a", ""))
	list, err := client.ContextList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "default", list[0].Name)
	assert.Equal(t, "tenant-a", list[1].Name)
	assert.False(t, list[1].Created.IsZero())

	connect(f.table(t, "tenant-a"), "192.0.2.1:5000", "192.0.2.2:22")
	res, err := client.Drop(ctx, DropParams{Context: "tenant-a", Pairs: "192.0.2.1:5000 192.0.2.2:22\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 28, res.Accepted)
	assert.Equal(t, 0, f.table(t, "tenant-a").Len())

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "tenant-a"}, st.Contexts)

	recs, err := client.AuditRecent(ctx, "tenant-a", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, client.ContextDestroy(ctx, "tenant-a"))
	err = client.ContextDestroy(ctx, "tenant-a")
	var rpcErr *ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)
}

func TestUDSServerRejectsBadLines(t *testing.T) {
	f := newFixture(t)
	path, _ := startUDS(t, f.handler)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewScanner(conn)

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	require.True(t, r.Scan())
	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(r.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	_, err = conn.Write([]byte(`{"jsonrpc":"1.0","method":"daemon_status","id":7}` + "\n"))
	require.NoError(t, err)
	require.True(t, r.Scan())
	resp = JSONRPCResponse{}
	require.NoError(t, json.Unmarshal(r.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	assert.EqualValues(t, 7, resp.ID)

	// the connection keeps serving after errors
	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","method":"daemon_status","id":8}` + "\n"))
	require.NoError(t, err)
	require.True(t, r.Scan())
	resp = JSONRPCResponse{}
	require.NoError(t, json.Unmarshal(r.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestUDSServerSocketMode(t *testing.T) {
	f := newFixture(t)
	path, srv := startUDS(t, f.handler)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	require.NoError(t, srv.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, srv.Stop())
}

func TestUDSServerStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(socketDir(t), "control.sock")
	srv := NewUDSServer(path, f.handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	client := NewUDSClient(path, time.Second)
	require.Eventually(t, func() bool { return client.Ping(context.Background()) == nil },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestUDSClientNoDaemon(t *testing.T) {
	client := NewUDSClient(filepath.Join(socketDir(t), "absent.sock"), time.Second)
	assert.Error(t, client.Ping(context.Background()))
}
