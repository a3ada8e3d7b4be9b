package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wootsim/internal/analog"
	"wootsim/internal/ipc"
)

// startDaemonSocket serves a minimal daemon over a real control socket.
func startDaemonSocket(t *testing.T) string {
	t.Helper()

	stub := analog.NewStub()
	handle := func(ctx context.Context, req ipc.Request) (ipc.Response, error) {
		switch req.Type {
		case ipc.TypeRead:
			v, err := stub.ReadAnalog(req.Device, *req.ScanCode)
			if err != nil {
				return ipc.Response{}, err
			}
			return ipc.OKValue(v), nil
		case ipc.TypePeek:
			v, err := stub.Peek(*req.ScanCode)
			if err != nil {
				return ipc.Response{}, err
			}
			return ipc.OKValue(v), nil
		case ipc.TypeSetMode:
			if _, err := analog.ParseKeyCodeMode(req.Mode); err != nil {
				return ipc.Response{}, err
			}
			return ipc.OK(), nil
		case ipc.TypeSnapshot:
			return ipc.Response{Keys: []analog.KeyState{
				{ScanCode: 0x04, Value: 0.3, Pressed: true},
				{ScanCode: 0x1A, Value: 0},
			}}, nil
		case ipc.TypeInitialise, ipc.TypeUninitialize:
			return ipc.OK(), nil
		}
		return ipc.Response{}, errors.New("unsupported")
	}

	dir, err := os.MkdirTemp("", "wctl")
	require.NoError(t, err)
	socketPath := filepath.Join(dir, "d.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ipc.Serve(ctx, socketPath, handle, slog.New(slog.NewTextHandler(io.Discard, nil)), ipc.ServerOptions{})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = os.RemoveAll(dir)
	})

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := ipc.Send(socketPath, ipc.Request{Type: ipc.TypeInitialise}); err == nil {
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCtl_ReadCycle(t *testing.T) {
	socket := startDaemonSocket(t)

	var got []string
	for i := 0; i < 4; i++ {
		out, err := runCtl(t, "--socket", socket, "read", "0x05")
		require.NoError(t, err)
		got = append(got, strings.TrimSpace(out))
	}
	assert.Equal(t, []string{"0.30", "0.60", "0.90", "0.00"}, got)

	out, err := runCtl(t, "--socket", socket, "peek", "5")
	require.NoError(t, err)
	assert.Equal(t, "0.00\n", out)
}

func TestCtl_ReadErrors(t *testing.T) {
	socket := startDaemonSocket(t)

	_, err := runCtl(t, "--socket", socket, "read", "256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan code out of range")

	_, err = runCtl(t, "--socket", socket, "read", "w")
	assert.Error(t, err)

	_, err = runCtl(t, "--socket", socket, "read")
	assert.Error(t, err)
}

func TestCtl_ModeAndLifecycle(t *testing.T) {
	socket := startDaemonSocket(t)

	for _, args := range [][]string{{"mode", "virtualkey"}, {"init"}, {"uninit"}} {
		out, err := runCtl(t, append([]string{"--socket", socket}, args...)...)
		require.NoError(t, err, args)
		assert.Equal(t, "ok\n", out)
	}

	_, err := runCtl(t, "--socket", socket, "mode", "colemak")
	assert.Error(t, err)
}

func TestCtl_Snapshot(t *testing.T) {
	socket := startDaemonSocket(t)

	out, err := runCtl(t, "--socket", socket, "snapshot")
	require.NoError(t, err)
	assert.Equal(t, "0x04 0.30 down\n0x1A 0.00 up\n", out)
}

func TestCtl_NoDaemon(t *testing.T) {
	_, err := runCtl(t, "--socket", filepath.Join(t.TempDir(), "none.sock"), "snapshot")
	assert.Error(t, err)
}

func TestCtl_WatchFlagsExclusive(t *testing.T) {
	_, err := runCtl(t, "watch", "--values", "--edges")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestPrintFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"type":"state_init","ts":"2024-01-01T00:00:00Z","data":{"keys":[]}}`,
			`{"type":"key_value","ts":"2024-01-01T00:00:00Z","data":{"scan_code":5,"value":0.3}}`,
			`{"type":"key_pressed","ts":"2024-01-01T00:00:00Z","data":{"scan_code":5,"value":0.3}}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var out bytes.Buffer
	err = printFeed(conn, &out, func(typ string) bool { return typ != "state_init" })
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "key_value")
	assert.Contains(t, lines[0], `"scan_code":5`)
	assert.Contains(t, lines[1], "key_pressed")
}
