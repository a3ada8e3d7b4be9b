package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/rs/xid"
)

// HandlerFunc serves one parsed request. A returned error is sent to the
// client as an error response.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// ServerOptions tunes the control socket.
type ServerOptions struct {
	// AllowUIDs restricts clients by peer UID. Empty allows everyone.
	AllowUIDs []uint32

	// SocketMode is applied to the socket file. Zero uses 0666.
	SocketMode os.FileMode
}

// PeerCred is the credential set of the process on the other end of a
// Unix socket.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

var errNoPeerCred = errors.New("peer credentials unavailable")

// Serve listens on socketPath and serves requests until ctx is canceled.
func Serve(ctx context.Context, socketPath string, handle HandlerFunc, logger *slog.Logger, opts ServerOptions) error {
	if handle == nil {
		return errors.New("ipc handler is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	mode := opts.SocketMode
	if mode == 0 {
		mode = 0666
	}
	if err := os.Chmod(socketPath, mode); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath, "allow_uids", opts.AllowUIDs)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleConnection(ctx, conn, handle, logger.With("conn", xid.New().String()), opts)
	}
}

func handleConnection(ctx context.Context, conn net.Conn, handle HandlerFunc, logger *slog.Logger, opts ServerOptions) {
	defer conn.Close()

	encoder := json.NewEncoder(conn)

	cred, credErr := peerCredentials(conn)
	if credErr == nil {
		logger = logger.With("pid", cred.PID, "uid", cred.UID)
	}
	logger.Debug("IPC connection")

	if len(opts.AllowUIDs) > 0 {
		if credErr != nil || !slices.Contains(opts.AllowUIDs, cred.UID) {
			logger.Warn("IPC peer rejected", "error", credErr)
			if encErr := encoder.Encode(Err(errors.New("peer not allowed"))); encErr != nil {
				logger.Error("IPC failed to send error response", "error", encErr)
			}
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		logger.Debug("IPC received", "line", string(line))

		var resp Response
		req, err := ParseRequest(line)
		if err != nil {
			resp = Err(err)
		} else if resp, err = handle(ctx, req); err != nil {
			resp = Err(err)
		} else if resp.Status == "" {
			resp.Status = StatusOK
		}

		if encErr := encoder.Encode(resp); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
			return
		}
	}

	logger.Debug("IPC connection closed")
}
