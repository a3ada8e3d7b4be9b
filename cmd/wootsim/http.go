package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"wootsim/internal/analog"
)

// newRouter wires the HTTP API:
//
//	GET /keys             snapshot of every polled key
//	GET /keys/{scan_code} last polled state of one key
//	GET <wsPath>          WebSocket key feed
func newRouter(ws *Server, wsPath string, handler *analog.Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	if ws != nil {
		ws.Register(r, wsPath)
	}

	r.HandleFunc("/keys", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, handler.Snapshot(), logger)
	}).Methods(http.MethodGet)

	r.HandleFunc("/keys/{scan_code}", func(w http.ResponseWriter, req *http.Request) {
		raw := mux.Vars(req)["scan_code"]
		sc, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || sc >= analog.NumScanCodes {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid scan code: %q", raw)}, logger)
			return
		}
		ks, ok := handler.Key(uint16(sc))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("scan code %d is not polled", sc)}, logger)
			return
		}
		writeJSON(w, http.StatusOK, ks, logger)
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("http response encode failed", "error", err)
	}
}

// runHTTPServer serves handler on addr and shuts down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("http server listening", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ErrServerClosed is the clean Shutdown result.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
