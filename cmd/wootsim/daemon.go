package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"wootsim/internal/analog"
	"wootsim/internal/ipc"
)

// daemon owns the simulated device and answers control requests.
//
// The stub is shared by the poll loop and IPC connections; reads from
// either side advance the same value table.
type daemon struct {
	stub    *analog.Stub
	handler *analog.Handler
	logger  *slog.Logger
}

func newDaemon(stub *analog.Stub, cfg analog.HandlerConfig, logger *slog.Logger) (*daemon, error) {
	h, err := analog.NewHandler(stub, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &daemon{stub: stub, handler: h, logger: logger}, nil
}

// parseModeArg accepts a mode name or a raw integer. Integers are passed to
// the SDK unchecked.
func parseModeArg(s string) (analog.KeyCodeMode, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return analog.KeyCodeMode(n), nil
	}
	return analog.ParseKeyCodeMode(s)
}

// handleIPC maps a control request onto the stub or the handler.
func (d *daemon) handleIPC(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	switch req.Type {
	case ipc.TypeInitialise:
		if err := d.stub.Initialise(); err != nil {
			return ipc.Response{}, fmt.Errorf("initialise: %w", err)
		}
		return ipc.OK(), nil

	case ipc.TypeUninitialize:
		if err := d.stub.Uninitialize(); err != nil {
			return ipc.Response{}, fmt.Errorf("uninitialize: %w", err)
		}
		return ipc.OK(), nil

	case ipc.TypeSetMode:
		mode, err := parseModeArg(req.Mode)
		if err != nil {
			return ipc.Response{}, err
		}
		if err := d.stub.SetKeyCodeMode(mode); err != nil {
			return ipc.Response{}, fmt.Errorf("set key code mode: %w", err)
		}
		d.logger.Debug("key code mode set", "mode", mode.String())
		return ipc.OK(), nil

	case ipc.TypeRead:
		v, err := d.stub.ReadAnalog(req.Device, *req.ScanCode)
		if err != nil {
			return ipc.Response{}, err
		}
		return ipc.OKValue(v), nil

	case ipc.TypePeek:
		v, err := d.stub.Peek(*req.ScanCode)
		if err != nil {
			return ipc.Response{}, err
		}
		return ipc.OKValue(v), nil

	case ipc.TypeSnapshot:
		return ipc.Response{Status: ipc.StatusOK, Keys: d.handler.Snapshot()}, nil

	default:
		return ipc.Response{}, fmt.Errorf("unknown request type: %q", req.Type)
	}
}

// forwardKeyEvents drains the handler's events, logs edges, and forwards
// everything to out without blocking. out may be nil when nothing consumes
// the feed. It closes out when the handler stops.
func (d *daemon) forwardKeyEvents(ctx context.Context, out chan<- analog.KeyEvent) {
	if out != nil {
		defer close(out)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-d.handler.Events():
			if !ok {
				return
			}

			if ev.Kind != analog.KeyValue {
				d.logger.Debug(ev.Kind.String(), "scan_code", ev.ScanCode, "value", ev.Value)
			}

			if out == nil {
				continue
			}
			select {
			case out <- ev:
			default:
				d.logger.Warn("broadcast queue full, dropping key event", "kind", ev.Kind.String(), "scan_code", ev.ScanCode)
			}
		}
	}
}
