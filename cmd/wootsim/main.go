package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wootsim/internal/analog"
	"wootsim/internal/ipc"
)

const version = "0.1.0"

func printVersion() {
	fmt.Printf("wootsim v%s\n", version)
	fmt.Println("Simulated analog keyboard daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  wootsim [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs a simulated analog keyboard. Every read of a key advances its depth")
	fmt.Println("  by 0.3 and wraps to 0 past full travel. Polled keys are reported as")
	fmt.Println("  press/release events over a WebSocket feed; the device itself is")
	fmt.Println("  reachable over a Unix control socket (see wootctl).")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -device uint")
	fmt.Println("        Device id passed to reads (default 0)")
	fmt.Println()
	fmt.Println("  -key-mode string")
	fmt.Println("        Key code mode: hid|scancode1|virtualkey (default \"hid\")")
	fmt.Println()
	fmt.Println("  -scan-codes string")
	fmt.Println("        Comma-separated scan codes to poll, decimal or 0x hex (default W,A,S,D HID codes)")
	fmt.Println()
	fmt.Println("  -poll-interval-ms int")
	fmt.Printf("        Poll interval in ms (default %d)\n", int(analog.DefaultPollInterval/time.Millisecond))
	fmt.Println()
	fmt.Println("  -press-threshold float")
	fmt.Printf("        Depth at which a key counts as pressed (default %.1f)\n", analog.DefaultPressThreshold)
	fmt.Println()
	fmt.Println("  -release-threshold float")
	fmt.Printf("        Depth at or below which a pressed key is released (default %.1f)\n", analog.DefaultReleaseThreshold)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for control requests (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-addr string")
	fmt.Printf("        HTTP/WebSocket listen address, empty disables (default %q)\n", defaultListenAddr)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  wootsim -scan-codes 0x1A,0x04,0x16,0x07 -log-level debug")
	fmt.Println("  wootsim -config ~/.config/wootsim.yml -http-addr :3002")
	fmt.Println()
}

// parseScanCodes parses "4,0x1A, 22" into scan codes.
func parseScanCodes(s string) ([]uint16, error) {
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid scan code %q: %w", part, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

func main() {
	var (
		configPath       = flag.String("config", "", "YAML config file")
		device           = flag.Uint("device", 0, "Device id passed to reads")
		keyMode          = flag.String("key-mode", "hid", "Key code mode: hid|scancode1|virtualkey")
		scanCodes        = flag.String("scan-codes", "", "Comma-separated scan codes to poll")
		pollIntervalMS   = flag.Int("poll-interval-ms", int(analog.DefaultPollInterval/time.Millisecond), "Poll interval in ms")
		pressThreshold   = flag.Float64("press-threshold", analog.DefaultPressThreshold, "Press threshold")
		releaseThreshold = flag.Float64("release-threshold", analog.DefaultReleaseThreshold, "Release threshold")
		ipcSocketPath    = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpAddr         = flag.String("http-addr", defaultListenAddr, "HTTP/WebSocket listen address")
		logLevelStr      = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion      = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the config file.
	var o FlagOverrides
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			d := uint32(*device)
			o.Device = &d
		case "key-mode":
			o.KeyMode = keyMode
		case "scan-codes":
			codes, err := parseScanCodes(*scanCodes)
			if err != nil {
				flagErr = err
				return
			}
			o.ScanCodes = codes
		case "poll-interval-ms":
			o.PollIntervalMS = pollIntervalMS
		case "press-threshold":
			v := float32(*pressThreshold)
			o.PressThreshold = &v
		case "release-threshold":
			v := float32(*releaseThreshold)
			o.ReleaseThreshold = &v
		case "ipc-socket":
			o.IPCSocketPath = ipcSocketPath
		case "http-addr":
			o.HTTPListenAddr = httpAddr
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	if flagErr != nil {
		fmt.Fprintln(os.Stderr, "error:", flagErr)
		os.Exit(1)
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	d, err := newDaemon(analog.NewStub(), cfg.ToHandlerConfig(), logger)
	if err != nil {
		logger.Error("failed to create analog handler", "error", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)

	// Key feed for the WebSocket broadcaster; nil when HTTP is disabled.
	var feed chan analog.KeyEvent
	if cfg.HTTP.ListenAddr != "" {
		feed = make(chan analog.KeyEvent, broadcastQueueSize)

		ws := NewServer(logger, d.handler.Snapshot, HubConfig{})
		router := newRouter(ws, cfg.HTTP.WSPath, d.handler, logger)
		window := time.Duration(cfg.HTTP.CoalesceMS) * time.Millisecond

		g.Go(func() error {
			ws.Hub().Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, ws.Hub(), feed, window, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(ctx, cfg.HTTP.ListenAddr, router, logger)
		})
	}

	g.Go(func() error {
		return d.handler.Run(ctx)
	})
	g.Go(func() error {
		d.forwardKeyEvents(ctx, feed)
		return nil
	})
	g.Go(func() error {
		return ipc.Serve(ctx, cfg.IPC.SocketPath, d.handleIPC, logger, ipc.ServerOptions{AllowUIDs: cfg.IPC.AllowUIDs})
	})

	logger.Debug("configuration",
		"device", cfg.Analog.Device,
		"key_mode", cfg.Analog.KeyMode,
		"scan_codes", cfg.Analog.ScanCodes,
		"poll_interval_ms", cfg.Analog.PollIntervalMS,
		"press_threshold", cfg.Analog.PressThreshold,
		"release_threshold", cfg.Analog.ReleaseThreshold,
		"ipc_socket", cfg.IPC.SocketPath,
		"http_addr", cfg.HTTP.ListenAddr,
		"ws_path", cfg.HTTP.WSPath)
	logger.Info("wootsim running", "version", version, "ipc", cfg.IPC.SocketPath, "http", cfg.HTTP.ListenAddr)

	if err := g.Wait(); err != nil {
		logger.Error("wootsim stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}
