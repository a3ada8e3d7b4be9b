package analog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Handler - analog polling with press/release hysteresis
// ============================================================================
//
// The handler owns the poll cadence. Consumers only see events on a buffered
// channel; a slow consumer loses events rather than stalling the poll loop.
//
// ============================================================================

// Handler defaults.
const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultPressThreshold   = 0.5
	DefaultReleaseThreshold = 0.2
	defaultEventBuf         = 256
)

// KeyEventKind identifies what happened to a key during a poll.
type KeyEventKind int

const (
	KeyValue KeyEventKind = iota
	KeyPressed
	KeyReleased
)

func (k KeyEventKind) String() string {
	switch k {
	case KeyValue:
		return "key_value"
	case KeyPressed:
		return "key_pressed"
	case KeyReleased:
		return "key_released"
	default:
		return fmt.Sprintf("KeyEventKind(%d)", int(k))
	}
}

// KeyEvent is emitted by Poll.
type KeyEvent struct {
	Kind     KeyEventKind
	ScanCode uint16
	Value    float32
	At       time.Time
}

// KeyState is the last polled state of one key.
type KeyState struct {
	ScanCode uint16    `json:"scan_code"`
	Value    float32   `json:"value"`
	Pressed  bool      `json:"pressed"`
	At       time.Time `json:"at"`
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Device    uint32
	ScanCodes []uint16
	Mode      KeyCodeMode

	PollInterval     time.Duration
	PressThreshold   float32
	ReleaseThreshold float32

	// EventBuf is the events channel capacity. Zero uses a default.
	EventBuf int
}

// Validate checks the configuration.
func (c HandlerConfig) Validate() error {
	if len(c.ScanCodes) == 0 {
		return errors.New("at least one scan code is required")
	}
	seen := make(map[uint16]struct{}, len(c.ScanCodes))
	for _, sc := range c.ScanCodes {
		if err := checkScanCode(sc); err != nil {
			return err
		}
		if _, dup := seen[sc]; dup {
			return fmt.Errorf("duplicate scan code: %d", sc)
		}
		seen[sc] = struct{}{}
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be > 0")
	}
	if c.PressThreshold < 0 || c.PressThreshold > 1 {
		return errors.New("press threshold must be between 0 and 1")
	}
	if c.ReleaseThreshold < 0 || c.ReleaseThreshold > 1 {
		return errors.New("release threshold must be between 0 and 1")
	}
	if c.ReleaseThreshold >= c.PressThreshold {
		return errors.New("release threshold must be < press threshold")
	}
	return nil
}

// Handler polls an SDK and tracks per-key press state.
type Handler struct {
	sdk    SDK
	cfg    HandlerConfig
	logger *slog.Logger

	events chan KeyEvent

	mu    sync.RWMutex
	state map[uint16]*KeyState
}

// NewHandler validates cfg and returns a handler. Call Run to start polling,
// or drive it with Poll directly.
func NewHandler(sdk SDK, cfg HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if sdk == nil {
		return nil, errors.New("sdk is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	eventBuf := cfg.EventBuf
	if eventBuf <= 0 {
		eventBuf = defaultEventBuf
	}

	state := make(map[uint16]*KeyState, len(cfg.ScanCodes))
	for _, sc := range cfg.ScanCodes {
		state[sc] = &KeyState{ScanCode: sc}
	}

	return &Handler{
		sdk:    sdk,
		cfg:    cfg,
		logger: logger,
		events: make(chan KeyEvent, eventBuf),
		state:  state,
	}, nil
}

// Events returns the key event stream. It is closed when Run returns.
func (h *Handler) Events() <-chan KeyEvent {
	return h.events
}

// Run initialises the SDK, polls until ctx is canceled, then uninitializes.
func (h *Handler) Run(ctx context.Context) error {
	defer close(h.events)

	if err := h.sdk.Initialise(); err != nil {
		return fmt.Errorf("initialise analog sdk: %w", err)
	}
	if err := h.sdk.SetKeyCodeMode(h.cfg.Mode); err != nil {
		_ = h.sdk.Uninitialize()
		return fmt.Errorf("set key code mode %s: %w", h.cfg.Mode, err)
	}

	h.logger.Info("analog polling started",
		"device", h.cfg.Device,
		"mode", h.cfg.Mode.String(),
		"keys", len(h.cfg.ScanCodes),
		"interval", h.cfg.PollInterval)

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("analog polling stopping (context canceled)")
			if err := h.sdk.Uninitialize(); err != nil {
				return fmt.Errorf("uninitialize analog sdk: %w", err)
			}
			return nil

		case now := <-ticker.C:
			h.Poll(now)
		}
	}
}

// Poll reads every configured key once and emits the resulting events.
// It returns the number of keys that failed to read.
func (h *Handler) Poll(now time.Time) int {
	failed := 0
	for _, sc := range h.cfg.ScanCodes {
		v, err := h.sdk.ReadAnalog(h.cfg.Device, sc)
		if err != nil {
			failed++
			h.logger.Warn("analog read failed", "scan_code", sc, "error", err)
			continue
		}

		h.mu.Lock()
		ks := h.state[sc]
		ks.Value = v
		ks.At = now
		edge := KeyValue
		switch {
		case !ks.Pressed && v >= h.cfg.PressThreshold:
			ks.Pressed = true
			edge = KeyPressed
		case ks.Pressed && v <= h.cfg.ReleaseThreshold:
			ks.Pressed = false
			edge = KeyReleased
		}
		h.mu.Unlock()

		h.emit(KeyEvent{Kind: KeyValue, ScanCode: sc, Value: v, At: now})
		if edge != KeyValue {
			h.emit(KeyEvent{Kind: edge, ScanCode: sc, Value: v, At: now})
		}
	}
	return failed
}

func (h *Handler) emit(ev KeyEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("analog event queue full, dropping event", "kind", ev.Kind.String(), "scan_code", ev.ScanCode)
	}
}

// Value returns the last polled depth of scanCode, or 0 if the key is not
// configured or has not been polled.
func (h *Handler) Value(scanCode uint16) float32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ks, ok := h.state[scanCode]; ok {
		return ks.Value
	}
	return 0
}

// Key returns the last polled state of scanCode.
func (h *Handler) Key(scanCode uint16) (KeyState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ks, ok := h.state[scanCode]
	if !ok {
		return KeyState{}, false
	}
	return *ks, true
}

// Snapshot returns the state of every configured key ordered by scan code.
func (h *Handler) Snapshot() []KeyState {
	h.mu.RLock()
	out := make([]KeyState, 0, len(h.state))
	for _, ks := range h.state {
		out = append(out, *ks)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScanCode < out[j].ScanCode })
	return out
}
