// Package analog models an analog keyboard SDK and provides a simulated
// device plus a polling handler that turns analog depth into key events.
package analog

import (
	"errors"
	"fmt"
	"strings"
)

// NumScanCodes is the size of the per-key value table.
const NumScanCodes = 256

// ErrScanCodeOutOfRange is returned when a scan code does not fit the value table.
var ErrScanCodeOutOfRange = errors.New("scan code out of range")

// KeyCodeMode selects how the SDK interprets key codes.
type KeyCodeMode int

const (
	KeyCodeHID        KeyCodeMode = 0
	KeyCodeScanCode1  KeyCodeMode = 1
	KeyCodeVirtualKey KeyCodeMode = 2
)

// String returns the config/wire name of the mode.
func (m KeyCodeMode) String() string {
	switch m {
	case KeyCodeHID:
		return "hid"
	case KeyCodeScanCode1:
		return "scancode1"
	case KeyCodeVirtualKey:
		return "virtualkey"
	default:
		return fmt.Sprintf("KeyCodeMode(%d)", int(m))
	}
}

// ParseKeyCodeMode converts a mode name to a KeyCodeMode.
func ParseKeyCodeMode(s string) (KeyCodeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hid":
		return KeyCodeHID, nil
	case "scancode1", "scan_code1":
		return KeyCodeScanCode1, nil
	case "virtualkey", "virtual_key":
		return KeyCodeVirtualKey, nil
	default:
		return 0, fmt.Errorf("invalid key code mode: %q (must be hid, scancode1, or virtualkey)", s)
	}
}

// SDK is the driver surface of an analog keyboard.
type SDK interface {
	Initialise() error
	Uninitialize() error
	SetKeyCodeMode(mode KeyCodeMode) error

	// ReadAnalog returns the analog depth of a key in [0, 1].
	ReadAnalog(device uint32, scanCode uint16) (float32, error)
}

func checkScanCode(scanCode uint16) error {
	if int(scanCode) >= NumScanCodes {
		return fmt.Errorf("%w: %d (must be < %d)", ErrScanCodeOutOfRange, scanCode, NumScanCodes)
	}
	return nil
}
