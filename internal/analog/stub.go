package analog

import "sync"

// stubStep is how far a key travels on every read.
const stubStep float32 = 0.3

// Stub is a simulated analog keyboard. Every read of a key advances its
// depth by stubStep and wraps to zero once it would pass full travel, so a
// polled key cycles 0.3, 0.6, 0.9, 0.0.
//
// Safe for concurrent use.
type Stub struct {
	mu     sync.Mutex
	values [NumScanCodes]float32
}

// NewStub returns a stub with every key fully released.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Initialise() error { return nil }

func (s *Stub) Uninitialize() error { return nil }

// SetKeyCodeMode accepts any mode and ignores it.
func (s *Stub) SetKeyCodeMode(mode KeyCodeMode) error { return nil }

// ReadAnalog advances and returns the depth of scanCode. device is ignored.
func (s *Stub) ReadAnalog(device uint32, scanCode uint16) (float32, error) {
	if err := checkScanCode(scanCode); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.values[scanCode] + stubStep
	if v > 1.0 {
		v = 0.0
	}
	s.values[scanCode] = v
	return v, nil
}

// Peek returns the stored depth of scanCode without advancing it.
func (s *Stub) Peek(scanCode uint16) (float32, error) {
	if err := checkScanCode(scanCode); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[scanCode], nil
}
