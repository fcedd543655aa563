package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/groutine"
)

// State is the lifecycle position of a Session.
type State int

const (
	Discovered State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the live record of one configured bed seen over the air.
// Lifecycle transitions are driven by the connection manager; reads are safe from any goroutine.
type Session struct {
	label   string
	address string

	mu    sync.RWMutex
	state State
	link  device.Link
	char  device.Characteristic

	// serialises writes: at most one in flight per bed
	writeMu sync.Mutex
}

// New creates a session in the Discovered state.
func New(label, address string) *Session {
	return &Session{
		label:   label,
		address: device.NormalizeAddress(address),
		state:   Discovered,
	}
}

func (s *Session) Label() string   { return s.label }
func (s *Session) Address() string { return s.address }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the session can accept writes.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

func (s *Session) Link() device.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

func (s *Session) Characteristic() device.Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.char
}

// BeginConnect marks a connect attempt in flight.
func (s *Session) BeginConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Connecting
}

// Attach records the link of a successful connect; the characteristic is not yet known.
func (s *Session) Attach(link device.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = link
	s.char = nil
	s.state = Connecting
}

// Ready stores the discovered write characteristic and marks the session connected.
func (s *Session) Ready(char device.Characteristic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.char = char
	s.state = Connected
}

// Detach drops the link and characteristic and returns the session to Discovered
// for another connect attempt. The detached link is returned for the caller to close.
func (s *Session) Detach() device.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	link := s.link
	s.link, s.char = nil, nil
	s.state = Discovered
	return link
}

// MarkDisconnected ends the session; it must be removed from the registry by the caller.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link, s.char = nil, nil
	s.state = Disconnected
}

// Write sends data to the bed characteristic without waiting for an ATT response.
// The returned channel yields exactly one result; writes on one session never overlap.
func (s *Session) Write(ctx context.Context, data []byte) <-chan error {
	result := make(chan error, 1)

	char := s.Characteristic()
	if char == nil {
		result <- fmt.Errorf("%s: %w", s.label, device.ErrNotConnected)
		return result
	}

	groutine.Go(ctx, "bed-write-"+s.label, func(ctx context.Context) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- char.WriteWithoutResponse(ctx, data)
	})
	return result
}
