package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// DiscoveryError reports a GATT lookup that did not yield exactly one match.
type DiscoveryError struct {
	Resource string
	UUID     string
	Count    int
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("expected exactly one %s %q, found %d", e.Resource, e.UUID, e.Count)
}

// Is lets a zero-match DiscoveryError satisfy errors.Is(err, &NotFoundError{}).
func (e *DiscoveryError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok && e.Count == 0
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is the subset of an advertising packet the bed manager acts on.
type Advertisement struct {
	Address     string
	LocalName   string
	Services    []string
	RSSI        int
	Connectable bool
}

// Advertises reports whether the advertisement lists the given service.
func (a Advertisement) Advertises(serviceUUID string) bool {
	want := NormalizeUUID(serviceUUID)
	for _, s := range a.Services {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// Central is a BLE adapter in the central role.
type Central interface {
	// Scan blocks until ctx is done, invoking handler for every advertisement
	// carrying serviceUUID. A cancelled ctx is not an error.
	Scan(ctx context.Context, serviceUUID string, handler func(Advertisement)) error

	// Dial opens a link to the peripheral at address.
	Dial(ctx context.Context, address string) (Link, error)

	// Close releases the adapter.
	Close() error
}

// CentralFactory opens the platform adapter.
type CentralFactory func() (Central, error)

// Link is an open connection to one peripheral.
type Link interface {
	Address() string

	// DiscoverCharacteristic resolves exactly one service and one characteristic.
	DiscoverCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (Characteristic, error)

	// Disconnected is closed once the link is gone, whether dropped by the
	// peripheral or torn down by Close.
	Disconnected() <-chan struct{}

	Close() error
}

// Characteristic is a writable GATT characteristic handle.
type Characteristic interface {
	UUID() string
	WriteWithoutResponse(ctx context.Context, data []byte) error
}

// NormalizeAddress folds a peripheral address to the form used as a lookup key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
