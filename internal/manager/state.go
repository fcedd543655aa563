package manager

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection manager's lifecycle position.
type State int32

const (
	// Idle: the BLE adapter is not open yet.
	Idle State = iota
	// Scanning: waiting for every configured bed to advertise.
	Scanning
	// Connecting: all beds found, connect or discovery attempts in flight.
	Connecting
	// Steady: scanning stopped and nothing in flight; serving commands.
	Steady
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Steady:
		return "steady"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Bed is one configured peripheral.
type Bed struct {
	Address string
	Label   string
}

// RetryPolicy bounds reconnect attempts for a bed whose connect or discovery failed.
// MaxAttempts 0 disables retries: the first failure evicts the session and scanning resumes.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
}

// Options configure a Manager.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	Beds               []Bed

	ConnectTimeout       time.Duration
	DiscoveryTimeout     time.Duration
	AdapterRetryInterval time.Duration
	Retry                RetryPolicy
}

// Sighting is the latest advertisement seen for an address.
type Sighting struct {
	Address  string    `json:"address"`
	Label    string    `json:"label,omitempty"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	Known    bool      `json:"known"`
	LastSeen time.Time `json:"last_seen"`
}
