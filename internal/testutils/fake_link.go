package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bedrest/internal/device"
)

// FakeLink is an in-memory device.Link exposing one bed characteristic.
type FakeLink struct {
	address string
	char    *FakeCharacteristic

	mu          sync.Mutex
	discoverErr error
	hang        bool
	discovers   int
	closed      bool

	done chan struct{}
	once sync.Once
}

func NewFakeLink(address string) *FakeLink {
	return &FakeLink{
		address: address,
		char:    NewFakeCharacteristic(BedCharacteristicUUID),
		done:    make(chan struct{}),
	}
}

// WithDiscoverError makes characteristic discovery fail with err.
func (l *FakeLink) WithDiscoverError(err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discoverErr = err
	return l
}

// WithDiscoverHang makes discovery block until its context expires.
func (l *FakeLink) WithDiscoverHang() *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hang = true
	return l
}

func (l *FakeLink) Address() string { return l.address }

func (l *FakeLink) DiscoverCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (device.Characteristic, error) {
	l.mu.Lock()
	l.discovers++
	hang, err := l.hang, l.discoverErr
	l.mu.Unlock()

	if hang {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
		case <-l.done:
			return nil, device.ErrNotConnected
		}
	}
	if err != nil {
		return nil, err
	}
	if device.NormalizeUUID(characteristicUUID) != l.char.UUID() {
		return nil, &device.DiscoveryError{Resource: "characteristic", UUID: characteristicUUID}
	}
	return l.char, nil
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.done
}

// Close tears the link down from the central side.
func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
	return nil
}

// Drop simulates the peripheral going away.
func (l *FakeLink) Drop() {
	l.once.Do(func() { close(l.done) })
}

// IsClosed reports whether Close was called.
func (l *FakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *FakeLink) DiscoverCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discovers
}

func (l *FakeLink) Characteristic() *FakeCharacteristic {
	return l.char
}

// FakeCharacteristic records writes and tracks write concurrency.
type FakeCharacteristic struct {
	uuid string

	mu          sync.Mutex
	writes      [][]byte
	err         error
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func NewFakeCharacteristic(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: device.NormalizeUUID(uuid)}
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	delay, err := c.delay, c.err
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

// SetError makes subsequent writes fail with err.
func (c *FakeCharacteristic) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// SetDelay makes each write take d.
func (c *FakeCharacteristic) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Writes returns copies of the payloads written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	for i, w := range c.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// MaxInFlight is the highest number of overlapping writes observed.
func (c *FakeCharacteristic) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}
