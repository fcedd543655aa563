package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/groutine"
)

// gattClient is the part of ble.Client a bed link uses.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by go-ble clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Link is a live go-ble connection to one peripheral.
type Link struct {
	address string
	client  gattClient
	logger  *logrus.Logger

	done      chan struct{}
	downOnce  sync.Once
	closeOnce sync.Once

	// held from the start of a go-ble write until the client returns,
	// even when the caller has stopped waiting
	writeSlot chan struct{}
}

func newLink(address string, client gattClient, logger *logrus.Logger) *Link {
	l := &Link{
		address:   address,
		client:    client,
		logger:    logger,
		done:      make(chan struct{}),
		writeSlot: make(chan struct{}, 1),
	}

	if notifier, ok := client.(disconnectNotifier); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-notifier.Disconnected():
				l.logger.WithField("address", l.address).Debug("BLE stack reported disconnection")
				l.markDown()
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

// Address returns the peripheral address this link was dialed with.
func (l *Link) Address() string {
	return l.address
}

// Disconnected is closed when the peripheral drops the link or Close is called.
func (l *Link) Disconnected() <-chan struct{} {
	return l.done
}

// Close cancels the connection. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = NormalizeError(l.client.CancelConnection())
		l.markDown()
	})
	return err
}

func (l *Link) markDown() {
	l.downOnce.Do(func() { close(l.done) })
}

func (l *Link) isDown() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// DiscoverCharacteristic looks up exactly one service and one characteristic by UUID.
// Discovery runs until ctx is done; on expiry the caller owns tearing the link down.
func (l *Link) DiscoverCharacteristic(ctx context.Context, serviceUUID, characteristicUUID string) (device.Characteristic, error) {
	svcID, err := ble.Parse(device.NormalizeUUID(serviceUUID))
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	charID, err := ble.Parse(device.NormalizeUUID(characteristicUUID))
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUUID, err)
	}

	type result struct {
		char *ble.Characteristic
		err  error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "ble-discovery", func(context.Context) {
		c, err := l.discover(svcID, charID)
		ch <- result{char: c, err: err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		l.logger.WithFields(logrus.Fields{
			"address":      l.address,
			"service_uuid": device.NormalizeUUID(serviceUUID),
			"char_uuid":    device.NormalizeUUID(characteristicUUID),
		}).Debug("Characteristic discovered")
		return &characteristic{link: l, char: r.char, uuid: device.NormalizeUUID(characteristicUUID)}, nil
	case <-l.done:
		return nil, fmt.Errorf("discovery on %s: %w", l.address, device.ErrNotConnected)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: discovery on %s: %v", device.ErrTimeout, l.address, ctx.Err())
	}
}

func (l *Link) discover(svcID, charID ble.UUID) (*ble.Characteristic, error) {
	services, err := l.client.DiscoverServices([]ble.UUID{svcID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}
	var svc *ble.Service
	n := 0
	for _, s := range services {
		if s != nil && s.UUID.Equal(svcID) {
			svc = s
			n++
		}
	}
	if n != 1 {
		return nil, &device.DiscoveryError{Resource: "service", UUID: svcID.String(), Count: n}
	}

	chars, err := l.client.DiscoverCharacteristics([]ble.UUID{charID}, svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", NormalizeError(err))
	}
	var char *ble.Characteristic
	n = 0
	for _, c := range chars {
		if c != nil && c.UUID.Equal(charID) {
			char = c
			n++
		}
	}
	if n != 1 {
		return nil, &device.DiscoveryError{Resource: "characteristic", UUID: charID.String(), Count: n}
	}
	return char, nil
}

// characteristic is the bed's write characteristic on a Link.
type characteristic struct {
	link *Link
	char *ble.Characteristic
	uuid string
}

func (c *characteristic) UUID() string {
	return c.uuid
}

// WriteWithoutResponse performs a single write command (no ATT response).
// At most one go-ble write runs per link; a write that times out keeps the
// link busy until the client call returns.
func (c *characteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	if c.link.isDown() {
		return fmt.Errorf("write to %s: %w", c.link.address, device.ErrNotConnected)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: write to %s: %v", device.ErrTimeout, c.link.address, err)
	}
	select {
	case c.link.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: write to %s: previous write still in progress: %v", device.ErrTimeout, c.link.address, ctx.Err())
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "ble-write", func(context.Context) {
		defer func() { <-c.link.writeSlot }()
		errCh <- c.link.client.WriteCharacteristic(c.char, data, true)
	})

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("write to %s: %w", c.link.address, NormalizeError(err))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: write to %s: %v", device.ErrTimeout, c.link.address, ctx.Err())
	}
}
