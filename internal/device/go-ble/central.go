package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// hci is the part of ble.Device the central role needs.
type hci interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// advertisement is the part of ble.Advertisement the scanner reads.
type advertisement interface {
	LocalName() string
	Services() []ble.UUID
	RSSI() int
	Connectable() bool
	Addr() ble.Addr
}

// Central drives a go-ble device in the central role.
type Central struct {
	dev    hci
	logger *logrus.Logger
}

// NewCentral opens the platform BLE device through DeviceFactory.
func NewCentral(logger *logrus.Logger) (*Central, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return newCentral(dev, logger), nil
}

func newCentral(dev hci, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{dev: dev, logger: logger}
}

// Scan reports advertisements carrying serviceUUID until ctx is done.
// Duplicates are delivered so RSSI and presence stay current.
func (c *Central) Scan(ctx context.Context, serviceUUID string, handler func(device.Advertisement)) error {
	c.logger.WithField("service_uuid", serviceUUID).Debug("Scanning for BLE advertisements...")

	err := c.dev.Scan(ctx, true, func(a ble.Advertisement) {
		c.handle(a, serviceUUID, handler)
	})
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	return nil
}

func (c *Central) handle(a advertisement, serviceUUID string, handler func(device.Advertisement)) {
	adv := fromAdvertisement(a)
	if serviceUUID != "" && !adv.Advertises(serviceUUID) {
		return
	}
	handler(adv)
}

// Dial connects to the peripheral at address; ctx bounds the connection attempt.
func (c *Central) Dial(ctx context.Context, address string) (device.Link, error) {
	c.logger.WithField("address", address).Debug("Dialing BLE device...")

	client, err := c.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", device.ErrTimeout, address, ctxErr)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	return newLink(address, client, c.logger), nil
}

// Close stops the underlying BLE device.
func (c *Central) Close() error {
	return NormalizeError(c.dev.Stop())
}

func fromAdvertisement(a advertisement) device.Advertisement {
	services := a.Services()
	uuids := make([]string, len(services))
	for i, s := range services {
		uuids[i] = s.String()
	}

	var addr string
	if a.Addr() != nil {
		addr = device.NormalizeAddress(a.Addr().String())
	}

	return device.Advertisement{
		Address:     addr,
		LocalName:   a.LocalName(),
		Services:    device.NormalizeUUIDs(uuids),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
	}
}
