package testutils

import (
	"context"
	"sync"

	"github.com/srg/bedrest/internal/device"
)

// BedServiceUUID and BedCharacteristicUUID are the GATT identifiers fakes advertise by default.
const (
	BedServiceUUID        = "1b1d9641b9424da889cc98e6a58fbd93"
	BedCharacteristicUUID = "6af87926dc79412ea3e05f85c2d55de2"
)

// FakeCentral is an in-memory device.Central. Tests push advertisements with
// Advertise and script dial outcomes per address.
type FakeCentral struct {
	mu       sync.Mutex
	handler  func(device.Advertisement)
	scans    int
	dials    map[string]int
	pending  map[string][]*FakeLink
	dialed   map[string][]*FakeLink
	dialErrs map[string][]error
	hang     map[string]bool
	scanErr  error
	closed   bool
}

func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		dials:    make(map[string]int),
		pending:  make(map[string][]*FakeLink),
		dialed:   make(map[string][]*FakeLink),
		dialErrs: make(map[string][]error),
		hang:     make(map[string]bool),
	}
}

// Scan registers handler until ctx is done.
func (c *FakeCentral) Scan(ctx context.Context, serviceUUID string, handler func(device.Advertisement)) error {
	c.mu.Lock()
	if err := c.scanErr; err != nil {
		c.scanErr = nil
		c.mu.Unlock()
		return err
	}
	c.handler = handler
	c.scans++
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return nil
}

// Advertise delivers a bed advertisement for address to the active scan.
// Returns false when no scan is running.
func (c *FakeCentral) Advertise(address string) bool {
	return c.AdvertiseWith(device.Advertisement{
		Address:     address,
		LocalName:   "bed",
		Services:    []string{BedServiceUUID},
		RSSI:        -55,
		Connectable: true,
	})
}

// AdvertiseWith delivers adv to the active scan.
func (c *FakeCentral) AdvertiseWith(adv device.Advertisement) bool {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(adv)
	return true
}

func (c *FakeCentral) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// ScanCount is the number of scans started so far.
func (c *FakeCentral) ScanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

// FailNextScan makes the next Scan call return err immediately.
func (c *FakeCentral) FailNextScan(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanErr = err
}

// QueueLink hands link out on the next successful dial of its address.
func (c *FakeCentral) QueueLink(link *FakeLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[link.Address()] = append(c.pending[link.Address()], link)
}

// FailDial makes the next dial of address return err. Calls stack up.
func (c *FakeCentral) FailDial(address string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErrs[address] = append(c.dialErrs[address], err)
}

// HangDial makes dials of address block until their context expires.
func (c *FakeCentral) HangDial(address string, hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang[address] = hang
}

func (c *FakeCentral) DialCount(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[address]
}

// LastLink returns the most recent link handed out for address, or nil.
func (c *FakeCentral) LastLink(address string) *FakeLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	links := c.dialed[address]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

func (c *FakeCentral) Dial(ctx context.Context, address string) (device.Link, error) {
	c.mu.Lock()
	c.dials[address]++
	hang := c.hang[address]
	var err error
	if errs := c.dialErrs[address]; len(errs) > 0 {
		err, c.dialErrs[address] = errs[0], errs[1:]
	}
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var link *FakeLink
	if queued := c.pending[address]; len(queued) > 0 {
		link, c.pending[address] = queued[0], queued[1:]
	} else {
		link = NewFakeLink(address)
	}
	c.dialed[address] = append(c.dialed[address], link)
	return link, nil
}

func (c *FakeCentral) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeCentral) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
