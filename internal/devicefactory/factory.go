package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/device/go-ble"
)

// CentralFactory opens the BLE adapter used for scanning and dialing beds.
// This is a variable so that it can be overridden in tests.
var CentralFactory = func(logger *logrus.Logger) (device.Central, error) {
	c, err := goble.NewCentral(logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewCentralFactory binds logger to CentralFactory for components that open the
// adapter lazily, such as the connection manager's retry loop.
func NewCentralFactory(logger *logrus.Logger) device.CentralFactory {
	return func() (device.Central, error) {
		return CentralFactory(logger)
	}
}
