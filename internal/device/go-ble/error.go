package goble

import (
	"fmt"
	"strings"

	"github.com/srg/bedrest/internal/device"
)

// errorRule maps a lower-cased fragment of a go-ble or HCI message to a device sentinel.
type errorRule struct {
	fragment string
	sentinel error
}

// adapterRules match failures opening the adapter or starting a scan.
var adapterRules = []errorRule{
	// darwin CBManagerState: 4 powered off, 2 unsupported, 3 unauthorized
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"invalid state: have=2", device.ErrUnsupported},
	{"invalid state: have=3", device.ErrBluetoothOff},
	// linux HCI socket
	{"can't init hci", device.ErrBluetoothOff},
	{"no such device", device.ErrBluetoothOff},
	{"operation not permitted", device.ErrBluetoothOff},
	{"network is down", device.ErrBluetoothOff},
}

// linkRules match a peripheral going away under a dial, discovery or write.
var linkRules = []errorRule{
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"use of closed network connection", device.ErrNotConnected},
	{"broken pipe", device.ErrNotConnected},
	{"connection reset", device.ErrNotConnected},
}

// NormalizeError wraps known go-ble failures in the matching device sentinel,
// keeping the original message. Unknown errors are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	for _, rules := range [][]errorRule{adapterRules, linkRules} {
		for _, r := range rules {
			if strings.Contains(msg, r.fragment) {
				return fmt.Errorf("%w: %v", r.sentinel, err)
			}
		}
	}
	return err
}
