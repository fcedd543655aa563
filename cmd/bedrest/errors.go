package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
)

// Command-level errors
var (
	// ErrInvalidConfig wraps anything wrong with the configuration file or overrides.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// FormatUserError turns known error kinds into a message that tells the user what to do.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off or the adapter is unavailable; enable it and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "BLE is not supported on this platform"
	case errors.Is(err, command.ErrCommandNotFound):
		return fmt.Sprintf("%v (run 'bedrest commands' to list them)", err)
	case errors.Is(err, command.ErrArgumentOutOfRange), errors.Is(err, command.ErrArgumentBadEncoding):
		return fmt.Sprintf("%v (run 'bedrest commands' for argument ranges)", err)
	case errors.Is(err, ErrInvalidConfig):
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			var b strings.Builder
			b.WriteString("invalid configuration:")
			for _, e := range joined.Unwrap() {
				if errors.Is(e, ErrInvalidConfig) {
					continue
				}
				for _, line := range strings.Split(e.Error(), "\n") {
					b.WriteString("\n  - " + line)
				}
			}
			return b.String()
		}
	}
	return err.Error()
}
