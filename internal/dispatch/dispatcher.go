package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/session"
)

// Dispatch errors
var (
	ErrDeviceUnknown        = errors.New("device unknown")
	ErrTransportWriteFailed = errors.New("transport write failed")
)

// WriteError carries the transport failure of a write that reached the BLE stack.
type WriteError struct {
	Label string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Label, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is makes every WriteError match ErrTransportWriteFailed.
func (e *WriteError) Is(target error) bool {
	return target == ErrTransportWriteFailed
}

// Sessions resolves a bed label to its live session.
type Sessions interface {
	LookupByLabel(label string) (*session.Session, bool)
}

// Result describes a command that was written to a bed.
type Result struct {
	Label   string
	Command string
	Payload []byte
}

// Dispatcher turns named commands into characteristic writes.
type Dispatcher struct {
	sessions     Sessions
	configured   map[string]struct{}
	table        *command.Table
	writeTimeout time.Duration
	logger       *logrus.Logger
}

// New creates a Dispatcher. labels is the configured bed set: a configured bed with no
// live session is reported as not connected, any other label as unknown.
func New(sessions Sessions, labels []string, table *command.Table, writeTimeout time.Duration, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	configured := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		configured[l] = struct{}{}
	}
	return &Dispatcher{
		sessions:     sessions,
		configured:   configured,
		table:        table,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Dispatch encodes cmd (with hexArgument when non-empty) and writes it to the bed
// labelled label. Writes are never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, label, cmd, hexArgument string) (*Result, error) {
	s, ok := d.sessions.LookupByLabel(label)
	if !ok {
		if _, known := d.configured[label]; !known {
			return nil, fmt.Errorf("%w: %q", ErrDeviceUnknown, label)
		}
	}

	payload, err := d.table.Encode(cmd, hexArgument)
	if err != nil {
		return nil, err
	}

	// not seen yet, or evicted after a drop
	if s == nil || s.Characteristic() == nil {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: label}
	}

	if d.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.writeTimeout)
		defer cancel()
	}

	log := d.logger.WithFields(logrus.Fields{
		"bed":     label,
		"command": cmd,
		"payload": command.FormatHex(payload),
	})

	if err := <-s.Write(ctx, payload); err != nil {
		if device.IsConnectionState(err, device.NotConnected) {
			// link went away between lookup and write
			return nil, err
		}
		log.WithField("error", err).Error("Command write failed")
		return nil, &WriteError{Label: label, Err: err}
	}

	log.Info("Command sent")
	return &Result{Label: label, Command: cmd, Payload: payload}, nil
}
