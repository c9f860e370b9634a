package devices

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across drivers.
var (
	ErrNotConnected          = errors.New("device is not connected")
	ErrUnsupportedDeviceType = errors.New("unsupported device type")
)

// CommandError reports that a single command's response contained a
// vendor error marker. Detection is substring-based because CLI
// transports have no structured error channel; output that legitimately
// contains a marker string is misclassified. That is a known limitation
// carried over deliberately.
type CommandError struct {
	Command  string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, strings.TrimSpace(e.Response))
}

// CommandSequenceError reports that an ordered batch of commands stopped
// at its first failing command. Attempted is the exact ordered prefix
// that was sent to the device, with the failing command last; nothing
// after it was sent.
type CommandSequenceError struct {
	Attempted []string
	Command   string
	Response  string
}

func (e *CommandSequenceError) Error() string {
	return fmt.Sprintf("command %q failed after sending %d of a batch: %s",
		e.Command, len(e.Attempted), strings.TrimSpace(e.Response))
}

// FileTransferError reports a failed file copy to or from a device.
type FileTransferError struct {
	Src    string
	Dest   string
	Reason string
	Err    error
}

func (e *FileTransferError) Error() string {
	msg := fmt.Sprintf("file transfer %s -> %s failed", e.Src, e.Dest)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FileTransferError) Unwrap() error { return e.Err }

// OperationTimeoutError reports that a long-running operation (reboot,
// OS install, volume activation) did not reach its success condition
// before its deadline.
type OperationTimeoutError struct {
	Operation string
	Timeout   time.Duration
	Reason    string
}

func (e *OperationTimeoutError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s did not complete within %s: %s", e.Operation, e.Timeout, e.Reason)
	}
	return fmt.Sprintf("%s did not complete within %s", e.Operation, e.Timeout)
}

// RebootTimerError reports that a delayed reboot was requested on a
// vendor that does not support reboot timers.
type RebootTimerError struct {
	DeviceType string
}

func (e *RebootTimerError) Error() string {
	return fmt.Sprintf("reboot timer not supported on %s", e.DeviceType)
}

// NotSupportedError reports that an operation has no meaningful
// implementation on a vendor. It is raised synchronously before any
// transport I/O.
type NotSupportedError struct {
	Operation  string
	DeviceType string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s is not supported on %s", e.Operation, e.DeviceType)
}

// ConnectionError reports that a session could not be established or
// re-established. The long-running operation poller treats this kind as
// retryable; every other kind is fatal.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RollbackError reports a failed rollback to a checkpoint.
type RollbackError struct {
	Checkpoint string
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to %q failed (the checkpoint may not exist): %v", e.Checkpoint, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
