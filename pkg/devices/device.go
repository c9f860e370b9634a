// Package devices provides a uniform façade over heterogeneous network
// device management transports. Each supported vendor/transport pair is
// implemented as a driver satisfying the Device interface; callers pick
// a driver through the device-type registry and observe one behavioral
// contract regardless of how the device actually speaks.
package devices

import (
	"context"
	"time"
)

// Device is the capability contract every driver implements.
//
// All operations on one Device are sequential and blocking; callers
// must not issue overlapping operations on the same instance. Separate
// instances share no state and may run concurrently.
type Device interface {
	// Open establishes the session, reusing a healthy one. An existing
	// session is probed before being trusted; a failed probe forces a
	// fresh connection.
	Open(ctx context.Context) error
	// Close releases the transport handle. Idempotent.
	Close() error

	// Show sends a read-only command. Structured output is returned
	// unless opts requests raw text.
	Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error)
	// ShowList sends commands in order, one result per command. The
	// first failing command stops the batch; the error reports the
	// attempted prefix.
	ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error)

	// Config enters config mode (unless opted out), sends commands in
	// order, and always attempts to exit config mode on the way out,
	// success or failure. Returns the session transcript per command.
	Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error)

	// Save persists the running configuration to the device's own
	// persistent store. An empty filename uses the vendor default.
	Save(ctx context.Context, filename string) error
	// BackupRunningConfig writes the running configuration to a local
	// file. Read-only with respect to the device.
	BackupRunningConfig(ctx context.Context, path string) error
	// RunningConfig returns the running configuration, cached until
	// refreshed.
	RunningConfig(ctx context.Context) (string, error)
	// StartupConfig returns the startup configuration, cached until
	// refreshed.
	StartupConfig(ctx context.Context) (string, error)

	// Checkpoint saves a named configuration snapshot on the device.
	Checkpoint(ctx context.Context, name string) error
	// Rollback restores a named checkpoint.
	Rollback(ctx context.Context, name string) error

	// FileCopy pushes a local file to the device.
	FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error
	// FileCopyRemoteExists reports whether an equivalent file already
	// exists remotely, judged by content checksum, not name or size.
	FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error)

	// BootOptions reads the device's next-boot image selection.
	BootOptions(ctx context.Context) (*BootOptions, error)
	// SetBootOptions writes the next-boot image selection.
	SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error
	// InstallOS orchestrates image activation, bounded by a poll loop.
	InstallOS(ctx context.Context, image string, opts *InstallOptions) error

	// Reboot schedules or triggers a reboot. See RebootOptions.
	Reboot(ctx context.Context, opts *RebootOptions) error

	// Facts computes the facts snapshot on first access and caches it;
	// it is not invalidated by config mutation.
	Facts(ctx context.Context) (*Facts, error)
	// RefreshFacts invalidates the cache and recomputes, preserving any
	// caller-added extension keys.
	RefreshFacts(ctx context.Context) (*Facts, error)

	// DeviceType returns the vendor/transport identifier, e.g.
	// "cisco_ios_ssh".
	DeviceType() string
	// Connected reports the last known connection state without
	// touching the transport.
	Connected() bool
}

// ShowOptions controls a Show/ShowList call. Unknown transport options
// are not forwarded blindly; only these are supported.
type ShowOptions struct {
	// RawText returns the response verbatim instead of structured data.
	RawText bool
	// ExpectString overrides the prompt pattern waited for after the
	// command (CLI transports only).
	ExpectString string
	// Timing selects the fixed-delay send discipline instead of
	// waiting for a known prompt, for commands with variable or
	// interactive output (CLI transports only).
	Timing bool
}

// ConfigOptions controls a Config call.
type ConfigOptions struct {
	// NoEnterConfigMode skips entering config mode; the caller is
	// responsible for session state.
	NoEnterConfigMode bool
	// NoExitConfigMode skips the guaranteed config-mode exit.
	NoExitConfigMode bool
	// Format selects the configuration format on vendors that support
	// more than one (Junos: "set" or "text"). Empty means the vendor
	// default.
	Format string
}

// FileCopyOptions controls a FileCopy call.
type FileCopyOptions struct {
	// FileSystem is the remote file system prefix, e.g. "flash:" or
	// "bootflash:". Empty means the vendor default.
	FileSystem string
}

// SetBootOptions carries vendor-specific parameters for SetBootOptions.
type SetBootOptions struct {
	// Kickstart is the kickstart image name (NX-OS only).
	Kickstart string
	// ImageLocation prefixes the image name, e.g. "flash:/" (ASA).
	ImageLocation string
}

// InstallOptions controls an InstallOS call.
type InstallOptions struct {
	// Kickstart is the kickstart image name (NX-OS only).
	Kickstart string
	// Volume is the target boot volume (F5 only, required there).
	Volume string
	// Timeout bounds the installation wait. Zero uses the vendor
	// default.
	Timeout time.Duration
}

// RebootOptions controls a Reboot call.
type RebootOptions struct {
	// Timer schedules a delayed reboot without blocking. Vendors
	// without reboot timers reject a nonzero Timer.
	Timer time.Duration
	// Timeout bounds the confirmation or readiness wait for an
	// immediate reboot. Vendors that cannot distinguish a confirmed
	// reboot from a dropped connection require a nonzero Timeout when
	// Timer is zero.
	Timeout time.Duration
	// Volume is the boot volume to activate (F5 only).
	Volume string
}

// Result is the outcome of one successful command.
type Result struct {
	// Command is the command that produced this result.
	Command string
	// Raw is the unparsed response text. For structured-native
	// transports it may be empty when Data is set.
	Raw string
	// Data is the structured form of the response: template-parsed
	// records for CLI transports, decoded JSON for REST transports.
	// Nil when raw text was requested.
	Data interface{}
}

// Facts is a normalized snapshot of device identity and state.
type Facts struct {
	Vendor       string   `json:"vendor"`
	Model        string   `json:"model"`
	OSVersion    string   `json:"os_version"`
	Hostname     string   `json:"hostname"`
	FQDN         string   `json:"fqdn"`
	SerialNumber string   `json:"serial_number"`
	Uptime       int      `json:"uptime"`
	UptimeString string   `json:"uptime_string"`
	Interfaces   []string `json:"interfaces"`
	VLANs        []string `json:"vlans"`

	// Extensions holds vendor-specific facts keyed by device type.
	// Keys added by callers survive RefreshFacts.
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// BootOptions describes the current or next-boot image selection.
type BootOptions struct {
	// Sys is the system image reference. Always present where the
	// vendor has the concept.
	Sys string `json:"sys"`
	// Kickstart is the kickstart image (NX-OS).
	Kickstart string `json:"kick,omitempty"`
	// ActiveVolume is the booted volume name (F5).
	ActiveVolume string `json:"active_volume,omitempty"`
	// Status is the volume status (F5).
	Status string `json:"status,omitempty"`
}
