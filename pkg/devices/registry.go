package devices

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

// Supported device type identifiers.
const (
	TypeIOS   = "cisco_ios_ssh"
	TypeASA   = "cisco_asa_ssh"
	TypeEOS   = "arista_eos_eapi"
	TypeNXOS  = "cisco_nxos_nxapi"
	TypeJunos = "juniper_junos_netconf"
	TypeF5    = "f5_tmos_icontrol"
)

// Config carries the connection parameters common to every driver.
type Config struct {
	Host     string
	Username string
	Password string
	// Secret is the enable password for CLI transports that need
	// privilege escalation. Empty falls back to Password.
	Secret string
	// Port overrides the transport's default port.
	Port int
	// Timeout bounds connection establishment and single-command
	// reads. Zero uses the transport default.
	Timeout time.Duration
}

// Option adjusts driver construction.
type Option func(*driverOptions)

type driverOptions struct {
	logger      *zap.Logger
	cliConn     transport.CLIConn
	httpClient  *http.Client
	netconfDial func() (transport.NetconfSession, error)
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *driverOptions) { o.logger = l }
}

// WithCLIConn injects a CLI session, replacing the driver's own SSH
// connection. Used by tests and by callers managing their own sessions.
func WithCLIConn(c transport.CLIConn) Option {
	return func(o *driverOptions) { o.cliConn = c }
}

// WithHTTPClient injects the HTTP client used by REST transports.
func WithHTTPClient(c *http.Client) Option {
	return func(o *driverOptions) { o.httpClient = c }
}

// WithNetconfDialer injects the NETCONF session factory.
func WithNetconfDialer(dial func() (transport.NetconfSession, error)) Option {
	return func(o *driverOptions) { o.netconfDial = dial }
}

type factory func(Config, *driverOptions) Device

var registry = map[string]factory{
	TypeIOS:   func(cfg Config, o *driverOptions) Device { return newIOSDevice(cfg, o) },
	TypeASA:   func(cfg Config, o *driverOptions) Device { return newASADevice(cfg, o) },
	TypeEOS:   func(cfg Config, o *driverOptions) Device { return newEOSDevice(cfg, o) },
	TypeNXOS:  func(cfg Config, o *driverOptions) Device { return newNXOSDevice(cfg, o) },
	TypeJunos: func(cfg Config, o *driverOptions) Device { return newJunosDevice(cfg, o) },
	TypeF5:    func(cfg Config, o *driverOptions) Device { return newF5Device(cfg, o) },
}

// New constructs the driver for deviceType without connecting; call
// Open to connect, or use Dial for the construct-and-connect path.
// Deferred connection exists for session injection and tests.
func New(deviceType string, cfg Config, opts ...Option) (Device, error) {
	f, ok := registry[deviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedDeviceType, deviceType, SupportedTypes())
	}
	o := &driverOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return f(cfg, o), nil
}

// Dial constructs the driver for deviceType and opens the connection.
// It fails fast: a device that cannot connect is never returned.
func Dial(ctx context.Context, deviceType string, cfg Config, opts ...Option) (Device, error) {
	dev, err := New(deviceType, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

// SupportedTypes returns the registered device type identifiers,
// sorted.
func SupportedTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
