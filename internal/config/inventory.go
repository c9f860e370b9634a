// Package config loads the device inventory the CLI operates on. The
// inventory is a YAML (or JSON/TOML) file mapping device names to
// connection parameters; credentials may also come from the
// environment so they stay out of checked-in files.
package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/viper"

	"github.com/ntc-tools/gontc/pkg/devices"
)

// DeviceEntry is one device in the inventory.
type DeviceEntry struct {
	DeviceType string        `mapstructure:"device_type"`
	Host       string        `mapstructure:"host"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Secret     string        `mapstructure:"secret"`
	Port       int           `mapstructure:"port"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Inventory is the loaded device inventory.
type Inventory struct {
	Devices map[string]DeviceEntry `mapstructure:"devices"`
}

// Load reads the inventory from path. An empty path falls back to
// ./gontc.yaml and ~/.gontc/gontc.yaml. Environment variables prefixed
// GONTC_ override file values (GONTC_USERNAME, GONTC_PASSWORD).
func Load(path string) (*Inventory, error) {
	v := viper.New()
	v.SetEnvPrefix("gontc")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gontc")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gontc")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var inv Inventory
	if err := v.Unmarshal(&inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	defaultUser := v.GetString("username")
	defaultPass := v.GetString("password")
	for name, entry := range inv.Devices {
		if entry.Username == "" {
			entry.Username = defaultUser
		}
		if entry.Password == "" {
			entry.Password = defaultPass
		}
		inv.Devices[name] = entry
	}

	if err := inv.validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	supported := map[string]bool{}
	for _, t := range devices.SupportedTypes() {
		supported[t] = true
	}
	for name, entry := range inv.Devices {
		if entry.Host == "" {
			return fmt.Errorf("device %q has no host", name)
		}
		if !supported[entry.DeviceType] {
			return fmt.Errorf("device %q has unsupported device_type %q", name, entry.DeviceType)
		}
	}
	return nil
}

// Get returns the entry for name.
func (inv *Inventory) Get(name string) (DeviceEntry, error) {
	entry, ok := inv.Devices[name]
	if !ok {
		return DeviceEntry{}, fmt.Errorf("device %q is not in the inventory (known: %v)", name, inv.Names())
	}
	return entry, nil
}

// Names returns the inventory's device names, sorted.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.Devices))
	for name := range inv.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (entry DeviceEntry) deviceConfig() devices.Config {
	return devices.Config{
		Host:     entry.Host,
		Username: entry.Username,
		Password: entry.Password,
		Secret:   entry.Secret,
		Port:     entry.Port,
		Timeout:  entry.Timeout,
	}
}

// Open constructs the driver for the named device without connecting.
func (inv *Inventory) Open(name string, opts ...devices.Option) (devices.Device, error) {
	entry, err := inv.Get(name)
	if err != nil {
		return nil, err
	}
	return devices.New(entry.DeviceType, entry.deviceConfig(), opts...)
}

// Dial constructs and connects the driver for the named device,
// failing fast when the device is unreachable.
func (inv *Inventory) Dial(ctx context.Context, name string, opts ...devices.Option) (devices.Device, error) {
	entry, err := inv.Get(name)
	if err != nil {
		return nil, err
	}
	return devices.Dial(ctx, entry.DeviceType, entry.deviceConfig(), opts...)
}
