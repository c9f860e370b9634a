package devices

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/templates"
	"github.com/ntc-tools/gontc/pkg/transport"
)

const (
	iosDefaultFileSystem   = "flash:"
	iosRebootSettle        = 10 * time.Second
	iosRebootPollInterval  = 10 * time.Second
	iosInstallTimeout      = 60 * time.Minute
	iosRemoteMD5Re         = `= ([a-f0-9]{32})`
)

// IOSDevice manages a Cisco IOS device over an interactive SSH session.
type IOSDevice struct {
	cliDriver

	facts   cached[*Facts]
	running cached[string]
	startup cached[string]
	// extras are caller-added fact extension keys; they survive
	// RefreshFacts.
	extras map[string]interface{}
}

func newIOSDevice(cfg Config, o *driverOptions) *IOSDevice {
	if cfg.Secret == "" {
		cfg.Secret = cfg.Password
	}
	conn := o.cliConn
	if conn == nil {
		conn = transport.NewSSHConn(transport.SSHConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			Username:       cfg.Username,
			Password:       cfg.Password,
			ConnectTimeout: cfg.Timeout,
			ReadTimeout:    cfg.Timeout,
		}, o.logger)
	}
	return &IOSDevice{
		cliDriver: cliDriver{
			cfg:     cfg,
			log:     o.logger,
			conn:    conn,
			dtype:   TypeIOS,
			markers: []string{"% ", "Error:"},
		},
		extras: map[string]interface{}{},
	}
}

func (d *IOSDevice) DeviceType() string { return d.dtype }
func (d *IOSDevice) Connected() bool    { return d.open }

func (d *IOSDevice) Open(ctx context.Context) error { return d.openCLI(ctx) }
func (d *IOSDevice) Close() error                   { return d.closeCLI() }

func (d *IOSDevice) send(ctx context.Context, command string, opts *ShowOptions) (string, error) {
	if opts != nil && opts.Timing {
		return d.conn.SendCommandTiming(ctx, command)
	}
	expect := ""
	if opts != nil {
		expect = opts.ExpectString
	}
	return d.conn.SendCommand(ctx, command, expect)
}

// Show runs one exec-level command. Output is parsed into structured
// records when a template covers the command, unless raw text is
// requested.
func (d *IOSDevice) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
	raw, err := d.send(ctx, command, opts)
	if err != nil {
		return nil, &CommandError{Command: command, Response: err.Error()}
	}
	if d.checkResponse(raw) {
		return nil, &CommandError{Command: command, Response: raw}
	}
	res := &Result{Command: command, Raw: raw}
	if (opts == nil || !opts.RawText) && templates.HasTemplate(d.dtype, command) {
		if data, perr := templates.Parse(d.dtype, command, raw); perr == nil {
			res.Data = data
		}
	}
	return res, nil
}

func (d *IOSDevice) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
	raws, err := d.sendCommands(ctx, commands, func(ctx context.Context, cmd string) (string, error) {
		return d.send(ctx, cmd, opts)
	})
	if err != nil {
		return nil, err
	}
	results := make([]*Result, len(raws))
	for i, raw := range raws {
		results[i] = &Result{Command: commands[i], Raw: raw}
		if (opts == nil || !opts.RawText) && templates.HasTemplate(d.dtype, commands[i]) {
			if data, perr := templates.Parse(d.dtype, commands[i], raw); perr == nil {
				results[i].Data = data
			}
		}
	}
	return results, nil
}

// Config applies configuration commands inside a config-mode session.
// The session always attempts to leave config mode, success or failure.
func (d *IOSDevice) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
	var responses []string
	err := d.configSession(ctx, opts, func(ctx context.Context) error {
		var serr error
		responses, serr = d.sendCommands(ctx, commands, d.conn.SendConfig)
		return serr
	})
	if err != nil {
		return responses, err
	}
	d.running.invalidate()
	return responses, nil
}

func (d *IOSDevice) Save(ctx context.Context, filename string) error {
	if filename == "" {
		filename = "startup-config"
	}
	resp, err := d.conn.SendCommandTiming(ctx, "copy running-config "+filename)
	if err != nil {
		return &CommandError{Command: "copy running-config " + filename, Response: err.Error()}
	}
	// The copy dialog asks for the destination filename.
	if strings.Contains(resp, "Destination filename") {
		resp, err = d.conn.SendCommandTiming(ctx, "")
		if err != nil {
			return err
		}
	}
	if d.checkResponse(resp) {
		return &CommandError{Command: "copy running-config " + filename, Response: resp}
	}
	d.startup.invalidate()
	d.log.Info("configuration saved", zap.String("host", d.cfg.Host), zap.String("dest", filename))
	return nil
}

func (d *IOSDevice) RunningConfig(ctx context.Context) (string, error) {
	return d.running.get(func() (string, error) {
		res, err := d.Show(ctx, "show running-config", &ShowOptions{RawText: true})
		if err != nil {
			return "", err
		}
		return res.Raw, nil
	})
}

func (d *IOSDevice) StartupConfig(ctx context.Context) (string, error) {
	return d.startup.get(func() (string, error) {
		res, err := d.Show(ctx, "show startup-config", &ShowOptions{RawText: true})
		if err != nil {
			return "", err
		}
		return res.Raw, nil
	})
}

func (d *IOSDevice) BackupRunningConfig(ctx context.Context, filePath string) error {
	cfg, err := d.RunningConfig(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte(cfg), 0o600)
}

func (d *IOSDevice) Checkpoint(ctx context.Context, name string) error {
	return d.Save(ctx, name)
}

func (d *IOSDevice) Rollback(ctx context.Context, name string) error {
	cmd := fmt.Sprintf("configure replace %s%s force", iosDefaultFileSystem, name)
	resp, err := d.conn.SendCommandTiming(ctx, cmd)
	if err != nil {
		return &RollbackError{Checkpoint: name, Err: err}
	}
	if d.checkResponse(resp) || strings.Contains(resp, "Rollback aborted") {
		return &RollbackError{Checkpoint: name, Err: &CommandError{Command: cmd, Response: resp}}
	}
	d.running.invalidate()
	return nil
}

func (d *IOSDevice) remoteMD5(ctx context.Context, remote string) (string, error) {
	resp, err := d.conn.SendCommandTiming(ctx, "verify /md5 "+remote)
	if err != nil {
		return "", err
	}
	m := regexp.MustCompile(iosRemoteMD5Re).FindStringSubmatch(resp)
	if m == nil {
		return "", fmt.Errorf("no checksum in verify output")
	}
	return m[1], nil
}

// FileCopyRemoteExists reports whether dest already holds a file with
// src's checksum. Name and size alone never count as a match.
func (d *IOSDevice) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	fs := iosDefaultFileSystem
	if opts != nil && opts.FileSystem != "" {
		fs = opts.FileSystem
	}
	if dest == "" {
		dest = path.Base(src)
	}
	local, err := md5File(src)
	if err != nil {
		return false, &FileTransferError{Src: src, Dest: dest, Reason: "failed to checksum local file", Err: err}
	}
	remote, err := d.remoteMD5(ctx, fs+dest)
	if err != nil {
		return false, nil
	}
	return local == remote, nil
}

// FileCopy pushes src to the device over a dedicated SCP connection and
// verifies the transfer by checksum.
func (d *IOSDevice) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
	fs := iosDefaultFileSystem
	if opts != nil && opts.FileSystem != "" {
		fs = opts.FileSystem
	}
	if dest == "" {
		dest = path.Base(src)
	}
	if ok, _ := d.FileCopyRemoteExists(ctx, src, dest, opts); ok {
		return nil
	}
	err := transport.SCPUpload(ctx, transport.SSHConfig{
		Host:     d.cfg.Host,
		Port:     d.cfg.Port,
		Username: d.cfg.Username,
		Password: d.cfg.Password,
	}, src, fs+dest)
	if err != nil {
		return &FileTransferError{Src: src, Dest: fs + dest, Reason: "transfer failed", Err: err}
	}
	ok, err := d.FileCopyRemoteExists(ctx, src, dest, opts)
	if err != nil {
		return err
	}
	if !ok {
		return &FileTransferError{Src: src, Dest: fs + dest, Reason: "checksum mismatch after transfer"}
	}
	return nil
}

var iosBootRe = regexp.MustCompile(`(?m)^(?:BOOT (?:path-list|variable)\s*[:=]?|boot system flash[:/]*)\s*(\S+)`)

func (d *IOSDevice) BootOptions(ctx context.Context) (*BootOptions, error) {
	res, err := d.Show(ctx, "show boot", &ShowOptions{RawText: true})
	if err != nil {
		return nil, err
	}
	m := iosBootRe.FindStringSubmatch(res.Raw)
	if m == nil {
		return &BootOptions{}, nil
	}
	sys := m[1]
	sys = strings.TrimPrefix(sys, iosDefaultFileSystem)
	sys = strings.TrimPrefix(sys, "/")
	return &BootOptions{Sys: sys}, nil
}

func (d *IOSDevice) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	if _, err := d.Config(ctx, []string{
		"no boot system",
		fmt.Sprintf("boot system %s/%s", iosDefaultFileSystem, image),
	}, nil); err != nil {
		return err
	}
	boot, err := d.BootOptions(ctx)
	if err != nil {
		return err
	}
	if boot.Sys != image {
		return &CommandError{
			Command:  "boot system " + image,
			Response: fmt.Sprintf("boot options are %q after set", boot.Sys),
		}
	}
	return nil
}

func (d *IOSDevice) imageBooted(ctx context.Context, image string) bool {
	res, err := d.Show(ctx, "show version", &ShowOptions{RawText: true})
	if err != nil {
		return false
	}
	return strings.Contains(res.Raw, image)
}

// InstallOS points the boot system at image, reboots, and waits for the
// device to come back running it.
func (d *IOSDevice) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	timeout := iosInstallTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if d.imageBooted(ctx, image) {
		return nil
	}
	if err := d.SetBootOptions(ctx, image, nil); err != nil {
		return err
	}
	if err := d.Save(ctx, ""); err != nil {
		return err
	}
	if err := d.Reboot(ctx, &RebootOptions{Timeout: time.Minute}); err != nil {
		return err
	}
	err := waitFor(ctx, "install "+image, iosRebootSettle, iosRebootPollInterval, timeout, func(ctx context.Context) (bool, error) {
		if err := d.Open(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !d.imageBooted(ctx, image) {
		return &OperationTimeoutError{Operation: "install " + image, Timeout: timeout, Reason: "device booted a different image"}
	}
	if _, err := d.RefreshFacts(ctx); err != nil {
		return err
	}
	return nil
}

// Reboot reloads the device. A nonzero Timer schedules "reload in" and
// returns immediately; otherwise the reload is confirmed interactively
// and a dropped connection counts as success.
func (d *IOSDevice) Reboot(ctx context.Context, opts *RebootOptions) error {
	if opts == nil {
		opts = &RebootOptions{}
	}
	cmd := "reload"
	if opts.Timer > 0 {
		cmd = fmt.Sprintf("reload in %d", int(opts.Timer.Minutes()))
	}
	resp, err := d.conn.SendCommandTiming(ctx, cmd)
	if err != nil {
		// The device tearing the session down mid-reload is the
		// expected success path.
		d.open = false
		return nil
	}
	if strings.Contains(resp, "confirm") || strings.Contains(resp, "[yes/no]") {
		if _, err := d.conn.SendCommandTiming(ctx, "y"); err != nil {
			d.open = false
			return nil
		}
	}
	if opts.Timer == 0 {
		d.open = false
	}
	d.log.Info("reboot issued", zap.String("host", d.cfg.Host), zap.Duration("timer", opts.Timer))
	return nil
}

var iosHostnameRe = regexp.MustCompile(`(?m)^hostname (\S+)`)
var iosDomainRe = regexp.MustCompile(`(?m)^ip domain[ -]name (\S+)`)

func (d *IOSDevice) computeFacts(ctx context.Context) (*Facts, error) {
	verRes, err := d.Show(ctx, "show version", nil)
	if err != nil {
		return nil, err
	}
	facts := &Facts{
		Vendor:     "cisco",
		Extensions: map[string]interface{}{},
	}
	if records, ok := verRes.Data.([]map[string]interface{}); ok && len(records) > 0 {
		r := records[0]
		facts.OSVersion, _ = r["VERSION"].(string)
		facts.Hostname, _ = r["HOSTNAME"].(string)
		facts.Model, _ = r["HARDWARE"].(string)
		facts.SerialNumber, _ = r["SERIAL"].(string)
		if uptime, ok := r["UPTIME"].(string); ok {
			facts.Uptime = UptimeSeconds(uptime)
			facts.UptimeString = UptimeString(uptime)
		}
	}
	if res, err := d.Show(ctx, "show ip interface brief", nil); err == nil {
		if records, ok := res.Data.([]map[string]interface{}); ok {
			for _, r := range records {
				if name, ok := r["INTERFACE"].(string); ok {
					facts.Interfaces = append(facts.Interfaces, name)
				}
			}
		}
	}
	if res, err := d.Show(ctx, "show vlan", nil); err == nil {
		if records, ok := res.Data.([]map[string]interface{}); ok {
			for _, r := range records {
				if id, ok := r["VLAN_ID"].(string); ok {
					facts.VLANs = append(facts.VLANs, id)
				}
			}
		}
	}
	// FQDN needs the configured domain name.
	if cfg, err := d.RunningConfig(ctx); err == nil {
		if m := iosHostnameRe.FindStringSubmatch(cfg); m != nil && facts.Hostname == "" {
			facts.Hostname = m[1]
		}
		if m := iosDomainRe.FindStringSubmatch(cfg); m != nil && facts.Hostname != "" {
			facts.FQDN = facts.Hostname + "." + m[1]
		}
	}
	return facts, nil
}

// Facts returns the cached facts snapshot, computing it on first use.
// Configuration changes do not invalidate it; call RefreshFacts.
func (d *IOSDevice) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

func (d *IOSDevice) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	return d.Facts(ctx)
}
