package devices

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/templates"
	"github.com/ntc-tools/gontc/pkg/transport"
)

const asaDefaultFileSystem = "disk0:"

// ASADevice manages a Cisco ASA firewall over an interactive SSH
// session. The command surface mirrors IOS; the differences are the
// reboot discipline, the boot variable syntax and the missing
// configuration-archive features.
type ASADevice struct {
	cliDriver

	facts   cached[*Facts]
	running cached[string]
	startup cached[string]
	extras  map[string]interface{}
}

func newASADevice(cfg Config, o *driverOptions) *ASADevice {
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
	return &ASADevice{
		cliDriver: cliDriver{
			cfg:     cfg,
			log:     o.logger,
			conn:    conn,
			dtype:   TypeASA,
			markers: []string{"% ", "Error:", "ERROR:", "Incorrect usage"},
		},
		extras: map[string]interface{}{},
	}
}

func (d *ASADevice) DeviceType() string { return d.dtype }
func (d *ASADevice) Connected() bool    { return d.open }

func (d *ASADevice) Open(ctx context.Context) error { return d.openCLI(ctx) }
func (d *ASADevice) Close() error                   { return d.closeCLI() }

func (d *ASADevice) send(ctx context.Context, command string, opts *ShowOptions) (string, error) {
	if opts != nil && opts.Timing {
		return d.conn.SendCommandTiming(ctx, command)
	}
	expect := ""
	if opts != nil {
		expect = opts.ExpectString
	}
	return d.conn.SendCommand(ctx, command, expect)
}

func (d *ASADevice) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
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

func (d *ASADevice) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
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

func (d *ASADevice) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
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

func (d *ASADevice) Save(ctx context.Context, filename string) error {
	if filename == "" {
		filename = "startup-config"
	}
	cmd := "copy running-config " + filename
	resp, err := d.conn.SendCommandTiming(ctx, cmd)
	if err != nil {
		return &CommandError{Command: cmd, Response: err.Error()}
	}
	if strings.Contains(resp, "Destination filename") || strings.Contains(resp, "Source filename") {
		resp, err = d.conn.SendCommandTiming(ctx, "")
		if err != nil {
			return err
		}
	}
	if d.checkResponse(resp) {
		return &CommandError{Command: cmd, Response: resp}
	}
	d.startup.invalidate()
	d.log.Info("configuration saved", zap.String("host", d.cfg.Host), zap.String("dest", filename))
	return nil
}

func (d *ASADevice) RunningConfig(ctx context.Context) (string, error) {
	return d.running.get(func() (string, error) {
		res, err := d.Show(ctx, "show running-config", &ShowOptions{RawText: true})
		if err != nil {
			return "", err
		}
		return res.Raw, nil
	})
}

func (d *ASADevice) StartupConfig(ctx context.Context) (string, error) {
	return d.startup.get(func() (string, error) {
		res, err := d.Show(ctx, "show startup-config", &ShowOptions{RawText: true})
		if err != nil {
			return "", err
		}
		return res.Raw, nil
	})
}

func (d *ASADevice) BackupRunningConfig(ctx context.Context, filePath string) error {
	cfg, err := d.RunningConfig(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte(cfg), 0o600)
}

func (d *ASADevice) Checkpoint(ctx context.Context, name string) error {
	return d.Save(ctx, name)
}

// Rollback is not available on ASA; there is no configuration archive
// to restore from.
func (d *ASADevice) Rollback(ctx context.Context, name string) error {
	return &NotSupportedError{Operation: "rollback", DeviceType: d.dtype}
}

func (d *ASADevice) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	fs := asaDefaultFileSystem
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
	resp, err := d.conn.SendCommandTiming(ctx, fmt.Sprintf("verify /md5 %s/%s", fs, dest))
	if err != nil {
		return false, nil
	}
	m := regexp.MustCompile(`= ([a-f0-9]{32})`).FindStringSubmatch(resp)
	if m == nil {
		return false, nil
	}
	return local == m[1], nil
}

func (d *ASADevice) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
	fs := asaDefaultFileSystem
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
	}, src, fmt.Sprintf("%s/%s", fs, dest))
	if err != nil {
		return &FileTransferError{Src: src, Dest: dest, Reason: "transfer failed", Err: err}
	}
	ok, err := d.FileCopyRemoteExists(ctx, src, dest, opts)
	if err != nil {
		return err
	}
	if !ok {
		return &FileTransferError{Src: src, Dest: dest, Reason: "checksum mismatch after transfer"}
	}
	return nil
}

var asaBootRe = regexp.MustCompile(`(?m)^BOOT variable\s*=\s*(\S+)`)

func (d *ASADevice) BootOptions(ctx context.Context) (*BootOptions, error) {
	res, err := d.Show(ctx, "show boot", &ShowOptions{RawText: true})
	if err != nil {
		return nil, err
	}
	m := asaBootRe.FindStringSubmatch(res.Raw)
	if m == nil {
		return &BootOptions{}, nil
	}
	sys := m[1]
	if i := strings.Index(sys, ":/"); i >= 0 {
		sys = sys[i+2:]
	}
	return &BootOptions{Sys: sys}, nil
}

func (d *ASADevice) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	location := asaDefaultFileSystem + "/"
	if opts != nil && opts.ImageLocation != "" {
		location = opts.ImageLocation
	}
	if _, err := d.Config(ctx, []string{
		"no boot system",
		fmt.Sprintf("boot system %s%s", location, image),
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

// InstallOS is not automated for ASA; image activation requires a
// failover-aware procedure this driver does not orchestrate.
func (d *ASADevice) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	return &NotSupportedError{Operation: "install_os", DeviceType: d.dtype}
}

// Reboot reloads the firewall. ASA cannot distinguish a confirmed
// immediate reload from a dropped session, so an immediate reboot
// requires an explicit Timeout bound; Timer schedules a delayed reload
// and returns at once.
func (d *ASADevice) Reboot(ctx context.Context, opts *RebootOptions) error {
	if opts == nil {
		opts = &RebootOptions{}
	}
	if opts.Timer > 0 {
		cmd := fmt.Sprintf("reload in %d noconfirm", int(opts.Timer.Minutes()))
		resp, err := d.conn.SendCommandTiming(ctx, cmd)
		if err != nil {
			return &CommandError{Command: cmd, Response: err.Error()}
		}
		if d.checkResponse(resp) {
			return &CommandError{Command: cmd, Response: resp}
		}
		d.log.Info("reload scheduled", zap.String("host", d.cfg.Host), zap.Duration("timer", opts.Timer))
		return nil
	}
	if opts.Timeout <= 0 {
		return &OperationTimeoutError{
			Operation: "reboot",
			Reason:    "immediate reboot requires an explicit timeout bound",
		}
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	_, err := d.conn.SendCommandTiming(ctx, "reload noconfirm")
	// A torn-down session is the reload taking effect.
	d.open = false
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return &OperationTimeoutError{Operation: "reboot", Timeout: opts.Timeout, Reason: "no reload confirmation before deadline"}
	}
	return nil
}

func (d *ASADevice) computeFacts(ctx context.Context) (*Facts, error) {
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
		facts.SerialNumber, _ = r["SERIAL"].(string)
		if hw, ok := r["HARDWARE"].(string); ok {
			facts.Model = strings.TrimSpace(hw)
		}
		if uptime, ok := r["UPTIME"].(string); ok {
			facts.Uptime = UptimeSeconds(uptime)
			facts.UptimeString = UptimeString(uptime)
		}
	}
	if res, err := d.Show(ctx, "show interface", nil); err == nil {
		if records, ok := res.Data.([]map[string]interface{}); ok {
			for _, r := range records {
				if name, ok := r["INTERFACE"].(string); ok {
					facts.Interfaces = append(facts.Interfaces, name)
				}
			}
		}
	}
	return facts, nil
}

func (d *ASADevice) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

func (d *ASADevice) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	return d.Facts(ctx)
}
