package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

const (
	nxosDefaultFileSystem = "bootflash:"
	nxosRebootSettle      = 30 * time.Second
	nxosRebootInterval    = 10 * time.Second
	nxosInstallTimeout    = 60 * time.Minute
)

// NXOSDevice manages a Cisco Nexus switch over NX-API. Each command is
// its own HTTP request, sent strictly in order, so a rejected command
// leaves everything after it unsent.
type NXOSDevice struct {
	cfg  Config
	log  *zap.Logger
	api  *transport.NXAPIClient
	open bool

	facts   cached[*Facts]
	running cached[string]
	startup cached[string]
	extras  map[string]interface{}
}

func newNXOSDevice(cfg Config, o *driverOptions) *NXOSDevice {
	api := transport.NewNXAPIClient(transport.NXAPIConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}, o.httpClient, o.logger)
	return &NXOSDevice{
		cfg:    cfg,
		log:    o.logger,
		api:    api,
		extras: map[string]interface{}{},
	}
}

func (d *NXOSDevice) DeviceType() string { return TypeNXOS }
func (d *NXOSDevice) Connected() bool    { return d.open }

func (d *NXOSDevice) Open(ctx context.Context) error {
	if _, err := d.api.ShowRaw(ctx, "show clock"); err != nil {
		var apiErr *transport.NXAPIError
		if !errors.As(err, &apiErr) {
			return &ConnectionError{Host: d.cfg.Host, Err: err}
		}
	}
	d.open = true
	return nil
}

func (d *NXOSDevice) Close() error {
	d.open = false
	return nil
}

func (d *NXOSDevice) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
	if opts != nil && opts.RawText {
		raw, err := d.api.ShowRaw(ctx, command)
		if err != nil {
			return nil, nxosCommandError(command, err, d.cfg.Host)
		}
		return &Result{Command: command, Raw: raw}, nil
	}
	body, err := d.api.Show(ctx, command)
	if err != nil {
		return nil, nxosCommandError(command, err, d.cfg.Host)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return &Result{Command: command, Raw: string(body)}, nil
	}
	return &Result{Command: command, Data: data}, nil
}

func nxosCommandError(command string, err error, host string) error {
	var apiErr *transport.NXAPIError
	if errors.As(err, &apiErr) {
		return &CommandError{Command: command, Response: apiErr.Message}
	}
	return &ConnectionError{Host: host, Err: err}
}

func (d *NXOSDevice) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
	results := make([]*Result, 0, len(commands))
	attempted := make([]string, 0, len(commands))
	for _, cmd := range commands {
		attempted = append(attempted, cmd)
		res, err := d.Show(ctx, cmd, opts)
		if err != nil {
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				return nil, &CommandSequenceError{Attempted: attempted, Command: cmd, Response: cmdErr.Response}
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *NXOSDevice) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
	responses := make([]string, 0, len(commands))
	attempted := make([]string, 0, len(commands))
	for _, cmd := range commands {
		attempted = append(attempted, cmd)
		body, err := d.api.Config(ctx, cmd)
		if err != nil {
			var apiErr *transport.NXAPIError
			if errors.As(err, &apiErr) {
				return responses, &CommandSequenceError{Attempted: attempted, Command: cmd, Response: apiErr.Message}
			}
			return responses, &ConnectionError{Host: d.cfg.Host, Err: err}
		}
		responses = append(responses, string(body))
	}
	d.running.invalidate()
	return responses, nil
}

func (d *NXOSDevice) Save(ctx context.Context, filename string) error {
	if filename == "" {
		filename = "startup-config"
	}
	if _, err := d.api.ShowRaw(ctx, "copy running-config "+filename); err != nil {
		return nxosCommandError("copy running-config "+filename, err, d.cfg.Host)
	}
	d.startup.invalidate()
	return nil
}

func (d *NXOSDevice) RunningConfig(ctx context.Context) (string, error) {
	return d.running.get(func() (string, error) {
		return d.api.ShowRaw(ctx, "show running-config")
	})
}

func (d *NXOSDevice) StartupConfig(ctx context.Context) (string, error) {
	return d.startup.get(func() (string, error) {
		return d.api.ShowRaw(ctx, "show startup-config")
	})
}

func (d *NXOSDevice) BackupRunningConfig(ctx context.Context, filePath string) error {
	cfg, err := d.RunningConfig(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte(cfg), 0o600)
}

func (d *NXOSDevice) Checkpoint(ctx context.Context, name string) error {
	if _, err := d.api.ShowRaw(ctx, "checkpoint file "+name); err != nil {
		return nxosCommandError("checkpoint file "+name, err, d.cfg.Host)
	}
	return nil
}

func (d *NXOSDevice) Rollback(ctx context.Context, name string) error {
	if _, err := d.api.ShowRaw(ctx, "rollback running-config file "+name); err != nil {
		return &RollbackError{Checkpoint: name, Err: err}
	}
	d.running.invalidate()
	return nil
}

func (d *NXOSDevice) remoteMD5(ctx context.Context, remote string) (string, error) {
	out, err := d.api.ShowRaw(ctx, fmt.Sprintf("show file %s md5sum", remote))
	if err != nil {
		return "", err
	}
	m := regexp.MustCompile(`([a-f0-9]{32})`).FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no checksum in output")
	}
	return m[1], nil
}

func (d *NXOSDevice) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	fs := nxosDefaultFileSystem
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

// FileCopy pushes src to bootflash over SCP. NX-API has no file
// transfer surface, so this rides the device's SSH service.
func (d *NXOSDevice) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
	fs := nxosDefaultFileSystem
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

var (
	nxosSysBootRe  = regexp.MustCompile(`(?m)^(?:sys|NXOS) variable\s*=\s*(\S+)`)
	nxosKickBootRe = regexp.MustCompile(`(?m)^kickstart variable\s*=\s*(\S+)`)
)

func (d *NXOSDevice) BootOptions(ctx context.Context) (*BootOptions, error) {
	out, err := d.api.ShowRaw(ctx, "show boot")
	if err != nil {
		return nil, nxosCommandError("show boot", err, d.cfg.Host)
	}
	boot := &BootOptions{}
	if m := nxosSysBootRe.FindStringSubmatch(out); m != nil {
		boot.Sys = strings.TrimPrefix(strings.TrimPrefix(m[1], nxosDefaultFileSystem), "/")
	}
	if m := nxosKickBootRe.FindStringSubmatch(out); m != nil {
		boot.Kickstart = strings.TrimPrefix(strings.TrimPrefix(m[1], nxosDefaultFileSystem), "/")
	}
	return boot, nil
}

func (d *NXOSDevice) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	var commands []string
	if opts != nil && opts.Kickstart != "" {
		commands = []string{
			"boot kickstart " + nxosDefaultFileSystem + opts.Kickstart,
			"boot system " + nxosDefaultFileSystem + image,
		}
	} else {
		commands = []string{"boot nxos " + nxosDefaultFileSystem + image}
	}
	if _, err := d.Config(ctx, commands, nil); err != nil {
		return err
	}
	boot, err := d.BootOptions(ctx)
	if err != nil {
		return err
	}
	if boot.Sys != image {
		return &CommandError{
			Command:  "boot nxos " + image,
			Response: fmt.Sprintf("boot options are %q after set", boot.Sys),
		}
	}
	return nil
}

func (d *NXOSDevice) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	timeout := nxosInstallTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	boot, err := d.BootOptions(ctx)
	if err != nil {
		return err
	}
	if boot.Sys == image {
		return nil
	}
	var setOpts *SetBootOptions
	if opts != nil && opts.Kickstart != "" {
		setOpts = &SetBootOptions{Kickstart: opts.Kickstart}
	}
	if err := d.SetBootOptions(ctx, image, setOpts); err != nil {
		return err
	}
	if err := d.Save(ctx, ""); err != nil {
		return err
	}
	if err := d.Reboot(ctx, nil); err != nil {
		return err
	}
	err = waitFor(ctx, "install "+image, nxosRebootSettle, nxosRebootInterval, timeout, func(ctx context.Context) (bool, error) {
		if err := d.Open(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	boot, err = d.BootOptions(ctx)
	if err != nil {
		return err
	}
	if boot.Sys != image {
		return &OperationTimeoutError{Operation: "install " + image, Timeout: timeout, Reason: "device booted a different image"}
	}
	return nil
}

// Reboot reloads immediately. NX-OS has no delayed-reload timer, so a
// nonzero Timer is rejected without touching the device.
func (d *NXOSDevice) Reboot(ctx context.Context, opts *RebootOptions) error {
	if opts != nil && opts.Timer > 0 {
		return &RebootTimerError{DeviceType: TypeNXOS}
	}
	if _, err := d.api.ShowRaw(ctx, "terminal dont-ask ; reload"); err != nil {
		var apiErr *transport.NXAPIError
		if errors.As(err, &apiErr) {
			return &CommandError{Command: "reload", Response: apiErr.Message}
		}
		// Connection loss means the reload took.
	}
	d.open = false
	d.log.Info("reboot issued", zap.String("host", d.cfg.Host))
	return nil
}

func nxosUptimeSeconds(data map[string]interface{}) int {
	num := func(key string) int {
		if v, ok := data[key].(float64); ok {
			return int(v)
		}
		return 0
	}
	return num("kern_uptm_days")*24*3600 + num("kern_uptm_hrs")*3600 + num("kern_uptm_mins")*60 + num("kern_uptm_secs")
}

// nxosRows normalizes the TABLE/ROW convention: a ROW value is an
// object for one row and an array for several.
func nxosRows(data map[string]interface{}, table, row string) []map[string]interface{} {
	t, ok := data[table].(map[string]interface{})
	if !ok {
		return nil
	}
	switch v := t[row].(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, m)
			}
		}
		return rows
	}
	return nil
}

func (d *NXOSDevice) computeFacts(ctx context.Context) (*Facts, error) {
	verRes, err := d.Show(ctx, "show version", nil)
	if err != nil {
		return nil, err
	}
	facts := &Facts{
		Vendor:     "cisco",
		Extensions: map[string]interface{}{},
	}
	if data, ok := verRes.Data.(map[string]interface{}); ok {
		facts.Hostname, _ = data["host_name"].(string)
		facts.Model, _ = data["chassis_id"].(string)
		facts.SerialNumber, _ = data["proc_board_id"].(string)
		if v, ok := data["sys_ver_str"].(string); ok && v != "" {
			facts.OSVersion = v
		} else if v, ok := data["kickstart_ver_str"].(string); ok {
			facts.OSVersion = v
		}
		facts.Uptime = nxosUptimeSeconds(data)
		facts.UptimeString = FormatUptime(facts.Uptime)
	}
	if res, err := d.Show(ctx, "show interface status", nil); err == nil {
		if data, ok := res.Data.(map[string]interface{}); ok {
			for _, row := range nxosRows(data, "TABLE_interface", "ROW_interface") {
				if name, ok := row["interface"].(string); ok {
					facts.Interfaces = append(facts.Interfaces, name)
				}
			}
		}
	}
	if res, err := d.Show(ctx, "show vlan brief", nil); err == nil {
		if data, ok := res.Data.(map[string]interface{}); ok {
			for _, row := range nxosRows(data, "TABLE_vlanbriefxbrief", "ROW_vlanbriefxbrief") {
				if id, ok := row["vlanshowbr-vlanid"].(string); ok {
					facts.VLANs = append(facts.VLANs, id)
				} else if idNum, ok := row["vlanshowbr-vlanid"].(float64); ok {
					facts.VLANs = append(facts.VLANs, fmt.Sprintf("%d", int(idNum)))
				}
			}
		}
	}
	return facts, nil
}

func (d *NXOSDevice) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

func (d *NXOSDevice) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	return d.Facts(ctx)
}
