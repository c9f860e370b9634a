package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

const (
	eosRebootSettle       = 10 * time.Second
	eosRebootPollInterval = 10 * time.Second
	eosInstallTimeout     = 60 * time.Minute
)

// EOSDevice manages an Arista EOS device over its eAPI JSON-RPC
// endpoint. The transport is structured end to end, so there is no
// prompt handling and no template parsing; failure detection comes from
// the API error envelope instead of in-band text.
type EOSDevice struct {
	cfg  Config
	log  *zap.Logger
	api  *transport.EAPIClient
	open bool

	facts   cached[*Facts]
	running cached[string]
	startup cached[string]
	extras  map[string]interface{}
}

func newEOSDevice(cfg Config, o *driverOptions) *EOSDevice {
	api := transport.NewEAPIClient(transport.EAPIConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}, o.httpClient, o.logger)
	return &EOSDevice{
		cfg:    cfg,
		log:    o.logger,
		api:    api,
		extras: map[string]interface{}{},
	}
}

func (d *EOSDevice) DeviceType() string { return d.dtype() }
func (d *EOSDevice) dtype() string      { return TypeEOS }
func (d *EOSDevice) Connected() bool    { return d.open }

// Open verifies the endpoint answers. eAPI is stateless HTTP, so there
// is no session to establish beyond a liveness probe.
func (d *EOSDevice) Open(ctx context.Context) error {
	if _, err := d.api.Enable(ctx, []string{"show clock"}, "text"); err != nil {
		return &ConnectionError{Host: d.cfg.Host, Err: err}
	}
	d.open = true
	return nil
}

func (d *EOSDevice) Close() error {
	d.open = false
	return nil
}

// seqError converts an eAPI batch failure into the sequence error
// contract: attempted covers every command the device processed, the
// failing one last.
func seqError(err error, commands []string) error {
	var apiErr *transport.EAPIError
	if !errors.As(err, &apiErr) {
		return err
	}
	n := len(apiErr.Data)
	if n > len(commands) {
		n = len(commands)
	}
	attempted := commands[:n]
	failing := ""
	response := apiErr.Message
	if n > 0 {
		failing = commands[n-1]
		response = string(apiErr.Data[n-1])
	}
	return &CommandSequenceError{Attempted: attempted, Command: failing, Response: response}
}

func (d *EOSDevice) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
	format := "json"
	if opts != nil && opts.RawText {
		format = "text"
	}
	result, err := d.api.Enable(ctx, []string{command}, format)
	if err != nil {
		var apiErr *transport.EAPIError
		if errors.As(err, &apiErr) {
			return nil, &CommandError{Command: command, Response: apiErr.Message}
		}
		return nil, &ConnectionError{Host: d.cfg.Host, Err: err}
	}
	if len(result) == 0 {
		return nil, &CommandError{Command: command, Response: "empty result"}
	}
	res := &Result{Command: command}
	if format == "text" {
		var body struct {
			Output string `json:"output"`
		}
		if err := json.Unmarshal(result[0], &body); err == nil {
			res.Raw = body.Output
		}
	} else {
		var data map[string]interface{}
		if err := json.Unmarshal(result[0], &data); err != nil {
			return nil, fmt.Errorf("failed to decode %q result: %w", command, err)
		}
		res.Data = data
	}
	return res, nil
}

func (d *EOSDevice) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
	format := "json"
	if opts != nil && opts.RawText {
		format = "text"
	}
	result, err := d.api.Enable(ctx, commands, format)
	if err != nil {
		return nil, seqError(err, commands)
	}
	results := make([]*Result, len(result))
	for i, raw := range result {
		results[i] = &Result{Command: commands[i]}
		if format == "text" {
			var body struct {
				Output string `json:"output"`
			}
			if json.Unmarshal(raw, &body) == nil {
				results[i].Raw = body.Output
			}
		} else {
			var data map[string]interface{}
			if json.Unmarshal(raw, &data) == nil {
				results[i].Data = data
			}
		}
	}
	return results, nil
}

// Config applies configuration commands in one configure session. The
// API closes the session itself, so there is no exit to guarantee.
func (d *EOSDevice) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
	result, err := d.api.Config(ctx, commands)
	if err != nil {
		return nil, seqError(err, commands)
	}
	responses := make([]string, len(result))
	for i, raw := range result {
		responses[i] = string(raw)
	}
	d.running.invalidate()
	return responses, nil
}

func (d *EOSDevice) Save(ctx context.Context, filename string) error {
	if filename == "" {
		filename = "startup-config"
	}
	if _, err := d.api.Enable(ctx, []string{"copy running-config " + filename}, "json"); err != nil {
		return seqError(err, []string{"copy running-config " + filename})
	}
	d.startup.invalidate()
	return nil
}

func (d *EOSDevice) showText(ctx context.Context, command string) (string, error) {
	res, err := d.Show(ctx, command, &ShowOptions{RawText: true})
	if err != nil {
		return "", err
	}
	return res.Raw, nil
}

func (d *EOSDevice) RunningConfig(ctx context.Context) (string, error) {
	return d.running.get(func() (string, error) { return d.showText(ctx, "show running-config") })
}

func (d *EOSDevice) StartupConfig(ctx context.Context) (string, error) {
	return d.startup.get(func() (string, error) { return d.showText(ctx, "show startup-config") })
}

func (d *EOSDevice) BackupRunningConfig(ctx context.Context, filePath string) error {
	cfg, err := d.RunningConfig(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte(cfg), 0o600)
}

func (d *EOSDevice) Checkpoint(ctx context.Context, name string) error {
	return d.Save(ctx, name)
}

func (d *EOSDevice) Rollback(ctx context.Context, name string) error {
	if _, err := d.api.Enable(ctx, []string{fmt.Sprintf("configure replace %s force", name)}, "json"); err != nil {
		return &RollbackError{Checkpoint: name, Err: err}
	}
	d.running.invalidate()
	return nil
}

func (d *EOSDevice) remoteMD5(ctx context.Context, remotePath string) (string, error) {
	res, err := d.api.Enable(ctx, []string{fmt.Sprintf("bash timeout 10 md5sum %s", remotePath)}, "text")
	if err != nil || len(res) == 0 {
		return "", fmt.Errorf("md5sum failed: %w", err)
	}
	var body struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(res[0], &body); err != nil {
		return "", err
	}
	m := regexp.MustCompile(`^([a-f0-9]{32})\s`).FindStringSubmatch(strings.TrimSpace(body.Output))
	if m == nil {
		return "", fmt.Errorf("no checksum in md5sum output")
	}
	return m[1], nil
}

func (d *EOSDevice) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	if dest == "" {
		dest = path.Base(src)
	}
	local, err := md5File(src)
	if err != nil {
		return false, &FileTransferError{Src: src, Dest: dest, Reason: "failed to checksum local file", Err: err}
	}
	remote, err := d.remoteMD5(ctx, "/mnt/flash/"+dest)
	if err != nil {
		return false, nil
	}
	return local == remote, nil
}

// FileCopy pushes src to flash over SCP. eAPI has no file transfer
// surface, so this rides the device's SSH service instead.
func (d *EOSDevice) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
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
	}, src, "/mnt/flash/"+dest)
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

func (d *EOSDevice) BootOptions(ctx context.Context) (*BootOptions, error) {
	res, err := d.Show(ctx, "show boot-config", nil)
	if err != nil {
		return nil, err
	}
	data, _ := res.Data.(map[string]interface{})
	image, _ := data["softwareImage"].(string)
	image = strings.TrimPrefix(image, "flash:/")
	image = strings.TrimPrefix(image, "flash:")
	return &BootOptions{Sys: image}, nil
}

func (d *EOSDevice) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	if _, err := d.Config(ctx, []string{fmt.Sprintf("boot system flash:/%s", image)}, nil); err != nil {
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

func (d *EOSDevice) imageBooted(ctx context.Context, image string) bool {
	facts, err := d.RefreshFacts(ctx)
	if err != nil || facts.OSVersion == "" {
		return false
	}
	return strings.Contains(image, facts.OSVersion)
}

func (d *EOSDevice) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	timeout := eosInstallTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if d.imageBooted(ctx, image) {
		return nil
	}
	if err := d.SetBootOptions(ctx, image, nil); err != nil {
		return err
	}
	if err := d.Reboot(ctx, nil); err != nil {
		return err
	}
	err := waitFor(ctx, "install "+image, eosRebootSettle, eosRebootPollInterval, timeout, func(ctx context.Context) (bool, error) {
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
	return nil
}

// Reboot reloads immediately. EOS has no delayed-reload timer, so a
// nonzero Timer is rejected without touching the device.
func (d *EOSDevice) Reboot(ctx context.Context, opts *RebootOptions) error {
	if opts != nil && opts.Timer > 0 {
		return &RebootTimerError{DeviceType: d.dtype()}
	}
	if _, err := d.api.Enable(ctx, []string{"reload now"}, "json"); err != nil {
		var apiErr *transport.EAPIError
		if errors.As(err, &apiErr) {
			return &CommandError{Command: "reload now", Response: apiErr.Message}
		}
		// Connection loss means the reload took.
	}
	d.open = false
	d.log.Info("reboot issued", zap.String("host", d.cfg.Host))
	return nil
}

func (d *EOSDevice) computeFacts(ctx context.Context) (*Facts, error) {
	verRes, err := d.Show(ctx, "show version", nil)
	if err != nil {
		return nil, err
	}
	facts := &Facts{
		Vendor:     "arista",
		Extensions: map[string]interface{}{},
	}
	if data, ok := verRes.Data.(map[string]interface{}); ok {
		facts.Model, _ = data["modelName"].(string)
		facts.OSVersion, _ = data["version"].(string)
		facts.SerialNumber, _ = data["serialNumber"].(string)
		if boot, ok := data["bootupTimestamp"].(float64); ok {
			facts.Uptime = int(time.Now().Unix() - int64(boot))
			facts.UptimeString = FormatUptime(facts.Uptime)
		}
	}
	if res, err := d.Show(ctx, "show hostname", nil); err == nil {
		if data, ok := res.Data.(map[string]interface{}); ok {
			facts.Hostname, _ = data["hostname"].(string)
			facts.FQDN, _ = data["fqdn"].(string)
		}
	}
	if res, err := d.Show(ctx, "show ip interface brief", nil); err == nil {
		if data, ok := res.Data.(map[string]interface{}); ok {
			if ifaces, ok := data["interfaces"].(map[string]interface{}); ok {
				for name := range ifaces {
					facts.Interfaces = append(facts.Interfaces, name)
				}
				sort.Strings(facts.Interfaces)
			}
		}
	}
	if res, err := d.Show(ctx, "show vlan", nil); err == nil {
		if data, ok := res.Data.(map[string]interface{}); ok {
			if vlans, ok := data["vlans"].(map[string]interface{}); ok {
				for id := range vlans {
					facts.VLANs = append(facts.VLANs, id)
				}
				sort.Strings(facts.VLANs)
			}
		}
	}
	return facts, nil
}

func (d *EOSDevice) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

func (d *EOSDevice) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	return d.Facts(ctx)
}
