package devices

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

const (
	junosFileDir        = "/var/tmp/"
	junosRebootSettle   = 60 * time.Second
	junosRebootInterval = 15 * time.Second
	junosInstallTimeout = 60 * time.Minute
)

// JunosDevice manages a Juniper device over NETCONF. Configuration is
// transactional: every Config call is a load plus commit, and a failed
// load is discarded so no partial candidate survives.
type JunosDevice struct {
	cfg     Config
	log     *zap.Logger
	dial    func() (transport.NetconfSession, error)
	session transport.NetconfSession

	facts   cached[*Facts]
	running cached[string]
	extras  map[string]interface{}
}

func newJunosDevice(cfg Config, o *driverOptions) *JunosDevice {
	dial := o.netconfDial
	if dial == nil {
		dial = func() (transport.NetconfSession, error) {
			return transport.DialNetconf(transport.NetconfConfig{
				Host:     cfg.Host,
				Port:     cfg.Port,
				Username: cfg.Username,
				Password: cfg.Password,
				Timeout:  cfg.Timeout,
			})
		}
	}
	return &JunosDevice{
		cfg:    cfg,
		log:    o.logger,
		dial:   dial,
		extras: map[string]interface{}{},
	}
}

func (d *JunosDevice) DeviceType() string { return TypeJunos }
func (d *JunosDevice) Connected() bool    { return d.session != nil }

func (d *JunosDevice) Open(ctx context.Context) error {
	if d.session != nil {
		// Probe the session; NETCONF has no cheap liveness check
		// beyond a trivial RPC.
		if _, err := d.rpc(`<get-software-information/>`); err == nil {
			return nil
		}
		d.session.Close()
		d.session = nil
	}
	session, err := d.dial()
	if err != nil {
		return &ConnectionError{Host: d.cfg.Host, Err: err}
	}
	d.session = session
	d.log.Info("NETCONF session established", zap.String("host", d.cfg.Host))
	return nil
}

func (d *JunosDevice) Close() error {
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

func (d *JunosDevice) rpc(body string) (*netconf.RPCReply, error) {
	if d.session == nil {
		return nil, ErrNotConnected
	}
	reply, err := d.session.Exec(netconf.RawMethod(body))
	if err != nil {
		return reply, err
	}
	if reply != nil && len(reply.Errors) > 0 {
		return reply, fmt.Errorf("rpc error: %s", strings.TrimSpace(reply.Errors[0].Message))
	}
	return reply, nil
}

// commandRPC runs an operational-mode command and returns its text
// output.
func (d *JunosDevice) commandRPC(command string) (string, error) {
	reply, err := d.rpc(fmt.Sprintf(`<command format="text">%s</command>`, command))
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `xml:",chardata"`
	}
	if err := xml.Unmarshal([]byte(reply.Data), &out); err != nil {
		return reply.Data, nil
	}
	return out.Text, nil
}

// validateShow rejects requests the NETCONF command RPC cannot serve:
// replies are text only, and only operational "show" commands run here.
func (d *JunosDevice) validateShow(command string, opts *ShowOptions) error {
	if opts != nil && !opts.RawText {
		return &CommandError{Command: command, Response: "structured output is not available; set RawText"}
	}
	if !strings.HasPrefix(strings.TrimSpace(command), "show") {
		return &CommandError{Command: command, Response: `only "show" commands can run as operational commands`}
	}
	return nil
}

// Show runs an operational command. Junos replies are text here;
// structured access goes through the facts RPCs.
func (d *JunosDevice) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
	if err := d.validateShow(command, opts); err != nil {
		return nil, err
	}
	out, err := d.commandRPC(command)
	if err != nil {
		return nil, &CommandError{Command: command, Response: err.Error()}
	}
	return &Result{Command: command, Raw: out}, nil
}

func (d *JunosDevice) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
	results := make([]*Result, 0, len(commands))
	attempted := make([]string, 0, len(commands))
	for _, cmd := range commands {
		attempted = append(attempted, cmd)
		if err := d.validateShow(cmd, opts); err != nil {
			return nil, &CommandSequenceError{Attempted: attempted, Command: cmd, Response: err.Error()}
		}
		out, err := d.commandRPC(cmd)
		if err != nil {
			return nil, &CommandSequenceError{Attempted: attempted, Command: cmd, Response: err.Error()}
		}
		results = append(results, &Result{Command: cmd, Raw: out})
	}
	return results, nil
}

// Config loads commands into the candidate configuration and commits.
// The load is a single transaction; on failure the candidate is
// discarded and the error reports every command as attempted.
func (d *JunosDevice) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
	format := "set"
	if opts != nil && opts.Format != "" {
		format = opts.Format
	}
	var load string
	switch format {
	case "set":
		load = fmt.Sprintf(
			`<load-configuration action="set" format="text"><configuration-set>%s</configuration-set></load-configuration>`,
			strings.Join(commands, "\n"),
		)
	case "text":
		load = fmt.Sprintf(
			`<load-configuration action="merge" format="text"><configuration-text>%s</configuration-text></load-configuration>`,
			strings.Join(commands, "\n"),
		)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if _, err := d.rpc(load); err != nil {
		d.rpc(`<discard-changes/>`)
		return nil, &CommandSequenceError{Attempted: commands, Command: strings.Join(commands, "; "), Response: err.Error()}
	}
	if _, err := d.rpc(`<commit/>`); err != nil {
		d.rpc(`<discard-changes/>`)
		return nil, &CommandSequenceError{Attempted: commands, Command: "commit", Response: err.Error()}
	}
	d.running.invalidate()
	responses := make([]string, len(commands))
	return responses, nil
}

// Save persists configuration. The commit in Config already persists,
// so an empty filename is a plain commit; a filename saves a copy on
// the device.
func (d *JunosDevice) Save(ctx context.Context, filename string) error {
	if filename == "" {
		_, err := d.rpc(`<commit/>`)
		return err
	}
	_, err := d.commandRPC(fmt.Sprintf("show configuration | save %s%s", junosFileDir, filename))
	return err
}

func (d *JunosDevice) RunningConfig(ctx context.Context) (string, error) {
	return d.running.get(func() (string, error) {
		return d.commandRPC("show configuration")
	})
}

// StartupConfig is the committed configuration, which on Junos is the
// same thing the running configuration is.
func (d *JunosDevice) StartupConfig(ctx context.Context) (string, error) {
	return d.RunningConfig(ctx)
}

func (d *JunosDevice) BackupRunningConfig(ctx context.Context, filePath string) error {
	cfg, err := d.RunningConfig(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte(cfg), 0o600)
}

func (d *JunosDevice) Checkpoint(ctx context.Context, name string) error {
	_, err := d.commandRPC(fmt.Sprintf("show configuration | save %s%s", junosFileDir, name))
	return err
}

func (d *JunosDevice) Rollback(ctx context.Context, name string) error {
	load := fmt.Sprintf(`<load-configuration action="override" url="%s%s"/>`, junosFileDir, name)
	if _, err := d.rpc(load); err != nil {
		d.rpc(`<discard-changes/>`)
		return &RollbackError{Checkpoint: name, Err: err}
	}
	if _, err := d.rpc(`<commit/>`); err != nil {
		d.rpc(`<discard-changes/>`)
		return &RollbackError{Checkpoint: name, Err: err}
	}
	d.running.invalidate()
	return nil
}

func (d *JunosDevice) remoteMD5(remotePath string) (string, error) {
	out, err := d.commandRPC("file checksum md5 " + remotePath)
	if err != nil {
		return "", err
	}
	m := regexp.MustCompile(`([a-f0-9]{32})`).FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no checksum in output")
	}
	return m[1], nil
}

func (d *JunosDevice) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	if dest == "" {
		dest = path.Base(src)
	}
	local, err := md5File(src)
	if err != nil {
		return false, &FileTransferError{Src: src, Dest: dest, Reason: "failed to checksum local file", Err: err}
	}
	remote, err := d.remoteMD5(junosFileDir + dest)
	if err != nil {
		return false, nil
	}
	return local == remote, nil
}

func (d *JunosDevice) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
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
	}, src, junosFileDir+dest)
	if err != nil {
		return &FileTransferError{Src: src, Dest: junosFileDir + dest, Reason: "transfer failed", Err: err}
	}
	ok, err := d.FileCopyRemoteExists(ctx, src, dest, opts)
	if err != nil {
		return err
	}
	if !ok {
		return &FileTransferError{Src: src, Dest: junosFileDir + dest, Reason: "checksum mismatch after transfer"}
	}
	return nil
}

// BootOptions reports the running package; Junos has no separate
// next-boot image variable.
func (d *JunosDevice) BootOptions(ctx context.Context) (*BootOptions, error) {
	facts, err := d.Facts(ctx)
	if err != nil {
		return nil, err
	}
	return &BootOptions{Sys: facts.OSVersion}, nil
}

// SetBootOptions is not available on Junos; images activate through
// package installation.
func (d *JunosDevice) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	return &NotSupportedError{Operation: "set_boot_options", DeviceType: TypeJunos}
}

func (d *JunosDevice) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	timeout := junosInstallTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	rpc := fmt.Sprintf(
		`<request-package-add><no-validate/><package-name>%s%s</package-name></request-package-add>`,
		junosFileDir, image,
	)
	if _, err := d.rpc(rpc); err != nil {
		return &CommandError{Command: "request system software add " + image, Response: err.Error()}
	}
	if err := d.Reboot(ctx, nil); err != nil {
		return err
	}
	err := waitFor(ctx, "install "+image, junosRebootSettle, junosRebootInterval, timeout, func(ctx context.Context) (bool, error) {
		if err := d.Open(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	facts, err := d.RefreshFacts(ctx)
	if err != nil {
		return err
	}
	if facts.OSVersion == "" || !strings.Contains(image, facts.OSVersion) {
		return &OperationTimeoutError{Operation: "install " + image, Timeout: timeout, Reason: "device booted a different package"}
	}
	return nil
}

func (d *JunosDevice) Reboot(ctx context.Context, opts *RebootOptions) error {
	body := `<request-reboot/>`
	if opts != nil && opts.Timer > 0 {
		body = fmt.Sprintf(`<request-reboot><in>%d</in></request-reboot>`, int(opts.Timer.Minutes()))
	}
	if _, err := d.rpc(body); err != nil {
		// The session dropping mid-RPC is the reboot taking effect.
		d.session = nil
		return nil
	}
	if opts == nil || opts.Timer == 0 {
		if d.session != nil {
			d.session.Close()
		}
		d.session = nil
	}
	d.log.Info("reboot issued", zap.String("host", d.cfg.Host))
	return nil
}

type junosSoftwareInfo struct {
	XMLName      xml.Name `xml:"software-information"`
	HostName     string   `xml:"host-name"`
	ProductModel string   `xml:"product-model"`
	JunosVersion string   `xml:"junos-version"`
}

type junosUptimeInfo struct {
	XMLName xml.Name `xml:"system-uptime-information"`
	UpTime  struct {
		Seconds int `xml:"seconds,attr"`
	} `xml:"uptime-information>up-time"`
}

type junosChassisInventory struct {
	XMLName xml.Name `xml:"chassis-inventory"`
	Chassis struct {
		SerialNumber string `xml:"serial-number"`
	} `xml:"chassis"`
}

type junosInterfaceInfo struct {
	XMLName    xml.Name `xml:"interface-information"`
	Interfaces []struct {
		Name string `xml:"name"`
	} `xml:"physical-interface"`
}

func (d *JunosDevice) computeFacts(ctx context.Context) (*Facts, error) {
	reply, err := d.rpc(`<get-software-information/>`)
	if err != nil {
		return nil, &CommandError{Command: "show version", Response: err.Error()}
	}
	facts := &Facts{
		Vendor:     "juniper",
		Extensions: map[string]interface{}{},
	}
	var sw junosSoftwareInfo
	if err := xml.Unmarshal([]byte(reply.Data), &sw); err == nil {
		facts.Hostname = strings.TrimSpace(sw.HostName)
		facts.Model = strings.TrimSpace(sw.ProductModel)
		facts.OSVersion = strings.TrimSpace(sw.JunosVersion)
	}
	if reply, err := d.rpc(`<get-system-uptime-information/>`); err == nil {
		var up junosUptimeInfo
		if xml.Unmarshal([]byte(reply.Data), &up) == nil {
			facts.Uptime = up.UpTime.Seconds
			facts.UptimeString = FormatUptime(facts.Uptime)
		}
	}
	if reply, err := d.rpc(`<get-chassis-inventory/>`); err == nil {
		var inv junosChassisInventory
		if xml.Unmarshal([]byte(reply.Data), &inv) == nil {
			facts.SerialNumber = strings.TrimSpace(inv.Chassis.SerialNumber)
		}
	}
	if reply, err := d.rpc(`<get-interface-information><terse/></get-interface-information>`); err == nil {
		var info junosInterfaceInfo
		if xml.Unmarshal([]byte(reply.Data), &info) == nil {
			for _, iface := range info.Interfaces {
				facts.Interfaces = append(facts.Interfaces, strings.TrimSpace(iface.Name))
			}
		}
	}
	return facts, nil
}

func (d *JunosDevice) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

func (d *JunosDevice) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	return d.Facts(ctx)
}
