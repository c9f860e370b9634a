package devices

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

const (
	f5ImageDir          = "/shared/images"
	f5MinInstallFreeGB  = 6.0
	f5InstallSettle     = 20 * time.Second
	f5InstallInterval   = 10 * time.Second
	f5InstallTimeout    = 15 * time.Minute
	f5RebootSettle      = 60 * time.Second
	f5RebootInterval    = 5 * time.Second
	f5RebootTimeout     = 10 * time.Minute
)

// f5Volume is one boot location on the device.
type f5Volume struct {
	Name    string `json:"name"`
	Product string `json:"product"`
	Version string `json:"version"`
	Active  bool   `json:"active"`
	Status  string `json:"status"`
}

type f5Image struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// F5Device manages a BIG-IP over iControl REST. There is no CLI
// surface here: command-style operations are not supported and say so
// without touching the network. State reads are cached per field and
// refreshed explicitly.
type F5Device struct {
	cfg Config
	log *zap.Logger
	api *transport.IControlClient

	facts      cached[*Facts]
	volumes    cached[[]f5Volume]
	images     cached[[]f5Image]
	interfaces cached[[]string]
	vlans      cached[[]string]
	extras     map[string]interface{}

	open bool
}

func newF5Device(cfg Config, o *driverOptions) *F5Device {
	api := transport.NewIControlClient(transport.IControlConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}, o.httpClient, o.logger)
	return &F5Device{
		cfg:    cfg,
		log:    o.logger,
		api:    api,
		extras: map[string]interface{}{},
	}
}

func (d *F5Device) DeviceType() string { return TypeF5 }
func (d *F5Device) Connected() bool    { return d.open }

func (d *F5Device) Open(ctx context.Context) error {
	var out struct {
		Kind string `json:"kind"`
	}
	if err := d.api.Get(ctx, "/mgmt/tm/sys/version", &out); err != nil {
		return &ConnectionError{Host: d.cfg.Host, Err: err}
	}
	d.open = true
	return nil
}

func (d *F5Device) Close() error {
	d.open = false
	return nil
}

func (d *F5Device) notSupported(op string) error {
	return &NotSupportedError{Operation: op, DeviceType: TypeF5}
}

// Show and the other command-style operations have no equivalent on
// this platform; they fail fast without any transport traffic.
func (d *F5Device) Show(ctx context.Context, command string, opts *ShowOptions) (*Result, error) {
	return nil, d.notSupported("show")
}

func (d *F5Device) ShowList(ctx context.Context, commands []string, opts *ShowOptions) ([]*Result, error) {
	return nil, d.notSupported("show_list")
}

func (d *F5Device) Config(ctx context.Context, commands []string, opts *ConfigOptions) ([]string, error) {
	return nil, d.notSupported("config")
}

func (d *F5Device) RunningConfig(ctx context.Context) (string, error) {
	return "", d.notSupported("running_config")
}

func (d *F5Device) StartupConfig(ctx context.Context) (string, error) {
	return "", d.notSupported("startup_config")
}

func (d *F5Device) BackupRunningConfig(ctx context.Context, filePath string) error {
	return d.notSupported("backup_running_config")
}

func (d *F5Device) Checkpoint(ctx context.Context, name string) error {
	return d.notSupported("checkpoint")
}

func (d *F5Device) Rollback(ctx context.Context, name string) error {
	return d.notSupported("rollback")
}

// Save persists the system configuration, the REST equivalent of
// "tmsh save sys config".
func (d *F5Device) Save(ctx context.Context, filename string) error {
	body := map[string]string{"command": "save"}
	if filename != "" {
		body["options"] = "file " + filename
	}
	return d.api.Post(ctx, "/mgmt/tm/sys/config", body, nil)
}

func (d *F5Device) getVolumes(ctx context.Context) ([]f5Volume, error) {
	return d.volumes.get(func() ([]f5Volume, error) {
		var out struct {
			Items []f5Volume `json:"items"`
		}
		if err := d.api.Get(ctx, "/mgmt/tm/sys/software/volume", &out); err != nil {
			return nil, err
		}
		return out.Items, nil
	})
}

// RefreshVolumes drops the volume cache; the next read hits the device.
func (d *F5Device) RefreshVolumes() { d.volumes.invalidate() }

func (d *F5Device) getImages(ctx context.Context) ([]f5Image, error) {
	return d.images.get(func() ([]f5Image, error) {
		var out struct {
			Items []f5Image `json:"items"`
		}
		if err := d.api.Get(ctx, "/mgmt/tm/sys/software/image", &out); err != nil {
			return nil, err
		}
		return out.Items, nil
	})
}

// RefreshImages drops the image cache.
func (d *F5Device) RefreshImages() { d.images.invalidate() }

func (d *F5Device) activeVolume(ctx context.Context) (*f5Volume, error) {
	volumes, err := d.getVolumes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range volumes {
		if volumes[i].Active {
			return &volumes[i], nil
		}
	}
	return nil, fmt.Errorf("no active volume")
}

var f5FreeSpaceRe = regexp.MustCompile(`(\d+(?:\.\d+)?)G?\s*$`)

// freeSpaceGB reads the free space of the shared volume group.
func (d *F5Device) freeSpaceGB(ctx context.Context) (float64, error) {
	out, err := d.api.Bash(ctx, "vgs --units G")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "vg-db") {
			continue
		}
		m := f5FreeSpaceRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		free, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, err
		}
		return free, nil
	}
	return 0, fmt.Errorf("no volume group in vgs output")
}

func (d *F5Device) remoteMD5(ctx context.Context, remotePath string) (string, error) {
	out, err := d.api.Bash(ctx, "md5sum "+remotePath)
	if err != nil {
		return "", err
	}
	m := regexp.MustCompile(`^([a-f0-9]{32})\s`).FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return "", fmt.Errorf("no checksum in md5sum output")
	}
	return m[1], nil
}

func (d *F5Device) FileCopyRemoteExists(ctx context.Context, src, dest string, opts *FileCopyOptions) (bool, error) {
	dest, err := f5Dest(src, dest)
	if err != nil {
		return false, err
	}
	local, err := md5File(src)
	if err != nil {
		return false, &FileTransferError{Src: src, Dest: dest, Reason: "failed to checksum local file", Err: err}
	}
	remote, err := d.remoteMD5(ctx, dest)
	if err != nil {
		return false, nil
	}
	return local == remote, nil
}

// f5Dest validates the destination: images live under /shared/images
// and nowhere else.
func f5Dest(src, dest string) (string, error) {
	if dest == "" {
		return path.Join(f5ImageDir, path.Base(src)), nil
	}
	if !strings.HasPrefix(dest, f5ImageDir) {
		return "", &FileTransferError{
			Src: src, Dest: dest,
			Reason: fmt.Sprintf("destination must be under %s", f5ImageDir),
		}
	}
	return dest, nil
}

// FileCopy uploads a software image through the REST upload endpoint in
// Content-Range chunks.
func (d *F5Device) FileCopy(ctx context.Context, src, dest string, opts *FileCopyOptions) error {
	dest, err := f5Dest(src, dest)
	if err != nil {
		return err
	}
	if ok, _ := d.FileCopyRemoteExists(ctx, src, dest, opts); ok {
		return nil
	}
	if err := d.api.UploadImage(ctx, src); err != nil {
		return &FileTransferError{Src: src, Dest: dest, Reason: "upload failed", Err: err}
	}
	ok, err := d.FileCopyRemoteExists(ctx, src, dest, opts)
	if err != nil {
		return err
	}
	if !ok {
		return &FileTransferError{Src: src, Dest: dest, Reason: "checksum mismatch after upload"}
	}
	d.images.invalidate()
	return nil
}

func (d *F5Device) BootOptions(ctx context.Context) (*BootOptions, error) {
	vol, err := d.activeVolume(ctx)
	if err != nil {
		return nil, err
	}
	return &BootOptions{
		Sys:          vol.Version,
		ActiveVolume: vol.Name,
		Status:       vol.Status,
	}, nil
}

// SetBootOptions is not available; the boot location changes by
// rebooting into a volume.
func (d *F5Device) SetBootOptions(ctx context.Context, image string, opts *SetBootOptions) error {
	return d.notSupported("set_boot_options")
}

// InstallOS installs an uploaded image onto a volume and waits for the
// installation to complete. The target volume is required, and the
// install is refused when the volume group is too full to hold another
// boot location.
func (d *F5Device) InstallOS(ctx context.Context, image string, opts *InstallOptions) error {
	if opts == nil || opts.Volume == "" {
		return fmt.Errorf("install on %s requires a target volume", TypeF5)
	}
	timeout := f5InstallTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	d.images.invalidate()
	images, err := d.getImages(ctx)
	if err != nil {
		return err
	}
	uploaded := false
	for _, img := range images {
		if img.Name == image {
			uploaded = true
			break
		}
	}
	if !uploaded {
		return fmt.Errorf("image %q is not on the device; copy it first", image)
	}
	free, err := d.freeSpaceGB(ctx)
	if err != nil {
		return err
	}
	if free < f5MinInstallFreeGB {
		return fmt.Errorf("insufficient free space for install: %.2fGB free, %.2fGB required", free, f5MinInstallFreeGB)
	}
	body := map[string]interface{}{
		"command": "install",
		"name":    image,
		"volume":  opts.Volume,
	}
	if err := d.api.Post(ctx, "/mgmt/tm/sys/software/image", body, nil); err != nil {
		return err
	}
	return waitFor(ctx, "install "+image, f5InstallSettle, f5InstallInterval, timeout, func(ctx context.Context) (bool, error) {
		d.volumes.invalidate()
		volumes, err := d.getVolumes(ctx)
		if err != nil {
			return false, &ConnectionError{Host: d.cfg.Host, Err: err}
		}
		for _, vol := range volumes {
			if vol.Name == opts.Volume && strings.EqualFold(vol.Status, "complete") {
				return true, nil
			}
		}
		return false, nil
	})
}

// Reboot restarts the device, optionally into another volume, and
// blocks until it answers again on the expected volume.
func (d *F5Device) Reboot(ctx context.Context, opts *RebootOptions) error {
	if opts == nil {
		opts = &RebootOptions{}
	}
	if opts.Timer > 0 {
		return &RebootTimerError{DeviceType: TypeF5}
	}
	timeout := f5RebootTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	target := opts.Volume
	if target == "" {
		vol, err := d.activeVolume(ctx)
		if err != nil {
			return err
		}
		target = vol.Name
	}
	if _, err := d.api.Bash(ctx, "tmsh reboot volume "+target); err != nil {
		// The device killing the connection is the reboot starting.
		d.log.Debug("reboot command connection dropped", zap.Error(err))
	}
	d.open = false
	return waitFor(ctx, "reboot", f5RebootSettle, f5RebootInterval, timeout, func(ctx context.Context) (bool, error) {
		d.volumes.invalidate()
		vol, err := d.activeVolume(ctx)
		if err != nil {
			return false, &ConnectionError{Host: d.cfg.Host, Err: err}
		}
		if vol.Name != target {
			return false, nil
		}
		d.open = true
		return true, nil
	})
}

// RefreshInterfaces drops the interface cache.
func (d *F5Device) RefreshInterfaces() { d.interfaces.invalidate() }

// RefreshVLANs drops the VLAN cache.
func (d *F5Device) RefreshVLANs() { d.vlans.invalidate() }

func (d *F5Device) getInterfaces(ctx context.Context) ([]string, error) {
	return d.interfaces.get(func() ([]string, error) {
		var out struct {
			Items []struct {
				Name string `json:"name"`
			} `json:"items"`
		}
		if err := d.api.Get(ctx, "/mgmt/tm/net/interface", &out); err != nil {
			return nil, err
		}
		names := make([]string, len(out.Items))
		for i, item := range out.Items {
			names[i] = item.Name
		}
		return names, nil
	})
}

func (d *F5Device) getVLANs(ctx context.Context) ([]string, error) {
	return d.vlans.get(func() ([]string, error) {
		var out struct {
			Items []struct {
				Name string `json:"name"`
			} `json:"items"`
		}
		if err := d.api.Get(ctx, "/mgmt/tm/net/vlan", &out); err != nil {
			return nil, err
		}
		names := make([]string, len(out.Items))
		for i, item := range out.Items {
			names[i] = item.Name
		}
		return names, nil
	})
}

func (d *F5Device) computeFacts(ctx context.Context) (*Facts, error) {
	vol, err := d.activeVolume(ctx)
	if err != nil {
		return nil, err
	}
	facts := &Facts{
		Vendor:     "f5",
		Model:      vol.Product,
		OSVersion:  vol.Version,
		Extensions: map[string]interface{}{"active_volume": vol.Name},
	}
	var gs struct {
		Hostname string `json:"hostname"`
	}
	if err := d.api.Get(ctx, "/mgmt/tm/sys/global-settings", &gs); err == nil {
		facts.FQDN = gs.Hostname
		facts.Hostname = strings.SplitN(gs.Hostname, ".", 2)[0]
	}
	if out, err := d.api.Bash(ctx, "cat /proc/uptime"); err == nil {
		fields := strings.Fields(out)
		if len(fields) > 0 {
			if up, err := strconv.ParseFloat(fields[0], 64); err == nil {
				facts.Uptime = int(up)
				facts.UptimeString = FormatUptime(facts.Uptime)
			}
		}
	}
	if ifaces, err := d.getInterfaces(ctx); err == nil {
		facts.Interfaces = ifaces
	}
	if vlans, err := d.getVLANs(ctx); err == nil {
		facts.VLANs = vlans
	}
	return facts, nil
}

func (d *F5Device) Facts(ctx context.Context) (*Facts, error) {
	facts, err := d.facts.get(func() (*Facts, error) { return d.computeFacts(ctx) })
	if err != nil {
		return nil, err
	}
	mergeExtras(facts, d.extras)
	return facts, nil
}

// RefreshFacts recomputes everything behind the facts snapshot,
// including the per-field caches it draws from.
func (d *F5Device) RefreshFacts(ctx context.Context) (*Facts, error) {
	if cur, ok := d.facts.peek(); ok {
		saveExtras(cur, d.extras)
	}
	d.facts.invalidate()
	d.volumes.invalidate()
	d.images.invalidate()
	d.interfaces.invalidate()
	d.vlans.invalidate()
	return d.Facts(ctx)
}
