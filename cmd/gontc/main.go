// Command gontc is a vendor-neutral network device management CLI. It
// loads a device inventory and drives the device drivers: run show and
// config commands, gather facts, save and back up configurations,
// transfer files, and manage boot images and reboots.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/internal/config"
	"github.com/ntc-tools/gontc/pkg/devices"
)

var (
	inventoryPath string
	verbose       bool
	rawOutput     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gontc",
		Short: "Vendor-neutral network device management",
		Long: `gontc manages network devices from multiple vendors behind one
command set. Devices come from an inventory file (gontc.yaml); each
entry names its device type, host and credentials.

Supported device types:
  ` + fmt.Sprint(devices.SupportedTypes()),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file (default ./gontc.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newShowCmd(),
		newConfigCmd(),
		newFactsCmd(),
		newSaveCmd(),
		newBackupCmd(),
		newCopyCmd(),
		newBootCmd(),
		newRebootCmd(),
		newListCmd(),
	)
	return root
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// withDevice loads the inventory, opens the named device, runs fn and
// closes the session.
func withDevice(name string, fn func(context.Context, devices.Device) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	inv, err := config.Load(inventoryPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	dev, err := inv.Dial(ctx, name, devices.WithLogger(logger))
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(ctx, dev)
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <device> <command>...",
		Short: "Run show commands on a device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				opts := &devices.ShowOptions{RawText: rawOutput}
				results, err := dev.ShowList(ctx, args[1:], opts)
				if err != nil {
					return err
				}
				for _, res := range results {
					if res.Data != nil && !rawOutput {
						out, err := json.MarshalIndent(res.Data, "", "  ")
						if err != nil {
							return err
						}
						fmt.Println(string(out))
					} else {
						fmt.Println(res.Raw)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&rawOutput, "raw", false, "print raw text instead of structured output")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <device> <command>...",
		Short: "Apply configuration commands to a device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				if _, err := dev.Config(ctx, args[1:], nil); err != nil {
					return err
				}
				fmt.Printf("applied %d command(s) to %s\n", len(args)-1, args[0])
				return nil
			})
		},
	}
}

func newFactsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "facts <device>",
		Short: "Print the device facts snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				var facts *devices.Facts
				var err error
				if refresh {
					facts, err = dev.RefreshFacts(ctx)
				} else {
					facts, err = dev.Facts(ctx)
				}
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(facts, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute instead of using the cached snapshot")
	return cmd
}

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <device> [filename]",
		Short: "Persist the running configuration on the device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				filename := ""
				if len(args) > 1 {
					filename = args[1]
				}
				return dev.Save(ctx, filename)
			})
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <device> <local-file>",
		Short: "Write the running configuration to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				return dev.BackupRunningConfig(ctx, args[1])
			})
		},
	}
}

func newCopyCmd() *cobra.Command {
	var fileSystem string
	cmd := &cobra.Command{
		Use:   "copy <device> <local-file> [remote-name]",
		Short: "Copy a local file to the device",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				dest := ""
				if len(args) > 2 {
					dest = args[2]
				}
				opts := &devices.FileCopyOptions{FileSystem: fileSystem}
				if ok, _ := dev.FileCopyRemoteExists(ctx, args[1], dest, opts); ok {
					fmt.Println("remote file already matches; nothing to do")
					return nil
				}
				return dev.FileCopy(ctx, args[1], dest, opts)
			})
		},
	}
	cmd.Flags().StringVar(&fileSystem, "filesystem", "", "remote file system (vendor default when empty)")
	return cmd
}

func newBootCmd() *cobra.Command {
	var image, kickstart string
	cmd := &cobra.Command{
		Use:   "boot <device>",
		Short: "Show or set the device's boot image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				if image != "" {
					opts := &devices.SetBootOptions{Kickstart: kickstart}
					if err := dev.SetBootOptions(ctx, image, opts); err != nil {
						return err
					}
				}
				boot, err := dev.BootOptions(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(boot, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&image, "set", "", "image to boot next")
	cmd.Flags().StringVar(&kickstart, "kickstart", "", "kickstart image (NX-OS)")
	return cmd
}

func newRebootCmd() *cobra.Command {
	var timer, timeout time.Duration
	var volume string
	cmd := &cobra.Command{
		Use:   "reboot <device>",
		Short: "Reboot a device now or on a timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev devices.Device) error {
				return dev.Reboot(ctx, &devices.RebootOptions{
					Timer:   timer,
					Timeout: timeout,
					Volume:  volume,
				})
			})
		},
	}
	cmd.Flags().DurationVar(&timer, "in", 0, "schedule the reboot instead of running it now")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound the wait for an immediate reboot")
	cmd.Flags().StringVar(&volume, "volume", "", "boot volume to activate (F5)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the devices in the inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := config.Load(inventoryPath)
			if err != nil {
				return err
			}
			for _, name := range inv.Names() {
				entry, _ := inv.Get(name)
				fmt.Printf("%-20s %-24s %s\n", name, entry.DeviceType, entry.Host)
			}
			return nil
		},
	}
}
