package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iosVersionOutput = `Cisco IOS Software, C3560 Software (C3560-ADVIPSERVICESK9-M), Version 12.2(44)SE, RELEASE SOFTWARE (fc1)
Technical Support: http://www.cisco.com/techsupport

rtr01 uptime is 4 days, 12 hours, 17 minutes
System returned to ROM by power-on

Processor board ID CAT1040X0V2
cisco WS-C3560-8PC (PowerPC405) processor (revision D0) with 118784K/12280K bytes of memory.

Configuration register is 0xF
`

const iosIntBriefOutput = `Interface                  IP-Address      OK? Method Status                Protocol
Vlan1                      10.1.1.1        YES NVRAM  up                    up
FastEthernet0/1            unassigned      YES unset  down                  down
`

const iosRunningConfig = `hostname rtr01
ip domain-name ntc.example.com
interface Vlan1
 ip address 10.1.1.1 255.255.255.0
`

func newTestIOS(t *testing.T) (*IOSDevice, *fakeCLIConn) {
	t.Helper()
	conn := newFakeCLIConn()
	dev, err := New(TypeIOS, Config{Host: "rtr01", Username: "admin", Password: "pw"}, WithCLIConn(conn))
	require.NoError(t, err)
	ios, ok := dev.(*IOSDevice)
	require.True(t, ok)
	require.NoError(t, ios.Open(context.Background()))
	return ios, conn
}

func TestIOSShowParsesTemplate(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show version"] = iosVersionOutput

	res, err := ios.Show(context.Background(), "show version", nil)
	require.NoError(t, err)
	assert.Equal(t, iosVersionOutput, res.Raw)
	records, ok := res.Data.([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, "12.2(44)SE", records[0]["VERSION"])
}

func TestIOSShowRawTextSkipsParsing(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show version"] = iosVersionOutput

	res, err := ios.Show(context.Background(), "show version", &ShowOptions{RawText: true})
	require.NoError(t, err)
	assert.Nil(t, res.Data)
	assert.Equal(t, iosVersionOutput, res.Raw)
}

func TestIOSShowCommandError(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show bogus"] = "% Invalid input detected at '^' marker."

	_, err := ios.Show(context.Background(), "show bogus", nil)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "show bogus", cmdErr.Command)
}

func TestIOSShowListStopsAtFirstFailure(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show clock"] = "12:00:00 UTC"
	conn.responses["show bogus"] = "% Invalid input detected at '^' marker."
	conn.responses["show version"] = iosVersionOutput

	_, err := ios.ShowList(context.Background(), []string{"show clock", "show bogus", "show version"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, []string{"show clock", "show bogus"}, seqErr.Attempted)
	assert.Equal(t, "show bogus", seqErr.Command)
	// Nothing after the failing command ever reached the device.
	assert.Equal(t, 0, conn.sendsOf("show version"))
}

func TestIOSConfigExitsConfigModeOnFailure(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["bad command"] = "% Invalid input"

	_, err := ios.Config(context.Background(), []string{"interface Vlan1", "bad command", "no shutdown"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, []string{"interface Vlan1", "bad command"}, seqErr.Attempted)
	assert.Equal(t, 1, conn.enters)
	assert.Equal(t, 1, conn.exits)
	assert.False(t, conn.InConfigMode())
	assert.Equal(t, 0, conn.sendsOf("no shutdown"))
}

func TestIOSConfigSkipsExitWhenOptedOut(t *testing.T) {
	ios, conn := newTestIOS(t)

	_, err := ios.Config(context.Background(), []string{"hostname rtr02"}, &ConfigOptions{NoExitConfigMode: true})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.enters)
	assert.Equal(t, 0, conn.exits)
	assert.True(t, conn.InConfigMode())
}

func TestIOSFactsCachedUntilRefresh(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show version"] = iosVersionOutput
	conn.responses["show ip interface brief"] = iosIntBriefOutput
	conn.responses["show running-config"] = iosRunningConfig

	facts, err := ios.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cisco", facts.Vendor)
	assert.Equal(t, "rtr01", facts.Hostname)
	assert.Equal(t, "rtr01.ntc.example.com", facts.FQDN)
	assert.Equal(t, 389820, facts.Uptime)
	assert.Equal(t, "04:12:17:00", facts.UptimeString)
	assert.Equal(t, []string{"Vlan1", "FastEthernet0/1"}, facts.Interfaces)

	// Repeated access never recomputes.
	_, err = ios.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, conn.sendsOf("show version"))

	// A config change does not invalidate the snapshot either.
	_, err = ios.Config(context.Background(), []string{"hostname rtr02"}, nil)
	require.NoError(t, err)
	_, err = ios.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, conn.sendsOf("show version"))

	// Only an explicit refresh recomputes.
	_, err = ios.RefreshFacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, conn.sendsOf("show version"))
}

func TestIOSFactsExtensionsSurviveRefresh(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show version"] = iosVersionOutput
	conn.responses["show running-config"] = iosRunningConfig

	facts, err := ios.Facts(context.Background())
	require.NoError(t, err)
	facts.Extensions["site"] = "dc1"

	refreshed, err := ios.RefreshFacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dc1", refreshed.Extensions["site"])
}

func TestIOSSaveAnswersFilenameDialog(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["copy running-config startup-config"] = "Destination filename [startup-config]?"
	conn.responses[""] = "[OK]"

	require.NoError(t, ios.Save(context.Background(), ""))
	assert.Equal(t, 1, conn.sendsOf(""))
}

func TestIOSBootOptions(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show boot"] = "BOOT path-list      : flash:/c3560-advipservicesk9-mz.122-44.SE.bin\nConfig file         : flash:/config.text"

	boot, err := ios.BootOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c3560-advipservicesk9-mz.122-44.SE.bin", boot.Sys)
}

func TestIOSSetBootOptionsVerifies(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show boot"] = "BOOT path-list      : flash:/old-image.bin"

	err := ios.SetBootOptions(context.Background(), "new-image.bin", nil)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Response, "old-image.bin")
}

func TestIOSRebootWithTimer(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["reload in 5"] = "Proceed with reload? [confirm]"

	require.NoError(t, ios.Reboot(context.Background(), &RebootOptions{Timer: 5 * time.Minute}))
	assert.Equal(t, 1, conn.sendsOf("reload in 5"))
	assert.Equal(t, 1, conn.sendsOf("y"))
	// A scheduled reload leaves the session usable.
	assert.True(t, ios.Connected())
}

func TestIOSRollbackFailure(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["configure replace flash:good force"] = "Total number of passes: 1\nRollback Done"
	conn.responses["configure replace flash:bad force"] = "The input file is not a valid config file.\nRollback aborted."

	require.NoError(t, ios.Rollback(context.Background(), "good"))
	err := ios.Rollback(context.Background(), "bad")
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "bad", rbErr.Checkpoint)

	// Marker-prefixed failures count too, not just the abort banner.
	conn.responses["configure replace flash:missing force"] = "% No such file or directory"
	err = ios.Rollback(context.Background(), "missing")
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "missing", rbErr.Checkpoint)
}

func TestIOSBackupRunningConfig(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show running-config"] = iosRunningConfig

	path := filepath.Join(t.TempDir(), "rtr01.cfg")
	require.NoError(t, ios.BackupRunningConfig(context.Background(), path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, iosRunningConfig, string(data))
}

func TestIOSFileCopyRemoteExistsChecksumFlip(t *testing.T) {
	ios, conn := newTestIOS(t)
	src := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(src, []byte("original contents"), 0o644))
	sum, err := md5File(src)
	require.NoError(t, err)
	conn.responses["verify /md5 flash:image.bin"] = "verify /md5 (flash:image.bin) = " + sum

	ok, err := ios.FileCopyRemoteExists(context.Background(), src, "image.bin", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Equivalence is judged by content, so mutating the local file
	// flips the answer even though name and remote file are unchanged.
	require.NoError(t, os.WriteFile(src, []byte("different contents"), 0o644))
	ok, err = ios.FileCopyRemoteExists(context.Background(), src, "image.bin", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIOSOpenReusesHealthySession(t *testing.T) {
	ios, conn := newTestIOS(t)
	require.NoError(t, ios.Open(context.Background()))
	assert.Equal(t, 1, conn.connects)
	assert.GreaterOrEqual(t, conn.prompts, 1)
}

func TestIOSShowListTransportError(t *testing.T) {
	ios, conn := newTestIOS(t)
	conn.responses["show clock"] = "12:00:00 UTC"
	conn.sendErr["show users"] = errors.New("connection reset")

	_, err := ios.ShowList(context.Background(), []string{"show clock", "show users", "show version"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, []string{"show clock", "show users"}, seqErr.Attempted)
	assert.Equal(t, 0, conn.sendsOf("show version"))
}
