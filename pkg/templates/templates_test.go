package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iosShowVersion = `Cisco IOS Software, C3560 Software (C3560-ADVIPSERVICESK9-M), Version 12.2(44)SE, RELEASE SOFTWARE (fc1)
Technical Support: http://www.cisco.com/techsupport
Copyright (c) 1986-2008 by Cisco Systems, Inc.

rtr01 uptime is 4 days, 12 hours, 17 minutes
System returned to ROM by power-on

Processor board ID CAT1040X0V2
cisco WS-C3560-8PC (PowerPC405) processor (revision D0) with 118784K/12280K bytes of memory.

Configuration register is 0xF
`

const iosShowIPIntBrief = `Interface                  IP-Address      OK? Method Status                Protocol
Vlan1                      10.1.1.1        YES NVRAM  up                    up
FastEthernet0/1            unassigned      YES unset  down                  down
FastEthernet0/2            unassigned      YES unset  up                    up
`

const asaShowVersion = `Cisco Adaptive Security Appliance Software Version 9.1(5)
Device Manager Version 7.1(6)

fw01 up 15 days 4 hours

Hardware:   ASA5515, 8192 MB RAM, CPU Clarkdale 3058 MHz, 1 CPU (4 cores)
Serial Number: FCH1803J92X
`

func TestParseIOSShowVersion(t *testing.T) {
	records, err := Parse("cisco_ios_ssh", "show version", iosShowVersion)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "12.2(44)SE", records[0]["VERSION"])
	assert.Equal(t, "rtr01", records[0]["HOSTNAME"])
	assert.Equal(t, "4 days, 12 hours, 17 minutes", records[0]["UPTIME"])
	assert.Equal(t, "CAT1040X0V2", records[0]["SERIAL"])
	assert.Equal(t, "WS-C3560-8PC", records[0]["HARDWARE"])
}

func TestParseIOSShowIPInterfaceBrief(t *testing.T) {
	records, err := Parse("cisco_ios_ssh", "show ip interface brief", iosShowIPIntBrief)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Vlan1", records[0]["INTERFACE"])
	assert.Equal(t, "down", records[1]["STATUS"])
	assert.Equal(t, "FastEthernet0/2", records[2]["INTERFACE"])
}

func TestParseASAShowVersion(t *testing.T) {
	records, err := Parse("cisco_asa_ssh", "show version", asaShowVersion)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "9.1(5)", records[0]["VERSION"])
	assert.Equal(t, "fw01", records[0]["HOSTNAME"])
	assert.Equal(t, "FCH1803J92X", records[0]["SERIAL"])
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse("cisco_ios_ssh", "show power inline", "whatever")
	assert.ErrorIs(t, err, ErrNoTemplate)
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate("cisco_ios_ssh", "show version"))
	assert.False(t, HasTemplate("cisco_ios_ssh", "show mac address-table"))
	assert.False(t, HasTemplate("arista_eos_eapi", "show version"))
}
