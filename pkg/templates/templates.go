// Package templates turns raw CLI output into structured records using
// TextFSM templates. Templates are embedded in the binary and selected
// by platform and command, the same naming scheme the template library
// ecosystem uses: <platform>_<command_with_underscores>.textfsm.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/netxops/gotextfsm"
)

//go:embed templates/*.textfsm
var templateFS embed.FS

// ErrNoTemplate reports that no template exists for the platform and
// command. Callers fall back to raw output.
var ErrNoTemplate = errors.New("no template for command")

// platformAliases maps device-type identifiers to template platform
// prefixes. The transport suffix carries no meaning for parsing.
var platformAliases = map[string]string{
	"cisco_ios_ssh":         "cisco_ios",
	"cisco_asa_ssh":         "cisco_asa",
	"arista_eos_eapi":       "arista_eos",
	"cisco_nxos_nxapi":      "cisco_nxos",
	"juniper_junos_netconf": "juniper_junos",
	"f5_tmos_icontrol":      "f5_tmos",
}

// Parse runs raw command output through the template for deviceType and
// command. Records come back as one map per row, keyed by template
// value names. Returns ErrNoTemplate when the command has no template.
func Parse(deviceType, command string, raw string) ([]map[string]interface{}, error) {
	platform, ok := platformAliases[deviceType]
	if !ok {
		platform = deviceType
	}
	name := fmt.Sprintf("templates/%s_%s.textfsm", platform, normalizeCommand(command))
	src, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrNoTemplate, deviceType, command)
	}

	fsm := gotextfsm.TextFSM{}
	if err := fsm.ParseString(string(src)); err != nil {
		return nil, fmt.Errorf("template %s is invalid: %w", name, err)
	}
	parser := gotextfsm.ParserOutput{}
	if err := parser.ParseTextString(raw, fsm, true); err != nil {
		return nil, fmt.Errorf("failed to parse %q output: %w", command, err)
	}
	return parser.Dict, nil
}

// HasTemplate reports whether a template exists for the platform and
// command.
func HasTemplate(deviceType, command string) bool {
	platform, ok := platformAliases[deviceType]
	if !ok {
		platform = deviceType
	}
	name := fmt.Sprintf("templates/%s_%s.textfsm", platform, normalizeCommand(command))
	_, err := templateFS.ReadFile(name)
	return err == nil
}

func normalizeCommand(command string) string {
	return strings.ReplaceAll(strings.TrimSpace(command), " ", "_")
}
