package devices

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ntc-tools/gontc/pkg/transport"
)

// cliDriver holds the machinery shared by the SSH CLI drivers: session
// ownership, the command execution engine and its failure detection.
//
// CLI transports report command failure in-band, as text. The markers
// below are the detection heuristic; output that legitimately contains
// a marker is reported as a failure, which callers route around with
// raw mode.
type cliDriver struct {
	cfg    Config
	log    *zap.Logger
	conn   transport.CLIConn
	open   bool
	dtype  string
	// markers are matched against the start of each response line.
	markers []string
}

// checkResponse scans a response for the driver's error markers.
func (d *cliDriver) checkResponse(response string) bool {
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, m := range d.markers {
			if strings.HasPrefix(trimmed, m) {
				return true
			}
		}
	}
	return false
}

// sendCommands runs commands in order through send, stopping at the
// first failure. On failure the returned error is a
// *CommandSequenceError whose Attempted list covers every command sent,
// the failing one included; responses holds the successful prefix.
func (d *cliDriver) sendCommands(ctx context.Context, commands []string, send func(context.Context, string) (string, error)) ([]string, error) {
	responses := make([]string, 0, len(commands))
	attempted := make([]string, 0, len(commands))
	for _, cmd := range commands {
		attempted = append(attempted, cmd)
		resp, err := send(ctx, cmd)
		if err != nil {
			return responses, &CommandSequenceError{
				Attempted: attempted,
				Command:   cmd,
				Response:  err.Error(),
			}
		}
		if d.checkResponse(resp) {
			return responses, &CommandSequenceError{
				Attempted: attempted,
				Command:   cmd,
				Response:  resp,
			}
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// openCLI establishes or reuses the CLI session. A live session is
// probed first; a failed probe tears it down and reconnects.
func (d *cliDriver) openCLI(ctx context.Context) error {
	if d.open {
		if _, err := d.conn.FindPrompt(ctx); err == nil {
			return nil
		}
		d.conn.Disconnect()
		d.open = false
	}
	if err := d.conn.Connect(ctx); err != nil {
		return &ConnectionError{Host: d.cfg.Host, Err: err}
	}
	if !d.conn.InEnableMode() {
		if err := d.conn.EnterEnableMode(ctx, d.cfg.Secret); err != nil {
			d.conn.Disconnect()
			return &ConnectionError{Host: d.cfg.Host, Err: err}
		}
	}
	d.open = true
	return nil
}

func (d *cliDriver) closeCLI() error {
	if !d.open {
		return nil
	}
	err := d.conn.Disconnect()
	d.open = false
	return err
}

// configSession enters config mode per opts, runs body, and always
// attempts the exit on the way out. An exit failure surfaces only when
// body itself succeeded.
func (d *cliDriver) configSession(ctx context.Context, opts *ConfigOptions, body func(context.Context) error) error {
	if opts == nil {
		opts = &ConfigOptions{}
	}
	if !opts.NoEnterConfigMode {
		if err := d.conn.EnterConfigMode(ctx); err != nil {
			return &ConnectionError{Host: d.cfg.Host, Err: err}
		}
	}
	bodyErr := body(ctx)
	if !opts.NoExitConfigMode {
		if exitErr := d.conn.ExitConfigMode(ctx); exitErr != nil && bodyErr == nil {
			bodyErr = exitErr
		}
	}
	return bodyErr
}
