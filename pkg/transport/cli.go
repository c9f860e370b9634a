// Package transport provides the session objects drivers speak through:
// an interactive CLI over SSH, JSON transports for eAPI and NX-API, a
// NETCONF session, and the F5 iControl REST client. Each transport
// offers "send, get reply" primitives; error interpretation belongs to
// the drivers.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// CLIConn is an interactive command-line session with a network device.
// It tracks the session mode (user, enable, config); at most one mode is
// active at a time and config mode requires enable mode first.
type CLIConn interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// FindPrompt probes the session by resolving the current prompt.
	// Used as the liveness check before reusing a session.
	FindPrompt(ctx context.Context) (string, error)

	// SendCommand sends a command and waits for a known prompt. An
	// empty expectString waits for the device's base prompt.
	SendCommand(ctx context.Context, command, expectString string) (string, error)
	// SendCommandTiming sends a command and collects output until the
	// device goes quiet, for commands with variable or interactive
	// prompts.
	SendCommandTiming(ctx context.Context, command string) (string, error)
	// SendConfig sends one configuration line. The session must
	// already be in config mode.
	SendConfig(ctx context.Context, command string) (string, error)

	EnterEnableMode(ctx context.Context, secret string) error
	InEnableMode() bool
	EnterConfigMode(ctx context.Context) error
	ExitConfigMode(ctx context.Context) error
	InConfigMode() bool
}

// SSHConfig carries the connection parameters for an SSH CLI session.
type SSHConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// ReadTimeout bounds a single prompt wait.
	ReadTimeout time.Duration
	// TimingDelay is the quiet period that ends a timing-mode read.
	TimingDelay time.Duration
	KexAlgorithms []string
	Ciphers       []string
}

// DefaultSSHConfig returns the defaults used when fields are unset.
func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		Port:           22,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    30 * time.Second,
		TimingDelay:    2 * time.Second,
	}
}

type sessionMode int

const (
	modeUser sessionMode = iota
	modeEnable
	modeConfig
)

// promptRe matches a device CLI prompt at the end of output. Config
// prompts like "host(config)#" match before the plain enable prompt.
var (
	promptRe       = regexp.MustCompile(`(?m)[\r\n]?([\w.@/-]+(?:\([\w-]+\))?[>#])\s*$`)
	configPromptRe = regexp.MustCompile(`\([\w-]+\)#\s*$`)
	enablePromptRe = regexp.MustCompile(`#\s*$`)
	passwordRe     = regexp.MustCompile(`(?i)password[: ]*$`)
)

// SSHConn implements CLIConn over an interactive SSH shell with a PTY.
type SSHConn struct {
	cfg    SSHConfig
	logger *zap.Logger

	mu        sync.Mutex
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	out       chan []byte
	readErr   chan error
	done      chan struct{}
	residual  []byte
	connected bool
	mode      sessionMode
	prompt    string
	sessionID string
}

// NewSSHConn creates an unconnected SSH CLI session.
func NewSSHConn(cfg SSHConfig, logger *zap.Logger) *SSHConn {
	def := DefaultSSHConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.TimingDelay == 0 {
		cfg.TimingDelay = def.TimingDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHConn{cfg: cfg, logger: logger}
}

// Connect establishes the SSH session, requests a PTY shell and reads
// the login banner up to the first prompt.
func (c *SSHConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.ConnectTimeout,
	}
	if len(c.cfg.KexAlgorithms) > 0 {
		sshConfig.KeyExchanges = c.cfg.KexAlgorithms
	}
	if len(c.cfg.Ciphers) > 0 {
		sshConfig.Ciphers = c.cfg.Ciphers
	}

	address := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to establish SSH connection to %s: %w", address, err)
	}
	client := ssh.NewClient(sc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 80, 512, modes); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("failed to request PTY: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("failed to get stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("failed to start shell: %w", err)
	}

	c.client = client
	c.session = session
	c.stdin = stdin
	c.out = make(chan []byte, 64)
	c.readErr = make(chan error, 1)
	c.done = make(chan struct{})
	c.sessionID = uuid.NewString()

	go pump(stdout, c.out, c.readErr, c.done)

	// Consume the banner and learn the base prompt.
	banner, err := c.readUntil(ctx, promptRe, c.cfg.ReadTimeout)
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("no prompt after login: %w", err)
	}
	c.prompt = lastPrompt(banner)
	c.connected = true
	c.mode = modeUser
	if enablePromptRe.MatchString(c.prompt) {
		c.mode = modeEnable
	}

	c.logger.Info("CLI session established",
		zap.String("host", c.cfg.Host),
		zap.String("session_id", c.sessionID),
	)
	return nil
}

// pump forwards shell output to the read channel until EOF or until
// done closes. Selecting on done keeps a blocked reader from outliving
// the session it belongs to.
func pump(stdout io.Reader, out chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			return
		}
	}
}

// Disconnect closes the shell and the SSH connection.
func (c *SSHConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

func (c *SSHConn) teardownLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
	c.mode = modeUser
	c.residual = nil
}

// FindPrompt sends a bare newline and returns the prompt that comes
// back.
func (c *SSHConn) FindPrompt(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("session not connected")
	}
	if err := c.writeLine(""); err != nil {
		return "", err
	}
	raw, err := c.readUntil(ctx, promptRe, c.cfg.ReadTimeout)
	if err != nil {
		return "", err
	}
	c.prompt = lastPrompt(raw)
	c.syncMode()
	return c.prompt, nil
}

// SendCommand sends command and waits for expectString (a regular
// expression) or, when empty, the base prompt.
func (c *SSHConn) SendCommand(ctx context.Context, command, expectString string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("session not connected")
	}

	expect := promptRe
	if expectString != "" {
		var err error
		expect, err = regexp.Compile(expectString)
		if err != nil {
			return "", fmt.Errorf("invalid expect pattern %q: %w", expectString, err)
		}
	}

	if err := c.writeLine(command); err != nil {
		return "", err
	}
	raw, err := c.readUntil(ctx, expect, c.cfg.ReadTimeout)
	if err != nil {
		return "", fmt.Errorf("command %q: %w", command, err)
	}
	if expectString == "" {
		c.prompt = lastPrompt(raw)
		c.syncMode()
	}
	return scrubOutput(raw, command), nil
}

// SendCommandTiming sends command and collects output until the device
// stays quiet for the configured delay.
func (c *SSHConn) SendCommandTiming(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("session not connected")
	}
	if err := c.writeLine(command); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.Write(c.residual)
	c.residual = nil
	quiet := time.NewTimer(c.cfg.TimingDelay)
	defer quiet.Stop()
	for {
		select {
		case chunk := <-c.out:
			sb.Write(chunk)
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(c.cfg.TimingDelay)
		case err := <-c.readErr:
			if sb.Len() > 0 {
				return scrubOutput(sb.String(), command), nil
			}
			return "", err
		case <-quiet.C:
			return scrubOutput(sb.String(), command), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// SendConfig sends a single configuration line, waiting for the config
// prompt to return.
func (c *SSHConn) SendConfig(ctx context.Context, command string) (string, error) {
	if !c.InConfigMode() {
		return "", fmt.Errorf("session is not in config mode")
	}
	return c.SendCommand(ctx, command, "")
}

// EnterEnableMode escalates to privileged mode, answering the password
// prompt with secret when asked.
func (c *SSHConn) EnterEnableMode(ctx context.Context, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("session not connected")
	}
	if c.mode >= modeEnable {
		return nil
	}
	if err := c.writeLine("enable"); err != nil {
		return err
	}
	raw, err := c.readUntil(ctx, regexp.MustCompile(passwordRe.String()+"|"+promptRe.String()), c.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if passwordRe.MatchString(strings.TrimRight(raw, " ")) {
		if err := c.writeLine(secret); err != nil {
			return err
		}
		raw, err = c.readUntil(ctx, promptRe, c.cfg.ReadTimeout)
		if err != nil {
			return fmt.Errorf("enable: %w", err)
		}
	}
	c.prompt = lastPrompt(raw)
	if !enablePromptRe.MatchString(c.prompt) {
		return fmt.Errorf("enable failed: prompt is %q", c.prompt)
	}
	c.mode = modeEnable
	return nil
}

// InEnableMode reports whether the session is privileged (or deeper).
func (c *SSHConn) InEnableMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode >= modeEnable
}

// EnterConfigMode moves the session into configuration mode. The
// session must already be privileged.
func (c *SSHConn) EnterConfigMode(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == modeConfig {
		return nil
	}
	if c.mode != modeEnable {
		return fmt.Errorf("config mode requires enable mode")
	}
	if err := c.writeLine("configure terminal"); err != nil {
		return err
	}
	raw, err := c.readUntil(ctx, promptRe, c.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("configure terminal: %w", err)
	}
	c.prompt = lastPrompt(raw)
	if !configPromptRe.MatchString(c.prompt) {
		return fmt.Errorf("config mode entry failed: prompt is %q", c.prompt)
	}
	c.mode = modeConfig
	return nil
}

// ExitConfigMode returns the session to enable mode. Safe to call when
// already out.
func (c *SSHConn) ExitConfigMode(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != modeConfig {
		return nil
	}
	if err := c.writeLine("end"); err != nil {
		return err
	}
	raw, err := c.readUntil(ctx, promptRe, c.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("exit config mode: %w", err)
	}
	c.prompt = lastPrompt(raw)
	c.mode = modeEnable
	return nil
}

// InConfigMode reports whether the session is in configuration mode.
func (c *SSHConn) InConfigMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode == modeConfig
}

func (c *SSHConn) writeLine(s string) error {
	_, err := fmt.Fprintf(c.stdin, "%s\n", s)
	if err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}
	return nil
}

// readUntil accumulates output until pattern matches, the timeout
// fires, or the context ends. Bytes past the final match stay in
// c.residual for the next read.
func (c *SSHConn) readUntil(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	var sb strings.Builder
	sb.Write(c.residual)
	c.residual = nil

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s := sb.String()
		if locs := pattern.FindAllStringIndex(s, -1); locs != nil {
			end := locs[len(locs)-1][1]
			c.residual = []byte(s[end:])
			return s[:end], nil
		}
		select {
		case chunk := <-c.out:
			sb.Write(chunk)
		case err := <-c.readErr:
			return sb.String(), fmt.Errorf("session read failed: %w", err)
		case <-deadline.C:
			return sb.String(), fmt.Errorf("timed out waiting for %q", pattern.String())
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		}
	}
}

func (c *SSHConn) syncMode() {
	switch {
	case configPromptRe.MatchString(c.prompt):
		c.mode = modeConfig
	case enablePromptRe.MatchString(c.prompt):
		if c.mode < modeEnable {
			c.mode = modeEnable
		} else if c.mode == modeConfig {
			c.mode = modeEnable
		}
	default:
		c.mode = modeUser
	}
}

// lastPrompt extracts the trailing prompt line from raw output.
func lastPrompt(raw string) string {
	m := promptRe.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}

// scrubOutput removes the echoed command and the trailing prompt so the
// caller sees only the device's response.
func scrubOutput(raw, command string) string {
	out := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(out, "\n")
	start := 0
	if len(lines) > 0 && strings.Contains(lines[0], strings.TrimSpace(command)) {
		start = 1
	}
	end := len(lines)
	for end > start && (strings.TrimSpace(lines[end-1]) == "" || promptRe.MatchString(lines[end-1])) {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
