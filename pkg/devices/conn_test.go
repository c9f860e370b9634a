package devices

import (
	"context"
	"fmt"
)

// fakeCLIConn scripts an interactive CLI session. Responses are keyed
// by command; unknown commands return an empty response. Every send is
// recorded so tests can assert exactly what reached the device.
type fakeCLIConn struct {
	responses map[string]string

	connected  bool
	enableMode bool
	configMode bool

	sent        []string
	connects    int
	disconnects int
	prompts     int
	enters      int
	exits       int

	connectErr error
	sendErr    map[string]error
}

func newFakeCLIConn() *fakeCLIConn {
	return &fakeCLIConn{
		responses: map[string]string{},
		sendErr:   map[string]error{},
	}
}

func (f *fakeCLIConn) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.enableMode = true
	return nil
}

func (f *fakeCLIConn) Disconnect() error {
	f.disconnects++
	f.connected = false
	f.configMode = false
	return nil
}

func (f *fakeCLIConn) FindPrompt(ctx context.Context) (string, error) {
	f.prompts++
	if !f.connected {
		return "", fmt.Errorf("not connected")
	}
	return "device#", nil
}

func (f *fakeCLIConn) respond(command string) (string, error) {
	f.sent = append(f.sent, command)
	if err, ok := f.sendErr[command]; ok {
		return "", err
	}
	return f.responses[command], nil
}

func (f *fakeCLIConn) SendCommand(ctx context.Context, command, expectString string) (string, error) {
	return f.respond(command)
}

func (f *fakeCLIConn) SendCommandTiming(ctx context.Context, command string) (string, error) {
	return f.respond(command)
}

func (f *fakeCLIConn) SendConfig(ctx context.Context, command string) (string, error) {
	if !f.configMode {
		return "", fmt.Errorf("not in config mode")
	}
	return f.respond(command)
}

func (f *fakeCLIConn) EnterEnableMode(ctx context.Context, secret string) error {
	f.enableMode = true
	return nil
}

func (f *fakeCLIConn) InEnableMode() bool { return f.enableMode }

func (f *fakeCLIConn) EnterConfigMode(ctx context.Context) error {
	f.enters++
	f.configMode = true
	return nil
}

func (f *fakeCLIConn) ExitConfigMode(ctx context.Context) error {
	f.exits++
	f.configMode = false
	return nil
}

func (f *fakeCLIConn) InConfigMode() bool { return f.configMode }

// sendsOf counts how many times a command was sent.
func (f *fakeCLIConn) sendsOf(command string) int {
	n := 0
	for _, c := range f.sent {
		if c == command {
			n++
		}
	}
	return n
}
