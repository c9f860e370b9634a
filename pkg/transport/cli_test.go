package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastPrompt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"user mode", "some banner\r\nswitch1>", "switch1>"},
		{"enable mode", "Interface status\r\nswitch1#", "switch1#"},
		{"config mode", "\r\nswitch1(config)#", "switch1(config)#"},
		{"config-if mode", "\r\nswitch1(config-if)#", "switch1(config-if)#"},
		{"no prompt", "still printing output", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lastPrompt(tt.raw))
		})
	}
}

func TestScrubOutput(t *testing.T) {
	raw := "show version\r\nCisco IOS Software, Version 15.2\r\nswitch1#"
	got := scrubOutput(raw, "show version")
	assert.Equal(t, "Cisco IOS Software, Version 15.2", got)
}

func TestScrubOutputKeepsBody(t *testing.T) {
	raw := "line one\r\nline two\r\n\r\nswitch1>"
	got := scrubOutput(raw, "some command")
	assert.Equal(t, "line one\nline two", got)
}

func TestConfigPromptDetection(t *testing.T) {
	assert.True(t, configPromptRe.MatchString("switch1(config)#"))
	assert.True(t, configPromptRe.MatchString("fw01(config-if)#"))
	assert.False(t, configPromptRe.MatchString("switch1#"))
	assert.False(t, configPromptRe.MatchString("switch1>"))
}

func TestEnablePromptDetection(t *testing.T) {
	assert.True(t, enablePromptRe.MatchString("switch1#"))
	assert.False(t, enablePromptRe.MatchString("switch1>"))
}

func TestReadUntilKeepsTailAfterPrompt(t *testing.T) {
	c := &SSHConn{cfg: DefaultSSHConfig()}
	c.out = make(chan []byte, 1)
	c.readErr = make(chan error, 1)
	// One chunk carries the prompt plus the start of the next reply.
	c.out <- []byte("uptime is 4 days\r\nswitch1# \r\nnext reply")

	raw, err := c.readUntil(context.Background(), promptRe, time.Second)
	require.NoError(t, err)
	assert.Contains(t, raw, "switch1#")
	assert.NotContains(t, raw, "next reply")
	assert.Equal(t, "\nnext reply", string(c.residual))
}

func TestPumpExitsWhenSessionTornDown(t *testing.T) {
	out := make(chan []byte) // nobody reading
	readErr := make(chan error, 1)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		pump(strings.NewReader("output nobody consumes"), out, readErr, done)
		close(exited)
	}()

	close(done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("reader goroutine survived teardown")
	}
}
