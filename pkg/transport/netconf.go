package transport

import (
	"fmt"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"golang.org/x/crypto/ssh"
)

// NetconfSession is the slice of a NETCONF session the drivers use.
// *netconf.Session satisfies it.
type NetconfSession interface {
	Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error)
	Close() error
}

// NetconfConfig carries the connection parameters for a NETCONF-over-SSH
// session.
type NetconfConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// DialNetconf opens a NETCONF session over SSH.
func DialNetconf(cfg NetconfConfig) (NetconfSession, error) {
	port := cfg.Port
	if port == 0 {
		port = 830
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	session, err := netconf.DialSSH(fmt.Sprintf("%s:%d", cfg.Host, port), sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open NETCONF session to %s: %w", cfg.Host, err)
	}
	return session, nil
}
