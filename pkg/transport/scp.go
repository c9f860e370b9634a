package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"golang.org/x/crypto/ssh"
)

// SCPUpload pushes a local file to the device over a dedicated SSH
// connection using the SCP sink protocol. File transfers never share
// the interactive CLI session; a stuck transfer must not poison it.
func SCPUpload(ctx context.Context, cfg SSHConfig, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if sshConfig.Timeout == 0 {
		sshConfig.Timeout = 30 * time.Second
	}

	address := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: sshConfig.Timeout}
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
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout: %w", err)
	}

	if err := session.Start(fmt.Sprintf("scp -t %s", remotePath)); err != nil {
		return fmt.Errorf("failed to start scp sink: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := scpAck(stdout); err != nil {
			done <- err
			return
		}
		if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", st.Size(), path.Base(remotePath)); err != nil {
			done <- err
			return
		}
		if err := scpAck(stdout); err != nil {
			done <- err
			return
		}
		if _, err := io.Copy(stdin, f); err != nil {
			done <- err
			return
		}
		if _, err := stdin.Write([]byte{0}); err != nil {
			done <- err
			return
		}
		done <- scpAck(stdout)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scp transfer failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return session.Wait()
}

// scpAck reads one SCP status byte; 1 and 2 carry an error message.
func scpAck(r io.Reader) error {
	code := make([]byte, 1)
	if _, err := io.ReadFull(r, code); err != nil {
		return err
	}
	if code[0] == 0 {
		return nil
	}
	msg := make([]byte, 1024)
	n, _ := r.Read(msg)
	return fmt.Errorf("scp error: %s", string(msg[:n]))
}
