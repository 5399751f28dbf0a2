package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// defaultDialTimeout bounds the TCP and SSH handshake phases of a connection
// when no timeout is configured.
const defaultDialTimeout = 30 * time.Second

// keepaliveInterval is how often an idle SSH connection is probed.
const keepaliveInterval = 30 * time.Second

// Shell wraps an SSH session with a PTY attached, exposing the three
// standard streams for relaying.
type Shell struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
	client  *ssh.Client
	session *ssh.Session
}

// Resize changes the PTY dimensions.
func (s *Shell) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

// Close tears down the shell session and the SSH connection underneath it.
func (s *Shell) Close() error {
	s.session.Close()
	return s.client.Close()
}

// Wait blocks until the remote shell exits.
func (s *Shell) Wait() error {
	return s.session.Wait()
}

// Keepalive sends periodic probes on the SSH connection until ctx is done.
// A failed probe closes the connection, which unblocks the stream pumps.
func (s *Shell) Keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// DialShell connects to an SSH endpoint with the given credentials and
// starts an interactive bash shell on a PTY. The dial respects both the
// handshake timeout and ctx cancellation; a non-positive timeout falls back
// to the default.
func DialShell(ctx context.Context, creds *Credentials, timeout time.Duration) (*Shell, error) {
	config, err := clientConfig(creds, timeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, config)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ssh dial cancelled: %w", ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", addr, dialErr)
		}
	}

	shell, err := startShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return shell, nil
}

func clientConfig(creds *Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth, err := authMethod(creds)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

func authMethod(creds *Credentials) (ssh.AuthMethod, error) {
	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(creds.Password), nil
}

func startShell(client *ssh.Client) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		client:  client,
		session: session,
	}, nil
}
