package remote

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = 22

// SSHDialer opens SSH sessions using password authentication and, when
// KeyPath is set, the private key stored there.
type SSHDialer struct {
	// KeyPath is an optional private key file.
	KeyPath string
	// Timeout bounds the TCP connect and SSH handshake.
	Timeout time.Duration
}

// getSSHAuth loads the signer stored at path.
func getSSHAuth(path string) (ssh.Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing private key %s", path)
	}
	return signer, nil
}

// Dial connects to target and returns an Executor bound to that connection.
func (d *SSHDialer) Dial(ctx context.Context, target Target) (Executor, error) {
	if target.Host == "" {
		return nil, errors.NotValidf("empty ssh host")
	}
	port := target.Port
	if port == 0 {
		port = defaultSSHPort
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if d.KeyPath != "" {
		signer, err := getSSHAuth(d.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	}

	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: auth,
		// Freshly created instances have host keys we have never seen.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Annotatef(err, "ssh handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshExecutor{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshExecutor struct {
	client *ssh.Client
}

// Run executes command in a new session.
func (e *sshExecutor) Run(ctx context.Context, command string, opts ...RunOption) (*Result, error) {
	o := ApplyOptions(opts...)

	session, err := e.client.NewSession()
	if err != nil {
		return nil, errors.Annotate(err, "opening ssh session")
	}
	defer session.Close()

	if o.PTY {
		if err := session.RequestPty("xterm", 40, 80, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
			return nil, errors.Annotate(err, "requesting pty")
		}
	}
	if o.Sudo {
		command = "sudo " + command
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Annotatef(err, "running %q", command)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

func (e *sshExecutor) Close() error {
	return e.client.Close()
}
