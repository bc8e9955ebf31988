package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHCommandFailed  = errors.New("ssh: command execution failed")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	Timeout    time.Duration
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between connection attempts.
	RetryBackoff time.Duration
}

type SSHClient struct {
	config SSHConfig
}

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 3 * time.Second
	}
	return &SSHClient{config: cfg}
}

func (c *SSHClient) Addr() string {
	return net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
}

func (c *SSHClient) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		methods = append(methods, ssh.Password(c.config.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}
	return methods, nil
}

// Connect dials the node, retrying with a linear backoff until MaxRetries
// attempts were made or ctx is done.
func (c *SSHClient) Connect(ctx context.Context) (*ssh.Client, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
	}

	addr := c.Addr()
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		client, err := c.dial(ctx, addr, sshConfig)
		if err == nil {
			return client, nil
		}
		lastErr = err

		// Retrying cannot fix rejected credentials.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %v", ErrSSHAuthentication, addr, err)
		}
		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrSSHConnection, addr, ctx.Err())
		case <-time.After(time.Duration(attempt) * c.config.RetryBackoff):
		}
	}

	kind := "connection failed"
	if lastErr != nil && (strings.Contains(lastErr.Error(), "timeout") || strings.Contains(lastErr.Error(), "deadline")) {
		kind = "connection timed out"
	}
	return nil, fmt.Errorf("%w: %s: %s: %v (after %d attempts)", ErrSSHConnection, addr, kind, lastErr, c.config.MaxRetries)
}

func (c *SSHClient) dial(ctx context.Context, addr string, sshConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.config.Timeout, KeepAlive: 60 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake gets the same deadline as the dial; the session itself has none.
	_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// Execute runs cmd in a new session on client. On failure the returned output
// holds whatever the command printed.
func (c *SSHClient) Execute(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: failed to create session", ErrSSHConnection)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%w: command cancelled", ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		if ctx.Err() != nil {
			return stdout.String(), fmt.Errorf("%w: command timed out", ctx.Err())
		}

		var combined string
		if out := stdout.String(); out != "" {
			combined = fmt.Sprintf("Stdout:\n%s\n", out)
		}
		if errOut := stderr.String(); errOut != "" {
			combined += fmt.Sprintf("Stderr:\n%s\n", errOut)
		}

		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return combined, fmt.Errorf("%w: %s", ErrSSHCommandFailed, msg)
	}
}

// RunCommand opens a connection, runs cmd and closes the connection again.
func (c *SSHClient) RunCommand(ctx context.Context, cmd string) (string, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return c.Execute(ctx, client, cmd)
}
