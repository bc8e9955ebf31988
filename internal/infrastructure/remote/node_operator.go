package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/pkg/sftp"
)

type NodeOperatorConfig struct {
	User           string
	Port           int
	Password       string
	PrivateKey     string
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	Logger         *logger.Logger
}

// NodeOperatorConfigFrom reads the private key file named in cfg, if any.
func NodeOperatorConfigFrom(cfg config.RemoteConfig, log *logger.Logger) (NodeOperatorConfig, error) {
	out := NodeOperatorConfig{
		User:           cfg.User,
		Port:           cfg.Port,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRetries:     cfg.MaxRetries,
		Logger:         log,
	}
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return out, fmt.Errorf("read private key: %w", err)
		}
		out.PrivateKey = string(key)
	}
	return out, nil
}

// NodeOperator reaches database nodes over SSH. Every call opens its own
// connection so concurrent subtasks never share a session.
type NodeOperator struct {
	cfg NodeOperatorConfig
	log *logger.Logger
}

var _ ports.NodeOperator = (*NodeOperator)(nil)

func NewNodeOperator(cfg NodeOperatorConfig) *NodeOperator {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &NodeOperator{cfg: cfg, log: log.Named("remote")}
}

func (o *NodeOperator) client(node ports.NodeTarget, retries int) *SSHClient {
	node = node.WithDefaults(o.cfg.User, o.cfg.Port)
	if retries == 0 {
		retries = o.cfg.MaxRetries
	}
	return NewSSHClient(SSHConfig{
		Host:         node.Host,
		Port:         node.Port,
		User:         node.User,
		Password:     o.cfg.Password,
		PrivateKey:   o.cfg.PrivateKey,
		Timeout:      o.cfg.ConnectTimeout,
		MaxRetries:   retries,
		RetryBackoff: o.cfg.RetryBackoff,
	})
}

func (o *NodeOperator) Run(ctx context.Context, node ports.NodeTarget, cmd string) (string, error) {
	c := o.client(node, 0)
	start := time.Now()
	out, err := c.RunCommand(ctx, cmd)
	if err != nil {
		o.log.Warnw("remote_command_failed", "addr", c.Addr(), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return out, err
	}
	o.log.Debugw("remote_command_ok", "addr", c.Addr(), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Upload writes content to remotePath over SFTP, creating parent directories.
func (o *NodeOperator) Upload(ctx context.Context, node ports.NodeTarget, remotePath string, content []byte, mode os.FileMode) error {
	c := o.client(node, 0)
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	written, err := remoteFile.Write(content)
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	if written != len(content) {
		return fmt.Errorf("upload incomplete: expected %d bytes, got %d", len(content), written)
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remotePath, err)
	}

	o.log.Infow("remote_upload_ok", "addr", c.Addr(), "path", remotePath, "bytes", written)
	return nil
}

// Ping succeeds once an SSH handshake with the node completes. It makes a single
// attempt; callers poll.
func (o *NodeOperator) Ping(ctx context.Context, node ports.NodeTarget) error {
	conn, err := o.client(node, 1).Connect(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}
