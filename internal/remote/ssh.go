package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig configures SSHExecutor.
type SSHConfig struct {
	User           string
	Password       string
	PrivateKeyPath string
	// Port is used when an address has no port. Default 22.
	Port    int
	Timeout time.Duration
}

// SSHExecutor runs commands over SSH. One client per address is kept open
// until Close.
type SSHExecutor struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor validates cfg and builds the client configuration.
func NewSSHExecutor(cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("SSH username is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	if cfg.Password != "" {
		clientCfg.Auth = append(clientCfg.Auth, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		clientCfg.Auth = append(clientCfg.Auth, ssh.PublicKeys(key))
	}
	if len(clientCfg.Auth) == 0 {
		return nil, fmt.Errorf("SSH requires either password or private key")
	}

	return &SSHExecutor{
		cfg:       cfg,
		clientCfg: clientCfg,
		logger:    logger.With("component", "ssh"),
		clients:   make(map[string]*ssh.Client),
	}, nil
}

// Dialect returns DialectPOSIX.
func (e *SSHExecutor) Dialect() Dialect {
	return DialectPOSIX
}

// Run executes command on address. A broken cached connection is dropped
// and redialed once.
func (e *SSHExecutor) Run(ctx context.Context, address, command string) (string, error) {
	out, err := e.run(ctx, address, command)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) && ctx.Err() == nil {
		e.forget(address)
		out, err = e.run(ctx, address, command)
	}
	return out, err
}

func (e *SSHExecutor) run(ctx context.Context, address, command string) (string, error) {
	client, err := e.client(ctx, address)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open SSH session to %s: %w", address, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{Code: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return stdout.String(), fmt.Errorf("run SSH command on %s: %w", address, err)
	}
	return stdout.String(), nil
}

func (e *SSHExecutor) client(ctx context.Context, address string) (*ssh.Client, error) {
	addr := withDefaultPort(address, e.cfg.Port)

	e.mu.Lock()
	if c, ok := e.clients[addr]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	dialer := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH server %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[addr]; ok {
		client.Close()
		return existing, nil
	}
	e.clients[addr] = client
	e.logger.Debug("ssh_connected", "address", addr)
	return client, nil
}

func (e *SSHExecutor) forget(address string) {
	addr := withDefaultPort(address, e.cfg.Port)
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[addr]; ok {
		c.Close()
		delete(e.clients, addr)
	}
}

// Close closes every cached connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for addr, c := range e.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(e.clients, addr)
	}
	return errors.Join(errs...)
}
