package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/masterzen/winrm"
)

// WinRMConfig configures WinRMExecutor.
type WinRMConfig struct {
	User     string
	Password string
	// Port is used when an address has no port. Default 5985.
	Port     int
	HTTPS    bool
	Insecure bool
	Timeout  time.Duration
}

// WinRMExecutor runs PowerShell commands over WinRM.
type WinRMExecutor struct {
	cfg    WinRMConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*winrm.Client
}

// NewWinRMExecutor creates a WinRMExecutor.
func NewWinRMExecutor(cfg WinRMConfig, logger *slog.Logger) (*WinRMExecutor, error) {
	if cfg.Port <= 0 {
		cfg.Port = 5985
	}
	if cfg.Port > 65535 {
		return nil, fmt.Errorf("WinRM port must be between 1 and 65535")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WinRMExecutor{
		cfg:     cfg,
		logger:  logger.With("component", "winrm"),
		clients: make(map[string]*winrm.Client),
	}, nil
}

// Dialect returns DialectPowerShell.
func (e *WinRMExecutor) Dialect() Dialect {
	return DialectPowerShell
}

// Run executes command through PowerShell on address.
func (e *WinRMExecutor) Run(ctx context.Context, address, command string) (string, error) {
	client, err := e.client(address)
	if err != nil {
		return "", err
	}
	stdout, stderr, code, err := client.RunWithContextWithString(ctx, winrm.Powershell(command), "")
	if err != nil {
		return stdout, fmt.Errorf("run WinRM command on %s: %w", address, err)
	}
	if code != 0 {
		return stdout, &ExitError{Code: code, Stderr: stderr}
	}
	return stdout, nil
}

func (e *WinRMExecutor) client(address string) (*winrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[address]; ok {
		return c, nil
	}

	host, port := address, e.cfg.Port
	if h, p, err := net.SplitHostPort(address); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid WinRM address %q: %w", address, err)
		}
		host, port = h, n
	}

	endpoint := winrm.NewEndpoint(
		host,
		port,
		e.cfg.HTTPS,
		e.cfg.Insecure,
		nil, // Cacert
		nil, // cert
		nil, // key
		e.cfg.Timeout,
	)
	client, err := winrm.NewClientWithParameters(endpoint, e.cfg.User, e.cfg.Password, winrm.DefaultParameters)
	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client for %s: %w", address, err)
	}
	e.clients[address] = client
	e.logger.Debug("winrm_client_created", "host", host, "port", port, "https", e.cfg.HTTPS)
	return client, nil
}
