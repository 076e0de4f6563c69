// Package sshserver is a small embedded SSH server that hands out shells,
// for hosts that have no sshd to serve tubes with.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	gossh "golang.org/x/crypto/ssh"
)

type Server struct {
	srv    *ssh.Server
	addr   string
	logger *slog.Logger
}

type Config struct {
	Host               string
	Port               int
	HostKeyPath        string
	AuthorizedKeysPath string
	Shell              string
	IdleTimeout        time.Duration
	MaxTimeout         time.Duration
	AgentForwarding    bool
	// SessionHandler replaces the shell handler.
	SessionHandler ssh.Handler
	Middleware     []wish.Middleware
	Logger         *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            2222,
		IdleTimeout:     30 * time.Minute,
		MaxTimeout:      2 * time.Hour,
		AgentForwarding: true,
	}
}

func (c Config) Validate() error {
	if net.ParseIP(c.Host) == nil {
		return fmt.Errorf("invalid host IP: %s", c.Host)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	addr := net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is not available: %w", c.Port, err)
	}
	ln.Close()

	if c.AuthorizedKeysPath != "" {
		if _, err := os.Stat(c.AuthorizedKeysPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("authorized keys file not found: %s", c.AuthorizedKeysPath)
		}
	}

	if c.IdleTimeout < 0 {
		return errors.New("idle-timeout must be positive")
	}

	if c.MaxTimeout < 0 {
		return errors.New("max-timeout must be positive")
	}

	if c.MaxTimeout > 0 && c.IdleTimeout > 0 && c.IdleTimeout > c.MaxTimeout {
		return errors.New("idle-timeout cannot exceed max-timeout")
	}

	return nil
}

func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 2222
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	opts := []ssh.Option{
		wish.WithAddress(addr),
		wish.WithIdleTimeout(cfg.IdleTimeout),
		wish.WithMaxTimeout(cfg.MaxTimeout),
	}

	if cfg.HostKeyPath != "" {
		opts = append(opts, wish.WithHostKeyPath(cfg.HostKeyPath))
	}
	if cfg.AuthorizedKeysPath != "" {
		opts = append(opts, wish.WithAuthorizedKeys(cfg.AuthorizedKeysPath))
	}

	handler := cfg.SessionHandler
	if handler == nil {
		handler = ShellHandler(cfg.Shell, logger)
	}

	// The handler is the innermost middleware so that logging wraps it.
	middleware := []wish.Middleware{func(next ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			handler(s)
			next(s)
		}
	}}
	middleware = append(middleware, cfg.Middleware...)
	middleware = append(middleware, logging.Middleware())
	opts = append(opts, wish.WithMiddleware(middleware...))

	srv, err := wish.NewServer(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.AgentForwarding {
		srv.RequestHandlers = map[string]ssh.RequestHandler{
			"auth-agent-req@openssh.com": func(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
				ssh.SetAgentRequested(ctx)
				return true, nil
			},
		}
	}

	return &Server{
		srv:    srv,
		addr:   addr,
		logger: logger,
	}, nil
}

func (s *Server) Start() error {
	s.logger.Info("starting ssh server", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Serve accepts connections on ln instead of the configured address.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting ssh server", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ssh server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.addr
}
