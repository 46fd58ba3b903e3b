package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/NASA-AMMOS/landform-https/internal/accesslog"
	"github.com/NASA-AMMOS/landform-https/internal/static"
	"github.com/NASA-AMMOS/landform-https/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

var (
	ErrInvalidPort    = errors.New("invalid port")
	ErrRootConflict   = errors.New("access database must not be inside the served directory")
	ErrAlreadyStarted = errors.New("server already started")
)

type Server struct {
	config     Config
	logger     *logrus.Logger
	root       *storage.Root
	ledger     *accesslog.Ledger
	handler    http.Handler
	tlsConfig  *tls.Config
	httpServer *http.Server
	errorLog   *io.PipeWriter

	mu        sync.RWMutex
	started   bool
	addr      net.Addr
	ready     chan struct{}
	closeOnce sync.Once
}

// New validates the configuration and loads the TLS credentials. No socket
// is opened until Start.
func New(config *Config, logger *logrus.Logger) (*Server, error) {
	cfg := *config
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if err := ValidatePort(cfg.Port); err != nil {
		return nil, err
	}

	root, err := storage.NewRoot(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("invalid root directory: %w", err)
	}

	cert, err := loadCertificate(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		root:      root,
		tlsConfig: newTLSConfig(cert),
		ready:     make(chan struct{}),
	}

	var recorder static.Recorder
	if cfg.AccessDB != "" {
		inside, err := root.Contains(cfg.AccessDB)
		if err != nil {
			return nil, err
		}
		if inside {
			return nil, fmt.Errorf("%w: %s", ErrRootConflict, cfg.AccessDB)
		}

		s.ledger, err = accesslog.Open(cfg.AccessDB, logger)
		if err != nil {
			return nil, err
		}
		recorder = s.ledger
	}

	s.handler = static.NewHandler(root, recorder, logger)

	return s, nil
}

// ValidatePort checks that port is a decimal TCP port number, 0 included.
func ValidatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%w %q: not a number", ErrInvalidPort, port)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("%w %d: out of range", ErrInvalidPort, n)
	}
	return nil
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.errorLog = s.logger.WriterLevel(logrus.DebugLevel)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, s.config.Port),
		Handler:           s.handler,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(s.errorLog, "", 0),
	}

	if err := http2.ConfigureServer(s.httpServer, &http2.Server{}); err != nil {
		s.Close()
		return fmt.Errorf("failed to configure http2: %w", err)
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	if tcpAddr, ok := s.addr.(*net.TCPAddr); ok && s.config.Port == "0" {
		s.config.Port = strconv.Itoa(tcpAddr.Port)
		s.logger.Infof("Using dynamic port: %s", s.config.Port)
	}
	s.mu.Unlock()

	tlsListener := tls.NewListener(listener, s.httpServer.TLSConfig)

	errChan := make(chan error, 1)

	go func() {
		s.logger.WithFields(logrus.Fields{
			"address": listener.Addr().String(),
			"root":    s.root.Path(),
		}).Info("Starting HTTPS server")

		// Use Serve instead of ServeTLS since we already have a TLS listener
		if err := s.httpServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		} else {
			errChan <- nil
		}
	}()

	close(s.ready)

	select {
	case <-ctx.Done():
		err := s.shutdown()
		<-errChan
		return err
	case err := <-errChan:
		s.Close()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down HTTPS server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// A drain that outlives the timeout is cut short, not reported as a failure.
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).WithField("timeout", s.config.ShutdownTimeout).Warn("Graceful shutdown timed out, closing remaining connections")
		if err := s.httpServer.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close HTTP server")
		}
	}

	return s.Close()
}

// Close releases the resources acquired by New. Start calls it on return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.errorLog != nil {
			s.errorLog.Close()
		}
		if s.ledger != nil {
			if err = s.ledger.Close(); err != nil {
				s.logger.WithError(err).Error("Failed to close access database")
			}
		}
	})
	return err
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Start binds.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) GetPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Port
}

func (s *Server) RootDir() string {
	return s.root.Path()
}
