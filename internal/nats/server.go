package nats

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"
)

const (
	readyTimeout  = 15 * time.Second
	readyInterval = 100 * time.Millisecond
)

// Server attaches to a NATS server or supervises a local one with JetStream.
type Server struct {
	cfg     ServerConfig
	cmd     *exec.Cmd
	nc      *nats.Conn
	js      jetstream.JetStream
	mu      sync.Mutex
	running bool
	owned   bool
}

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath  string
	StoreDir string
	URL      string
	AutoDL   bool
}

// NewServer creates a new NATS server manager
func NewServer(cfg ServerConfig) (*Server, error) {
	if _, _, err := parseNatsURL(cfg.URL); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg}, nil
}

// Start connects to the configured URL, starting nats-server first when
// nothing listens there.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	host, port, err := parseNatsURL(s.cfg.URL)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, port)

	if reachable(addr, 2*time.Second) {
		log.Printf("NATS server already running at %s", s.cfg.URL)
		if err := s.connect(); err != nil {
			return err
		}
		s.running = true
		return nil
	}

	binPath, err := EnsureNATSBinary(ctx, s.cfg.BinPath, s.cfg.AutoDL)
	if err != nil {
		return fmt.Errorf("failed to ensure NATS binary: %w", err)
	}

	absStoreDir, err := filepath.Abs(s.cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for store dir: %w", err)
	}
	if err := os.MkdirAll(absStoreDir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// The process must outlive ctx, which only bounds startup.
	s.cmd = exec.Command(binPath,
		"-js",
		"-sd", absStoreDir,
		"-a", host,
		"-p", port,
	)
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr

	if err := s.cmd.Start(); err != nil {
		s.cmd = nil
		return fmt.Errorf("failed to start NATS server: %w", err)
	}
	s.owned = true

	if err := waitReachable(ctx, addr, readyTimeout); err != nil {
		s.stopLocked()
		return err
	}

	if err := s.connect(); err != nil {
		s.stopLocked()
		return err
	}

	s.running = true
	log.Printf("NATS server started at %s with JetStream enabled", s.cfg.URL)
	return nil
}

// Stop closes the connection and kills the process if this Server started it.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.stopLocked()
	log.Println("NATS server stopped")
	return nil
}

func (s *Server) stopLocked() {
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}

	if s.owned && s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			log.Warnf("Failed to kill NATS process: %v", err)
		}
		// Wait reports the kill signal; only the reaping matters.
		_ = s.cmd.Wait()
	}

	s.cmd = nil
	s.js = nil
	s.owned = false
	s.running = false
}

// IsRunning returns true if a JetStream connection is up
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.cfg.URL, nats.Name("pagecheck"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

func reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// waitReachable polls addr until it accepts TCP connections.
func waitReachable(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()

	for {
		if reachable(addr, readyInterval) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("NATS server at %s not ready: %w", addr, ctx.Err())
		}
	}
}

func parseNatsURL(natsURL string) (host, port string, err error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Scheme != "nats" || u.Host == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}

	host, port, err = net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
