// Package testutil provides TCP fixtures for readiness and proxy tests.
package testutil

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MockTCPServer accepts connections on a loopback port and counts them.
type MockTCPServer struct {
	addr     string
	listener net.Listener
	accepted atomic.Int64
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewMockTCPServer creates a server that will listen on addr. An empty addr
// picks a free loopback port on Start.
func NewMockTCPServer(addr string) *MockTCPServer {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &MockTCPServer{addr: addr}
}

// Start begins listening and accepting.
func (s *MockTCPServer) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

// StartAfter starts the server once delay has elapsed. Errors are returned on
// the channel, which is closed afterwards.
func (s *MockTCPServer) StartAfter(delay time.Duration) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		time.Sleep(delay)
		if err := s.Start(); err != nil {
			errc <- err
		}
	}()
	return errc
}

func (s *MockTCPServer) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		s.accepted.Add(1)
		_ = conn.Close()
	}
}

// Stop closes the listener and waits for the accept loop.
func (s *MockTCPServer) Stop() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	s.wg.Wait()
	return nil
}

// Accepted returns the number of connections accepted so far.
func (s *MockTCPServer) Accepted() int64 { return s.accepted.Load() }

// Addr returns the listen address, or the configured one before Start.
func (s *MockTCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the listen port.
func (s *MockTCPServer) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(p)
	return n
}

// FreePort reserves a loopback port and releases it immediately, so the
// caller can hand it to a process that binds later.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
