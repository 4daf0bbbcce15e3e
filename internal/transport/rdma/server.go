package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/smbdirect/internal/config"
)

// serverStopTimeout bounds how long Stop waits for connection handlers.
const serverStopTimeout = 10 * time.Second

// Server answers SMB-Direct negotiation over the TCP fallback framing and
// echoes every later message. It is the peer for TCP fallback clients.
type Server struct {
	cfg      config.RDMAConfig
	limits   NegotiateLimits
	stats    *Statistics
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a server that negotiates with the limits in cfg.
func NewServer(cfg config.RDMAConfig) *Server {
	return &Server{
		cfg:    cfg,
		limits: NegotiateLimitsFromConfig(cfg),
		stats:  NewStatistics(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start listens on addr and serves connections in the background. An empty
// addr listens on every interface at the configured port.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	}

	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	log.Info().Str("addr", listener.Addr().String()).Msg("SMB-Direct responder listening")

	s.wg.Add(1)

	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Statistics returns connection and error counters.
func (s *Server) Statistics() *Statistics { return s.stats }

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			log.Warn().Err(err).Msg("Accept failed")

			continue
		}

		if !s.admit(conn) {
			return
		}

		s.wg.Add(1)

		go s.handleConnection(conn)
	}
}

// admit tracks conn, or closes it when Stop has already begun. Stop walks
// s.conns under s.mu after clearing running, so nothing admitted is missed.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		_ = conn.Close()
		return false
	}

	s.conns[conn] = struct{}{}
	s.stats.RecordConnectionCreated()

	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	s.stats.RecordConnectionClosed()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.release(conn)
	}()

	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("SMB-Direct peer connected")

	if err := ServeConn(conn, s.limits); err != nil && s.running.Load() {
		s.stats.RecordError()
		log.Warn().Err(err).Str("remote", remote).Msg("SMB-Direct peer failed")

		return
	}

	log.Debug().Str("remote", remote).Msg("SMB-Direct peer disconnected")
}

// Stop closes the listener and every open connection, then waits for the
// handlers to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(serverStopTimeout):
		return errors.New("timeout waiting for connections to close")
	}

	return err
}
