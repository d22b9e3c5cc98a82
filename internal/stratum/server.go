package stratum

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btclog"

	"stratumproxy/internal/plog"
)

var log = plog.New("STRM")

// UseLogger overrides the package logger.
func UseLogger(l btclog.Logger) { log = l }

// AuthorizeFunc forwards a worker authorization request upstream.
type AuthorizeFunc func(worker, pass string) (bool, error)

// SubmitFunc forwards a solved share upstream.
type SubmitFunc func(worker, jobID, ext2Hex, ntimeHex, nonceHex string) (bool, error)

// Server is the downstream Stratum TCP service (spec §4.4). Adapted from
// ShaeOJ-GoVault/internal/stratum/server.go, dropping solo-mode/vardiff and
// adding the tail-based extranonce partitioner this proxy's multi-client
// fan-out requires.
type Server struct {
	addr     string
	registry *Registry
	tails    *TailAllocator

	Authorize  AuthorizeFunc
	Submit     SubmitFunc
	CustomUser string

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64

	listener net.Listener
	running  bool
}

// NewServer constructs a downstream Stratum server bound to registry.
func NewServer(addr string, registry *Registry) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		tails:    NewTailAllocator(),
		sessions: make(map[string]*Session),
	}
}

// Start begins accepting Stratum client connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.running = true
	go s.acceptLoop()
	log.Infof("Stratum listening on %s", s.addr)
	return nil
}

// Stop drains sessions with a best-effort client.reconnect wake before
// closing the listener and all connections (spec §5 cancellation policy).
func (s *Server) Stop() {
	s.running = false
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.sendReconnect("", 0, 1)
	}
	s.mu.Unlock()
	time.Sleep(200 * time.Millisecond)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	for s.running {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running {
				log.Errorf("accept: %v", err)
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(45 * time.Second)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if s.registry.Extranonce2Size() == 0 {
		// Upstream not yet subscribed; reject rather than block the accept
		// loop indefinitely.
		_ = conn.Close()
		return
	}
	tailValue, tailEnc, err := s.tails.Allocate()
	if err != nil {
		log.Warnf("subscribe rejected: %v", err)
		_ = conn.Close()
		return
	}
	extranonce1 := append(append([]byte(nil), s.registry.Extranonce1()...), tailEnc...)

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sess-%d", s.nextID)
	s.mu.Unlock()

	sess := newSession(id, conn, s, extranonce1, tailValue, len(tailEnc))

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.handle()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.tails.Release(tailValue)
}

// BroadcastNotify pushes a mining.notify to every authorized session,
// preserving the ordering guarantee of spec §5 (relative to set_difficulty,
// since both are driven serially off the single upstream read loop).
func (s *Server) BroadcastNotify(job *Job, cleanJobs bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.authorized.Load() {
			sess.sendNotify(job, cleanJobs)
		}
	}
}

// BroadcastDifficulty pushes mining.set_difficulty to every authorized
// session.
func (s *Server) BroadcastDifficulty(diff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.authorized.Load() {
			sess.sendSetDifficulty(diff)
		}
	}
}

// DisconnectAll forces every session to reconnect, used after
// mining.set_extranonce changes the upstream extranonce1/size (spec §4.3
// set_extranonce: "downstream Stratum sessions whose tails were allocated
// against the old size MUST be reconnected").
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.sendReconnect("", 0, 0)
		_ = sess.conn.Close()
	}
}
