package stratum

import (
	"bufio"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"stratumproxy/internal/hashutil"
)

// Session is a single Stratum downstream connection: NEW → SUBSCRIBED →
// AUTHORIZED+ (spec §4.4). Adapted from
// ShaeOJ-GoVault/internal/stratum/session.go, dropping vardiff/solo-mode
// fields and wiring submit straight through to the upstream client instead
// of a local share validator (the pool is the sole authority on share
// validity for Stratum downstreams; this proxy only forwards).
type Session struct {
	id          string
	conn        net.Conn
	server      *Server
	extranonce1 []byte
	tailValue   uint32
	tailLen     int

	subscribed atomic.Bool
	authorized atomic.Bool
	workers    map[string]bool
	workersMu  sync.Mutex

	lastAuthFail time.Time

	writeMu sync.Mutex
	reader  *bufio.Reader
}

func newSession(id string, conn net.Conn, server *Server, extranonce1 []byte, tailValue uint32, tailLen int) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		server:      server,
		extranonce1: extranonce1,
		tailValue:   tailValue,
		tailLen:     tailLen,
		workers:     make(map[string]bool),
		reader:      bufio.NewReaderSize(conn, 16*1024),
	}
}

func (s *Session) handle() {
	defer s.conn.Close()
	_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			req, perr := ParseRequest(line)
			if perr != nil {
				log.Debugf("%s: %v", s.id, perr)
				continue
			}
			s.handleRequest(req)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleRequest(req *Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(req)
	case "mining.authorize":
		s.handleAuthorize(req)
	case "mining.submit":
		s.handleSubmit(req)
	case "mining.extranonce.subscribe":
		s.send(EncodeResponse(req.ID, true, nil))
	case "mining.configure":
		s.send(EncodeResponse(req.ID, map[string]interface{}{}, nil))
	default:
		log.Debugf("%s: unknown method %q", s.id, req.Method)
		s.send(EncodeResponse(req.ID, nil, NewError(CodeOther, "unknown method")))
	}
}

// handleSubscribe replies with [[["mining.set_difficulty",id],
// ["mining.notify",id]], extranonce1, extranonce2_size] and immediately
// pushes current difficulty and the last job (spec §4.4).
func (s *Session) handleSubscribe(req *Request) {
	en2Size := s.server.registry.Extranonce2Size() - s.tailLen
	result := []interface{}{
		[][]string{
			{"mining.set_difficulty", s.id},
			{"mining.notify", s.id},
		},
		hex.EncodeToString(s.extranonce1),
		en2Size,
	}
	s.send(EncodeResponse(req.ID, result, nil))
	s.subscribed.Store(true)

	s.sendSetDifficulty(s.server.registry.Difficulty())
	if job := s.server.registry.LastJob(); job != nil {
		s.sendNotify(job, true)
	}
}

// handleAuthorize forwards to upstream mining.authorize, rate-limiting
// repeated negative attempts to at most one per minute (spec §4.4).
func (s *Session) handleAuthorize(req *Request) {
	if !s.subscribed.Load() {
		s.send(EncodeResponse(req.ID, nil, NewError(CodeNotSubscribed, "not subscribed")))
		return
	}
	worker, _ := ParamString(req.Params, 0)
	pass, _ := ParamString(req.Params, 1)

	if !s.lastAuthFail.IsZero() && time.Since(s.lastAuthFail) < time.Minute {
		s.send(EncodeResponse(req.ID, false, nil))
		return
	}

	ok := true
	if s.server.Authorize != nil {
		var err error
		ok, err = s.server.Authorize(worker, pass)
		if err != nil {
			ok = false
		}
	}
	if !ok {
		s.lastAuthFail = time.Now()
		s.send(EncodeResponse(req.ID, false, nil))
		return
	}

	s.workersMu.Lock()
	s.workers[worker] = true
	s.workersMu.Unlock()
	s.authorized.Store(true)
	s.send(EncodeResponse(req.ID, true, nil))
}

// handleSubmit prepends this connection's tail to extranonce2 and forwards
// the share upstream under a single pool identity (spec §4.4).
func (s *Session) handleSubmit(req *Request) {
	if !s.authorized.Load() {
		s.send(EncodeResponse(req.ID, nil, NewError(CodeNotSubscribed, "not subscribed")))
		return
	}
	worker, _ := ParamString(req.Params, 0)
	jobID, _ := ParamJobID(req.Params, 1)
	ext2, _ := ParamString(req.Params, 2)
	ntime, _ := ParamString(req.Params, 3)
	nonce, _ := ParamString(req.Params, 4)

	fullExt2 := hex.EncodeToString(tailBytes(s.tailValue, s.tailLen)) + ext2

	if s.server.CustomUser != "" {
		worker = s.server.CustomUser
	}

	if s.server.Submit == nil {
		s.send(EncodeResponse(req.ID, nil, NewError(CodeOther, "upstream disconnected")))
		return
	}
	ok, err := s.server.Submit(worker, jobID, fullExt2, ntime, nonce)
	if err != nil {
		code := CodeDisconnected
		if errors.Is(err, ErrJobNotFound) {
			code = CodeJobNotFound
		}
		s.send(EncodeResponse(req.ID, nil, NewError(code, err.Error())))
		return
	}
	s.send(EncodeResponse(req.ID, ok, nil))
}

func tailBytes(value uint32, length int) []byte {
	if length == 1 {
		return []byte{byte(value)}
	}
	return []byte{byte(value >> 8), byte(value)}
}

func (s *Session) sendNotify(job *Job, cleanJobs bool) {
	branches := make([]string, len(job.MerkleBranches))
	for i, b := range job.MerkleBranches {
		branches[i] = hex.EncodeToString(b)
	}
	params := []interface{}{
		job.ID, job.PrevHash,
		hex.EncodeToString(job.Coinb1), hex.EncodeToString(job.Coinb2),
		branches, job.Version, job.NBits,
		hex.EncodeToString(hashutil.BE32(uint32(time.Now().Unix() + job.NTimeDelta))),
		cleanJobs,
	}
	s.send(EncodeNotification("mining.notify", params))
}

func (s *Session) sendSetDifficulty(diff float64) {
	s.send(EncodeNotification("mining.set_difficulty", []interface{}{diff}))
}

func (s *Session) sendReconnect(host string, port int, waitSecs int) {
	s.send(EncodeNotification("client.reconnect", []interface{}{host, port, waitSecs}))
}

func (s *Session) send(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, _ = s.conn.Write(data)
}
