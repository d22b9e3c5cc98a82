// Package getwork implements the legacy HTTP getwork downstream service:
// POST "" for getwork/submit, and GET "" or "/lp" for long-polling. Grounded on
// original_source/mining_libs/getwork_listener.py: Root, which has no
// direct Go teacher analog (ShaeOJ-GoVault never runs a getwork
// translator), routed with gorilla/mux per SPEC_FULL.md §4.
package getwork

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/mux"

	"stratumproxy/internal/plog"
	"stratumproxy/internal/stratum"
)

var log = plog.New("GTWK")

// UseLogger overrides the package logger.
func UseLogger(l btclog.Logger) { log = l }

// AuthorizeFunc checks worker credentials, forwarded upstream.
type AuthorizeFunc func(worker, pass string) (bool, error)

// SubmitUpstreamFunc forwards an accepted share upstream.
type SubmitUpstreamFunc func(worker, jobID, ext2Hex, ntimeHex, nonceHex string) (bool, error)

// Server is the getwork HTTP downstream service (spec §4.5).
type Server struct {
	Addr            string
	Registry        *stratum.Registry
	Authorize       AuthorizeFunc
	SubmitUpstream  SubmitUpstreamFunc
	CustomUser      string
	CustomPassword  string
	CustomStratum   string
	CustomLP        string
	StratumPort     int
	NoMidstate      bool

	srv *http.Server
}

type rpcRequest struct {
	ID     interface{}       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func jsonResponse(id interface{}, result interface{}) []byte {
	b, _ := json.Marshal(map[string]interface{}{"id": id, "result": result, "error": nil})
	return b
}

func jsonError(id interface{}, code int, message string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"id": id, "result": nil,
		"error": map[string]interface{}{"code": code, "message": message},
	})
	return b
}

// Start begins serving HTTP on Addr.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.PathPrefix("/lp").HandlerFunc(s.handleLongPoll)
	r.PathPrefix("/").HandlerFunc(s.handleRoot)
	s.srv = &http.Server{Addr: s.Addr, Handler: s.prepareHeaders(r)}
	log.Infof("getwork listening on %s", s.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	default:
	}
	return nil
}

// Stop gracefully closes the HTTP listener.
func (s *Server) Stop() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func (s *Server) prepareHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.CustomStratum != "" {
			w.Header().Set("X-Stratum", s.CustomStratum)
		} else if s.StratumPort != 0 {
			host := r.Host
			if i := strings.IndexByte(host, ':'); i >= 0 {
				host = host[:i]
			}
			w.Header().Set("X-Stratum", fmt.Sprintf("stratum+tcp://%s:%d", host, s.StratumPort))
		}
		if s.CustomLP != "" {
			w.Header().Set("X-Long-Polling", s.CustomLP)
		} else {
			w.Header().Set("X-Long-Polling", "/lp")
		}
		w.Header().Set("X-Roll-Ntime", "1")
		h.ServeHTTP(w, r)
	})
}

func (s *Server) authFromRequest(r *http.Request) (worker, pass string, ok bool) {
	worker, pass, ok = r.BasicAuth()
	if s.CustomUser != "" {
		worker, pass = s.CustomUser, s.CustomPassword
		ok = true
	}
	return
}

func (s *Server) requireAuth(w http.ResponseWriter, worker string) bool {
	if worker != "" {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="stratum-mining-proxy"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("Authorization required"))
	return false
}

func (s *Server) noMidstateRequested(r *http.Request) bool {
	if s.NoMidstate {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("X-Mining-Extensions")), "midstate")
}

// handleRoot serves POST "" (getwork / submit) and GET "" (treated as a
// long-poll subscribe in legacy clients, matching render_GET in the
// reference implementation).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.handleLongPoll(w, r)
		return
	}

	worker, pass, _ := s.authFromRequest(r)
	if !s.requireAuth(w, worker) {
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_, _ = w.Write(jsonError(nil, -1, "unparsable request"))
		return
	}

	if s.Authorize != nil {
		authorized, err := s.Authorize(worker, pass)
		if err != nil || !authorized {
			_, _ = w.Write(jsonError(req.ID, -1, "Bad worker credentials"))
			return
		}
	}

	if s.Registry.LastJob() == nil {
		_, _ = w.Write(jsonError(req.ID, -1, "Getwork is waiting for a job..."))
		return
	}

	if req.Method != "getwork" {
		_, _ = w.Write(jsonError(req.ID, -1, fmt.Sprintf("Unsupported method %q", req.Method)))
		return
	}

	if len(req.Params) == 0 {
		result, err := s.Registry.Getwork(s.noMidstateRequested(r))
		if err != nil {
			_, _ = w.Write(jsonError(req.ID, -1, err.Error()))
			return
		}
		_, _ = w.Write(jsonResponse(req.ID, result))
		return
	}

	s.handleSubmit(w, req, worker)
}

func (s *Server) handleSubmit(w http.ResponseWriter, req rpcRequest, worker string) {
	var headerHex string
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &headerHex)
	}
	outcome, err := s.Registry.Submit(headerHex)
	if err != nil {
		log.Warnf("submit from %q rejected: %v", worker, err)
		_, _ = w.Write(jsonResponse(req.ID, false))
		return
	}
	if outcome.Forward && s.SubmitUpstream != nil {
		ok, uerr := s.SubmitUpstream(worker, outcome.JobID, outcome.Ext2Hex, outcome.NTimeHex, outcome.NonceHex)
		if uerr != nil {
			log.Warnf("share from %q REJECTED: %v", worker, uerr)
			_, _ = w.Write(jsonResponse(req.ID, false))
			return
		}
		_, _ = w.Write(jsonResponse(req.ID, ok))
		return
	}
	_, _ = w.Write(jsonResponse(req.ID, outcome.Accept))
}

// handleLongPoll parks the request on the registry's long-poll event until
// it fires or the client disconnects (spec §4.5).
func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	worker, _, _ := s.authFromRequest(r)
	if worker == "" {
		worker = "<unknown>"
	}
	log.Infof("worker %q subscribed for LP at %s", worker, r.URL.Path)

	select {
	case <-s.Registry.OnBlock():
	case <-r.Context().Done():
		return
	}

	result, err := s.Registry.Getwork(s.noMidstateRequested(r))
	if err != nil {
		_, _ = w.Write(jsonError(0, -1, err.Error()))
		return
	}
	_, _ = w.Write(jsonResponse(0, result))
}
