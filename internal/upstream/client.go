// Package upstream implements the single upstream Stratum session: connect,
// subscribe, dispatch inbound notifications into the job registry, and
// forward outbound RPCs (mining.submit, mining.authorize) with an
// inactivity watchdog and backup-pool failover. Adapted from
// ShaeOJ-GoVault/internal/upstream/client.go, replacing its flat
// 5-minute-deadline/infinite-retry reconnect with the 120s+4-strike
// watchdog and backup-pool swap spec §4.1/§9 mandate.
package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	gosocks "github.com/btcsuite/go-socks/socks"

	"stratumproxy/internal/plog"
	"stratumproxy/internal/stratum"
)

var log = plog.New("UPST")

// UseLogger overrides the package logger (tests, or an alternate backend).
func UseLogger(l btclog.Logger) { log = l }

type rpcRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcMessage struct {
	ID     *int64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  json.RawMessage   `json:"error"`
}

// Config holds everything needed to open and maintain the upstream session.
type Config struct {
	Host, Port             string
	BackupHost, BackupPort string
	SocksAddr              string
	CustomUser, CustomPass string
	IdleTimeout            time.Duration // default 120s (spec §4.1)
	MaxStrikes             int           // default 4 (spec §9)
	TryReturnAfter         int           // notifications before swapping back to primary after failover
}

// Client is the upstream JSON-RPC session.
type Client struct {
	cfg Config
	reg *stratum.Registry

	mu       sync.Mutex
	conn     net.Conn
	curHost  string
	curPort  string
	isBackup bool

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]chan rpcMessage

	connected atomic.Bool
	running   atomic.Bool
	stopCh    chan struct{}

	controlledDisconnect atomic.Bool
	lastFrame            atomic.Int64 // unix nanos of last inbound frame
	strikesLeft          int
	tryReturnLeft        int

	// Callbacks let Stratum downstream/getwork services react to upstream
	// events without this package importing them back (spec §4.2).
	OnDifficultyBroadcast func(diff float64)
	OnNotifyBroadcast     func(cleanJobs bool)
	OnExtranonceChanged   func()
	OnDisconnect          func(err error)
	OnReconnect           func()
}

// New constructs a Client wired to reg, applying config defaults.
func New(cfg Config, reg *stratum.Registry) *Client {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxStrikes == 0 {
		cfg.MaxStrikes = 4
	}
	if cfg.TryReturnAfter == 0 {
		cfg.TryReturnAfter = 50
	}
	return &Client{
		cfg:           cfg,
		reg:           reg,
		curHost:       cfg.Host,
		curPort:       cfg.Port,
		pending:       make(map[int64]chan rpcMessage),
		stopCh:        make(chan struct{}),
		strikesLeft:   cfg.MaxStrikes,
		tryReturnLeft: cfg.TryReturnAfter,
	}
}

// Connect dials the current endpoint, performs mining.subscribe (+
// mining.authorize if a custom user is set), and starts the read loop,
// watchdog, and reconnect supervisor.
func (c *Client) Connect() error {
	c.running.Store(true)
	if err := c.dialAndHandshake(); err != nil {
		return err
	}
	go c.supervise()
	return nil
}

func (c *Client) dial(host, port string) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	if c.cfg.SocksAddr != "" {
		proxy := &gosocks.Proxy{Addr: c.cfg.SocksAddr}
		return proxy.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, 15*time.Second)
}

func (c *Client) dialAndHandshake() error {
	c.mu.Lock()
	host, port := c.curHost, c.curPort
	c.mu.Unlock()

	conn, err := c.dial(host, port)
	if err != nil {
		return fmt.Errorf("dial %s:%s: %w", host, port, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(45 * time.Second)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.lastFrame.Store(time.Now().UnixNano())

	go c.readLoop(conn)

	subRes, err := c.Call("mining.subscribe", []interface{}{})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	var sub []json.RawMessage
	if err := json.Unmarshal(subRes, &sub); err != nil || len(sub) < 3 {
		return fmt.Errorf("subscribe: malformed response %s", subRes)
	}
	var en1 string
	var en2Size int
	if err := json.Unmarshal(sub[1], &en1); err != nil {
		return fmt.Errorf("subscribe: malformed extranonce1: %w", err)
	}
	if err := json.Unmarshal(sub[2], &en2Size); err != nil {
		return fmt.Errorf("subscribe: malformed extranonce2_size: %w", err)
	}
	if err := c.reg.SetExtranonce(en1, en2Size); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if c.cfg.CustomUser != "" {
		if _, err := c.Call("mining.authorize", []interface{}{c.cfg.CustomUser, c.cfg.CustomPass}); err != nil {
			log.Warnf("authorize failed: %v", err)
		}
	}
	log.Infof("connected upstream %s:%s", host, port)
	return nil
}

// Stop closes the connection and halts the supervisor.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.closeConn()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.connected.Store(false)

	c.pendMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
}

// Call issues a JSON-RPC request and blocks for the matching response, or
// fails with ErrUpstreamDisconnected if not connected or the connection
// drops mid-flight (spec §4.1 rpc()).
func (c *Client) Call(method string, params interface{}) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, stratum.ErrUpstreamDisconnected
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	line, _ := json.Marshal(req)
	line = append(line, '\n')

	c.writeMu.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var werr error
	if conn == nil {
		werr = stratum.ErrUpstreamDisconnected
	} else {
		_, werr = conn.Write(line)
	}
	c.writeMu.Unlock()
	if werr != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, fmt.Errorf("%w: %v", stratum.ErrUpstreamDisconnected, werr)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, stratum.ErrUpstreamDisconnected
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			return nil, fmt.Errorf("remote reject: %s", msg.Error)
		}
		return msg.Result, nil
	case <-time.After(30 * time.Second):
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, fmt.Errorf("rpc %s timed out", method)
	case <-c.stopCh:
		return nil, stratum.ErrUpstreamDisconnected
	}
}

// SubmitShare forwards a solved share upstream (spec §4.3 submit step 6).
func (c *Client) SubmitShare(worker, jobID, ext2Hex, ntimeHex, nonceHex string) (bool, error) {
	res, err := c.Call("mining.submit", []interface{}{worker, jobID, ext2Hex, ntimeHex, nonceHex})
	if err != nil {
		return false, err
	}
	var ok bool
	_ = json.Unmarshal(res, &ok)
	return ok, nil
}

// Reconnect implements spec §4.1's reconnect(host?, port?, wait?): tears
// down the current socket, marks the disconnect as controlled so the
// supervisor's watchdog/strike accounting does not treat it as a failure,
// waits, and reconnects to the given (or current) endpoint.
func (c *Client) Reconnect(host, port string, wait time.Duration) {
	c.mu.Lock()
	if host != "" {
		c.curHost = host
	}
	if port != "" {
		c.curPort = port
	}
	c.mu.Unlock()
	c.controlledDisconnect.Store(true)
	c.closeConn()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// SetEndpoint is used by the control-file poller (spec §4.6) to switch pool
// or credentials; it behaves like a controlled Reconnect to the new values.
func (c *Client) SetEndpoint(host, port, user, pass string) {
	c.cfg.CustomUser = user
	c.cfg.CustomPass = pass
	c.Reconnect(host, port, 0)
}

// readLoop parses newline-delimited JSON-RPC frames off conn and either
// resolves a pending call (message carries a non-nil id matching a pending
// request) or dispatches a notification (spec §4.1, §4.2).
func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.lastFrame.Store(time.Now().UnixNano())
			var msg rpcMessage
			if uerr := json.Unmarshal(line, &msg); uerr != nil {
				log.Warnf("unparsable datagram: %v", uerr)
			} else if msg.Method != "" {
				c.handleNotification(msg)
			} else if msg.ID != nil {
				c.pendMu.Lock()
				ch, ok := c.pending[*msg.ID]
				if ok {
					delete(c.pending, *msg.ID)
				}
				c.pendMu.Unlock()
				if ok {
					ch <- msg
				}
			}
		}
		if err != nil {
			if c.running.Load() {
				log.Errorf("upstream read error: %v", err)
			}
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				_ = conn.Close()
				c.closeConn() // marks disconnected and fails pending calls
			}
			return
		}
	}
}

// supervise runs the 120s inactivity watchdog, the 4-strike kill counter,
// and backup-pool failover/try-return, reconnecting on uncontrolled drops
// and on watchdog expiry (spec §4.1, §9).
func (c *Client) supervise() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for c.running.Load() {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			idle := time.Since(time.Unix(0, c.lastFrame.Load()))
			if idle > c.cfg.IdleTimeout {
				log.Warnf("upstream idle %s, forcing reconnect", idle)
				c.closeConn()
			}
		}
		if c.connected.Load() || !c.running.Load() {
			continue
		}
		controlled := c.controlledDisconnect.Swap(false)
		if controlled {
			c.strikesLeft = c.cfg.MaxStrikes
		} else if err := c.reconnectWithBackoff(); err == nil {
			continue
		}
	}
}

// reconnectWithBackoff retries the current endpoint with exponential
// backoff, failing over to the backup pool after the first failed attempt, and exits
// the process when strikesLeft reaches zero without a successful frame
// (spec §4.1, §9: "the process exits non-zero, fail-fast for external
// supervisors").
func (c *Client) reconnectWithBackoff() error {
	backoff := time.Second
	for attempt := 0; c.running.Load(); attempt++ {
		if err := c.dialAndHandshake(); err == nil {
			c.strikesLeft = c.cfg.MaxStrikes
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
			c.tryReturnLeft = c.cfg.TryReturnAfter
			return nil
		} else if c.OnDisconnect != nil {
			c.OnDisconnect(err)
		}

		c.strikesLeft--
		if c.strikesLeft <= 0 {
			log.Criticalf("upstream unreachable after %d strikes, exiting", c.cfg.MaxStrikes)
			os.Exit(1)
		}

		if !c.isBackup && c.cfg.BackupHost != "" {
			c.mu.Lock()
			c.curHost, c.curPort = c.cfg.BackupHost, c.cfg.BackupPort
			c.mu.Unlock()
			c.isBackup = true
			log.Warnf("failing over to backup pool %s:%s", c.cfg.BackupHost, c.cfg.BackupPort)
		}

		select {
		case <-c.stopCh:
			return fmt.Errorf("stopped")
		case <-time.After(backoff + time.Duration(rand.Intn(1000))*time.Millisecond):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("stopped")
}

// noteNotificationForTryReturn decrements the try-return counter on each
// notify after a failover; when it hits zero, swap back to the primary
// endpoint (spec §4.1 backup-pool failover).
func (c *Client) noteNotificationForTryReturn() {
	if !c.isBackup {
		return
	}
	c.tryReturnLeft--
	if c.tryReturnLeft > 0 {
		return
	}
	c.mu.Lock()
	c.curHost, c.curPort = c.cfg.Host, c.cfg.Port
	c.mu.Unlock()
	c.isBackup = false
	c.Reconnect(c.cfg.Host, c.cfg.Port, 0)
}
