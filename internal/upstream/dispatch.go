package upstream

import (
	"encoding/json"
	"strconv"
	"time"
)

// ProxyVersion is the string returned for client.get_version (spec §4.2).
const ProxyVersion = "stratum-getwork-proxy/1.0"

// handleNotification implements the inbound dispatcher table of spec §4.2.
func (c *Client) handleNotification(msg rpcMessage) {
	switch msg.Method {
	case "mining.notify":
		c.onMiningNotify(msg.Params)
	case "mining.set_difficulty":
		c.onSetDifficulty(msg.Params)
	case "mining.set_extranonce":
		c.onSetExtranonce(msg.Params)
	case "client.reconnect":
		c.onClientReconnect(msg.Params)
	case "client.get_version":
		c.reply(msg.ID, ProxyVersion)
	case "client.show_message":
		if len(msg.Params) > 0 {
			var s string
			_ = json.Unmarshal(msg.Params[0], &s)
			log.Warnf("pool message: %s", s)
		}
		c.reply(msg.ID, true)
	case "client.add_peers":
		c.reply(msg.ID, true)
	case "mining.get_hashrate":
		c.reply(msg.ID, float64(0))
	case "mining.get_temperature":
		c.reply(msg.ID, false)
	default:
		log.Errorf("unknown upstream method %q", msg.Method)
	}
}

func (c *Client) reply(id *int64, result interface{}) {
	if id == nil {
		return
	}
	resp := struct {
		ID     int64       `json:"id"`
		Result interface{} `json:"result"`
		Error  interface{} `json:"error"`
	}{ID: *id, Result: result}
	line, _ := json.Marshal(resp)
	line = append(line, '\n')
	c.writeMu.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_, _ = conn.Write(line)
	}
	c.writeMu.Unlock()
}

func (c *Client) onMiningNotify(params []json.RawMessage) {
	if len(params) < 9 {
		log.Warnf("mining.notify: expected 9 params, got %d", len(params))
		return
	}
	var (
		jobID, prevHash, coinb1, coinb2, version, nbits, ntime string
		merkleBranches                                         []string
		cleanJobs                                               bool
	)
	fields := []interface{}{&jobID, &prevHash, &coinb1, &coinb2, &merkleBranches, &version, &nbits, &ntime, &cleanJobs}
	for i, f := range fields {
		if err := json.Unmarshal(params[i], f); err != nil {
			log.Warnf("mining.notify: bad field %d: %v", i, err)
			return
		}
	}

	if err := c.reg.NewJobFromNotify(jobID, prevHash, coinb1, coinb2, merkleBranches, version, nbits, ntime, cleanJobs); err != nil {
		log.Warnf("mining.notify: %v", err)
		return
	}
	c.noteNotificationForTryReturn()
	if c.OnNotifyBroadcast != nil {
		c.OnNotifyBroadcast(cleanJobs)
	}
}

func (c *Client) onSetDifficulty(params []json.RawMessage) {
	if len(params) < 1 {
		return
	}
	var d float64
	if err := json.Unmarshal(params[0], &d); err != nil {
		log.Warnf("set_difficulty: %v", err)
		return
	}
	c.reg.SetDifficulty(d)
	if c.OnDifficultyBroadcast != nil {
		c.OnDifficultyBroadcast(d)
	}
}

func (c *Client) onSetExtranonce(params []json.RawMessage) {
	if len(params) < 2 {
		return
	}
	var en1 string
	var en2Size int
	if err := json.Unmarshal(params[0], &en1); err != nil {
		return
	}
	if err := json.Unmarshal(params[1], &en2Size); err != nil {
		return
	}
	if err := c.reg.SetExtranonce(en1, en2Size); err != nil {
		log.Warnf("set_extranonce: %v", err)
		return
	}
	if c.OnExtranonceChanged != nil {
		c.OnExtranonceChanged()
	}
}

func (c *Client) onClientReconnect(params []json.RawMessage) {
	var host, port string
	var waitSecs float64
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &host)
	}
	if len(params) > 1 {
		var p interface{}
		_ = json.Unmarshal(params[1], &p)
		switch v := p.(type) {
		case string:
			port = v
		case float64:
			port = strconv.FormatInt(int64(v), 10)
		}
	}
	if len(params) > 2 {
		_ = json.Unmarshal(params[2], &waitSecs)
	}
	go c.Reconnect(host, port, time.Duration(waitSecs)*time.Second)
}
