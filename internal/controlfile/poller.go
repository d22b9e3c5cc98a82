// Package controlfile implements the optional periodic re-read of a text
// file to switch pool or credentials (spec §4.6). Grounded on the behavior
// described for original_source/mining_libs/client_service.py's
// check_control_file, counted in notifications rather than wall-clock time
// per spec §9's second open question.
package controlfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"

	"stratumproxy/internal/plog"
)

var log = plog.New("CTRL")

// UseLogger overrides the package logger.
func UseLogger(l btclog.Logger) { log = l }

// Endpoint is a parsed control-file line: "host:port [user:pass]".
type Endpoint struct {
	Host, Port string
	User, Pass string
}

// Poller checks Path every Interval notifications and invokes OnChange when
// the parsed endpoint differs from the last seen one.
type Poller struct {
	Path     string
	Interval int
	OnChange func(Endpoint)

	mu       sync.Mutex
	counter  int
	lastSeen *Endpoint
}

// NoteNotification is called once per upstream notification; every
// Interval calls it re-reads the control file.
func (p *Poller) NoteNotification() {
	if p.Path == "" || p.Interval <= 0 {
		return
	}
	p.mu.Lock()
	p.counter++
	due := p.counter >= p.Interval
	if due {
		p.counter = 0
	}
	p.mu.Unlock()
	if due {
		p.check()
	}
}

func (p *Poller) check() {
	ep, err := parseControlFile(p.Path)
	if err != nil {
		log.Warnf("control file: %v", err)
		return
	}

	p.mu.Lock()
	changed := p.lastSeen == nil || *p.lastSeen != *ep
	p.lastSeen = ep
	p.mu.Unlock()

	if changed && p.OnChange != nil {
		p.OnChange(*ep)
	}
}

func parseControlFile(path string) (*Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		hostPort := strings.SplitN(fields[0], ":", 2)
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("malformed host:port %q", fields[0])
		}
		ep := &Endpoint{Host: hostPort[0], Port: hostPort[1]}
		if len(fields) > 1 {
			userPass := strings.SplitN(fields[1], ":", 2)
			ep.User = userPass[0]
			if len(userPass) > 1 {
				ep.Pass = userPass[1]
			}
		}
		return ep, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("empty control file")
}
