// Command proxy is the stratum-to-getwork mining proxy entrypoint: a single
// upstream Stratum connection multiplexed to native Stratum TCP clients and
// legacy getwork HTTP clients. Wiring mirrors
// ShaeOJ-GoVault/app.go: startProxy() — construct dependencies in order,
// assign callback fields, start listeners last.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"stratumproxy/internal/controlfile"
	"stratumproxy/internal/getwork"
	"stratumproxy/internal/plog"
	"stratumproxy/internal/statsdb"
	"stratumproxy/internal/stratum"
	"stratumproxy/internal/upstream"
)

var log = plog.New("MAIN")

type options struct {
	Host         string `long:"host" default:"pool.example.com" description:"upstream Stratum pool host"`
	Port         int    `long:"port" default:"3333" description:"upstream Stratum pool port"`
	StratumHost  string `long:"stratum-host" default:"0.0.0.0" description:"downstream Stratum bind host"`
	StratumPort  int    `long:"stratum-port" default:"3333" description:"downstream Stratum bind port"`
	GetworkHost  string `long:"getwork-host" default:"0.0.0.0" description:"downstream getwork HTTP bind host"`
	GetworkPort  int    `long:"getwork-port" default:"8332" description:"downstream getwork HTTP bind port"`
	NoMidstate   bool   `long:"no-midstate" description:"omit midstate from getwork responses"`
	Backup       string `long:"backup" description:"backup pool host:port"`
	RealTarget   bool   `long:"real-target" description:"report the pool's real target to getwork clients"`
	OldTarget    bool   `long:"old-target" description:"report the legacy compatibility target"`
	CustomLP     string `long:"custom-lp" description:"override the advertised X-Long-Polling path"`
	CustomStratum string `long:"custom-stratum" description:"override the advertised X-Stratum URL"`
	CustomUser   string `long:"custom-user" description:"substitute this worker name on every upstream call"`
	CustomPassword string `long:"custom-password" description:"password paired with --custom-user"`
	ControlFile  string `long:"control-file" description:"text file to poll for pool/credential overrides"`
	CFInterval   int    `long:"cf-interval" default:"10" description:"control file check interval, in upstream notifications"`
	SetExtranonce string `long:"set-extranonce" description:"force extranonce1 (hex) instead of the pool-assigned one"`
	Idle         int    `long:"idle" default:"120" description:"upstream inactivity watchdog, in seconds"`
	Blocknotify  string `long:"blocknotify" description:"command to run on new block, %s replaced with prevhash"`
	Sharenotify  string `long:"sharenotify" description:"path to append one JSON line per share forwarded upstream"`
	Socks        string `long:"socks" description:"SOCKS5 proxy host:port for the upstream connection"`
	ScryptTarget bool   `long:"scrypt-target" description:"use the scrypt difficulty-1 target instead of SHA-256"`
	Verbose      []bool `short:"v" description:"increase log verbosity"`
	Quiet        bool   `short:"q" description:"suppress all but warnings and errors"`
	PidFile      string `long:"pid-file" description:"write the process PID to this file"`
	LogFile      string `long:"log-file" description:"rotate logs to this file in addition to stdout"`
	StatsDir     string `long:"stats-dir" default:"./proxy-stats" description:"directory for the persisted operational stats store"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level := "info"
	if opts.Quiet {
		level = "warn"
	} else if len(opts.Verbose) > 0 {
		level = "debug"
	}
	if err := plog.Init(opts.LogFile, level); err != nil {
		fmt.Fprintln(os.Stderr, "log init:", err)
		os.Exit(1)
	}

	if opts.PidFile != "" {
		_ = os.WriteFile(opts.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
	}

	reg := stratum.NewRegistry(stratum.RegistryOptions{
		ScryptTarget: opts.ScryptTarget,
		UseOldTarget: opts.OldTarget,
		RealTarget:   opts.RealTarget,
		Blocknotify:  opts.Blocknotify,
	})

	backupHost, backupPort := splitHostPort(opts.Backup)

	upCfg := upstream.Config{
		Host:           opts.Host,
		Port:           strconv.Itoa(opts.Port),
		BackupHost:     backupHost,
		BackupPort:     backupPort,
		SocksAddr:      opts.Socks,
		CustomUser:     opts.CustomUser,
		CustomPass:     opts.CustomPassword,
		IdleTimeout:    time.Duration(opts.Idle) * time.Second,
	}
	up := upstream.New(upCfg, reg)

	stats, err := statsdb.Open(opts.StatsDir)
	if err != nil {
		log.Warnf("stats store disabled: %v", err)
		stats = nil
	}

	stratumAddr := net.JoinHostPort(opts.StratumHost, strconv.Itoa(opts.StratumPort))
	strmSrv := stratum.NewServer(stratumAddr, reg)
	strmSrv.CustomUser = opts.CustomUser
	strmSrv.Authorize = func(worker, pass string) (bool, error) {
		res, err := up.Call("mining.authorize", []interface{}{worker, pass})
		if err != nil {
			return false, err
		}
		var ok bool
		_ = json.Unmarshal(res, &ok)
		return ok, nil
	}
	strmSrv.Submit = func(worker, jobID, ext2Hex, ntimeHex, nonceHex string) (bool, error) {
		ok, err := up.SubmitShare(worker, jobID, ext2Hex, ntimeHex, nonceHex)
		if stats != nil {
			stats.RecordShare(ok && err == nil)
		}
		if opts.Sharenotify != "" {
			appendShareNotify(opts.Sharenotify, worker, jobID, reg.Difficulty(), ok && err == nil)
		}
		return ok, err
	}

	getworkAddr := net.JoinHostPort(opts.GetworkHost, strconv.Itoa(opts.GetworkPort))
	gwSrv := &getwork.Server{
		Addr:           getworkAddr,
		Registry:       reg,
		CustomUser:     opts.CustomUser,
		CustomPassword: opts.CustomPassword,
		CustomStratum:  opts.CustomStratum,
		CustomLP:       opts.CustomLP,
		StratumPort:    opts.StratumPort,
		NoMidstate:     opts.NoMidstate,
		Authorize:      strmSrv.Authorize,
		SubmitUpstream: strmSrv.Submit,
	}

	poller := &controlfile.Poller{Path: opts.ControlFile, Interval: opts.CFInterval}
	poller.OnChange = func(ep controlfile.Endpoint) {
		log.Infof("control file: switching to %s:%s", ep.Host, ep.Port)
		up.SetEndpoint(ep.Host, ep.Port, ep.User, ep.Pass)
	}

	up.OnNotifyBroadcast = func(cleanJobs bool) {
		poller.NoteNotification()
		if job := reg.LastJob(); job != nil {
			strmSrv.BroadcastNotify(job, cleanJobs)
		}
	}
	up.OnDifficultyBroadcast = func(diff float64) {
		strmSrv.BroadcastDifficulty(diff)
		if stats != nil {
			stats.RecordDifficulty(diff)
		}
	}
	up.OnExtranonceChanged = func() {
		strmSrv.DisconnectAll()
	}
	up.OnDisconnect = func(err error) {
		log.Warnf("upstream disconnected: %v", err)
	}
	up.OnReconnect = func() {
		log.Infof("upstream reconnected")
	}

	if opts.SetExtranonce != "" {
		if err := reg.SetExtranonce(opts.SetExtranonce, reg.Extranonce2Size()); err != nil {
			log.Warnf("--set-extranonce: %v", err)
		}
	}

	if err := up.Connect(); err != nil {
		log.Criticalf("upstream connect: %v", err)
		os.Exit(1)
	}
	if err := strmSrv.Start(); err != nil {
		log.Criticalf("stratum listen: %v", err)
		os.Exit(1)
	}
	if err := gwSrv.Start(); err != nil {
		log.Criticalf("getwork listen: %v", err)
		os.Exit(1)
	}

	waitForSignal()

	strmSrv.Stop()
	gwSrv.Stop()
	up.Stop()
	if stats != nil {
		_ = stats.Close()
	}
}

// waitForSignal blocks until SIGINT/SIGTERM, for a graceful shutdown
// sequence (spec §5 cancellation policy).
func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func splitHostPort(hostPort string) (string, string) {
	if hostPort == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", ""
	}
	return host, port
}

// appendShareNotify appends one JSON line per share to path, for external
// tooling that wants a feed of accepted/rejected shares (spec §6's
// --sharenotify PATH, which names the flag but not its trigger behavior;
// the one-line-per-share format follows --blocknotify's "run on event"
// spirit, rendered as a log line rather than a subprocess invocation since
// there's no per-share payload worth handing to a child process).
func appendShareNotify(path, worker, jobID string, difficulty float64, accepted bool) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warnf("sharenotify: %v", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(map[string]interface{}{
		"worker":     worker,
		"job_id":     jobID,
		"difficulty": difficulty,
		"accepted":   accepted,
		"ts":         time.Now().Unix(),
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		log.Warnf("sharenotify: %v", err)
	}
}
