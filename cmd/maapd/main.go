// maapd — a MAAP (MAC Address Acquisition Protocol, IEEE 1722-2016 Annex B)
// daemon. Binds one network interface, runs the protocol engine's
// cooperative event loop, and exposes a local control socket for
// reserve/release/status commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	bolt "go.etcd.io/bbolt"

	"github.com/jasonjhjeon/maapd/internal/audit"
	"github.com/jasonjhjeon/maapd/internal/config"
	"github.com/jasonjhjeon/maapd/internal/ctlsock"
	"github.com/jasonjhjeon/maapd/internal/engine"
	"github.com/jasonjhjeon/maapd/internal/logging"
	"github.com/jasonjhjeon/maapd/internal/metrics"
	"github.com/jasonjhjeon/maapd/internal/netio"
	"github.com/jasonjhjeon/maapd/internal/notify"
	"github.com/jasonjhjeon/maapd/pkg/maap"
)

func main() {
	configPath := pflag.String("config", "/etc/maapd/config.toml", "path to configuration file")
	debugPort := pflag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	pflag.Parse()

	if *debugPort != "" {
		go func() {
			addr := "127.0.0.1:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Daemon.LogLevel, os.Stdout, cfg.Daemon.LogFormat)
	logger.Info("maapd starting",
		"config", *configPath,
		"interface", cfg.Daemon.Interface,
		"pool_base", cfg.Pool.Base,
		"pool_length", cfg.Pool.Length)

	iface, err := net.InterfaceByName(cfg.Daemon.Interface)
	if err != nil {
		logger.Error("failed to resolve interface", "interface", cfg.Daemon.Interface, "error", err)
		os.Exit(1)
	}
	if len(iface.HardwareAddr) != 6 {
		logger.Error("interface has no usable hardware address", "interface", cfg.Daemon.Interface)
		os.Exit(1)
	}

	pktIO, err := netio.OpenPcapAdapter(cfg.Daemon.Interface, 100*time.Millisecond)
	if err != nil {
		logger.Error("failed to open raw socket", "interface", cfg.Daemon.Interface, "error", err)
		os.Exit(1)
	}
	defer pktIO.Close()

	var auditLog *audit.Log
	var auditDB *bolt.DB
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0755); err != nil {
			logger.Warn("failed to create audit db directory", "error", err)
		}
		auditDB, err = bolt.Open(cfg.Audit.DBPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			logger.Warn("failed to open audit database, audit log disabled", "path", cfg.Audit.DBPath, "error", err)
		} else {
			auditLog, err = audit.NewLog(auditDB)
			if err != nil {
				logger.Warn("failed to initialize audit log, audit log disabled", "error", err)
				auditDB.Close()
				auditDB = nil
			}
		}
	}
	if auditDB != nil {
		defer auditDB.Close()
	}

	if cfg.Metrics.Enabled {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &nethttp.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "address", cfg.Metrics.ListenAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
				logger.Warn("metrics server failed", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	ctl, err := ctlsock.Listen(cfg.Control.SocketPath, cfg.Control.TokenHash, logger)
	if err != nil {
		logger.Error("failed to open control socket", "path", cfg.Control.SocketPath, "error", err)
		os.Exit(1)
	}
	defer ctl.Close()
	go ctl.Serve()

	eng := engine.New(engine.Config{
		Clock:  netio.SystemClock{},
		Rng:    netio.SystemRandom{},
		Sender: pktIO,
		Logger: logger,
		Timers: engine.Timers{
			ProbeRetransmits:          cfg.Timers.ProbeRetransmits,
			ProbeIntervalBase:         cfg.ProbeIntervalBaseDuration(),
			ProbeIntervalVariation:    cfg.ProbeIntervalVariationDuration(),
			AnnounceIntervalBase:      cfg.AnnounceIntervalBaseDuration(),
			AnnounceIntervalVariation: cfg.AnnounceIntervalVariationDuration(),
		},
	})

	const daemonSender uint64 = 0
	poolBaseMAC := cfg.PoolBaseMAC()
	poolBase := maap.HWAddrToUint64(poolBaseMAC)
	if err := eng.InitClient(daemonSender, iface.HardwareAddr, poolBase, uint64(cfg.Pool.Length)); err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	metrics.ServerStartTime.SetToCurrentTime()

	if cfg.Daemon.PIDFile != "" {
		if err := writePIDFile(cfg.Daemon.PIDFile); err != nil {
			logger.Warn("failed to write PID file", "path", cfg.Daemon.PIDFile, "error", err)
		} else {
			defer removePIDFile(cfg.Daemon.PIDFile)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan []byte, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, err := pktIO.Recv()
			if err != nil {
				logger.Warn("packet read failed", "error", err)
				continue
			}
			if frame == nil {
				continue // read timeout, no packet arrived
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	d := &daemon{eng: eng, logger: logger, auditLog: auditLog}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("maapd ready", "control_socket", cfg.Control.SocketPath)

	for {
		delay := eng.DelayToNextTimer()
		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
			eng.HandleTimer()
			d.drainAndRecord()

		case frame := <-frames:
			timer.Stop()
			eng.HandlePacket(frame)
			d.drainAndRecord()

		case cmd := <-ctl.Commands():
			timer.Stop()
			d.handleCommand(cmd)
			if cmd.Req.Command == ctlsock.CmdExit {
				logger.Info("EXIT command received, shutting down")
				cancel()
				return
			}

		case sig := <-sigCh:
			timer.Stop()
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
			eng.DeinitClient(daemonSender)
			d.drainAndRecord()
			logger.Info("maapd stopped")
			return
		}
	}
}

// daemon bundles the long-lived state the event loop dispatches control
// commands and notifications through.
type daemon struct {
	eng      *engine.Engine
	logger   *slog.Logger
	auditLog *audit.Log
}

// drainAndRecord flushes pending notifications, logging and auditing each.
// Called after every HandleTimer/HandlePacket so nothing piles up between
// event loop iterations.
func (d *daemon) drainAndRecord() {
	for _, n := range d.eng.Drain() {
		d.recordNotification(n)
	}
}

func (d *daemon) recordNotification(n notify.Notification) {
	d.logger.Info("notification",
		"kind", string(n.Kind),
		"sender", n.Sender,
		"range_id", n.ID,
		"state", n.State,
		"reason", n.Reason)
	if d.auditLog != nil {
		if err := d.auditLog.Record(n, time.Now()); err != nil {
			d.logger.Warn("failed to persist audit record", "error", err)
		}
	}
}

// handleCommand executes a control-socket command against the engine,
// records its metrics, and replies on its response channel. dispatch drains
// and records whatever notifications the command produced while building the
// synchronous Response.
func (d *daemon) handleCommand(cmd ctlsock.Command) {
	start := time.Now()
	resp := d.dispatch(cmd.Req)
	metrics.ControlCommands.WithLabelValues(cmd.Req.Command, resultLabel(resp.OK)).Inc()
	metrics.ControlCommandDuration.WithLabelValues(cmd.Req.Command).Observe(time.Since(start).Seconds())
	cmd.RespCh <- resp
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (d *daemon) dispatch(req ctlsock.Request) ctlsock.Response {
	var resp ctlsock.Response

	switch req.Command {
	case ctlsock.CmdInit:
		srcMAC, err := net.ParseMAC(req.SrcMAC)
		if err != nil {
			return ctlsock.Response{OK: false, Error: "invalid src_mac: " + err.Error()}
		}
		poolLen := req.PoolLength
		poolBase := maap.PoolBase
		if poolLen == 0 {
			poolLen = maap.PoolLen
		}
		if req.PoolBase != "" {
			mac, err := net.ParseMAC(req.PoolBase)
			if err != nil {
				return ctlsock.Response{OK: false, Error: "invalid pool_base: " + err.Error()}
			}
			poolBase = maap.HWAddrToUint64(mac)
		}
		err = d.eng.InitClient(req.Sender, srcMAC, poolBase, poolLen)
		resp = ctlsock.Response{OK: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}

	case ctlsock.CmdDeinit:
		d.eng.DeinitClient(req.Sender)
		resp = ctlsock.Response{OK: true}

	case ctlsock.CmdReserve:
		id, ok := d.eng.ReserveRange(req.Sender, req.Length)
		resp = ctlsock.Response{OK: ok, RangeID: id}

	case ctlsock.CmdRelease:
		d.eng.ReleaseRange(req.Sender, req.RangeID)
		resp = ctlsock.Response{OK: true, RangeID: req.RangeID}

	case ctlsock.CmdStatus:
		d.eng.RangeStatus(req.Sender, req.RangeID)
		resp = ctlsock.Response{OK: true}

	case ctlsock.CmdExit:
		resp = ctlsock.Response{OK: true}

	default:
		return ctlsock.Response{OK: false, Error: "unknown command: " + req.Command}
	}

	for _, n := range d.eng.Drain() {
		d.recordNotification(n)
		applyNotification(&resp, req, n)
	}
	return resp
}

// applyNotification folds a synchronously-produced notification into the
// in-flight Response for commands whose outcome the engine only reports
// through the notification stream (RELEASE, STATUS, and failure paths for
// INIT/RESERVE). Asynchronous notifications — ACQUIRED arriving after
// Probing completes, YIELDED from a later conflict — are logged and audited
// but never reach a control-socket Response, since no request is still
// waiting for them by the time they fire.
func applyNotification(resp *ctlsock.Response, req ctlsock.Request, n notify.Notification) {
	switch req.Command {
	case ctlsock.CmdRelease:
		if n.ID != req.RangeID {
			return
		}
		if n.Kind == notify.ErrorRelease {
			resp.OK = false
			resp.Error = n.Reason
		}
		resp.State = n.State

	case ctlsock.CmdStatus:
		if n.Kind != notify.Status || n.ID != req.RangeID {
			return
		}
		resp.Found = n.Found
		resp.State = n.State
		resp.Count = n.Count
		if n.Found {
			resp.Start = maap.Uint64ToHWAddr(n.Start).String()
		}

	case ctlsock.CmdReserve:
		if n.Kind == notify.ErrorReserve {
			resp.Error = n.Reason
		}

	case ctlsock.CmdInit:
		if n.Kind == notify.ErrorInit {
			resp.Error = n.Reason
		}
	}
}

func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func removePIDFile(path string) {
	os.Remove(path)
}
