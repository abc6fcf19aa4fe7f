package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziamarket/zia/auth"
	"github.com/ziamarket/zia/relay"
)

const (
	minSessionQuota = 1
	maxSessionQuota = 10

	minPollTimeout = time.Second
	maxPollTimeout = 60 * time.Second

	shutdownTimeout = 5 * time.Second
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "zia-relay.pid", "pid file")
	flagNamespace    = flag.String("namespace", relay.DefaultNamespace, "path prefix of the messaging transports")
	flagSessionQuota = flag.Uint("session-quota", relay.DefaultSessionQuota, "per user session quota, allowed value in [1, 10]")
	flagPollTimeout  = flag.Duration("poll-timeout", relay.DefaultPollTimeout, "long polling timeout, allowed value in [1s, 60s]")
	flagMaxMsgSize   = flag.Int("max-msg-size", relay.DefaultMaxMsgSize, "max size of one chat message in bytes")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty to disable the message sink")
	flagKafkaTopic   = flag.String("kafka-topic", "zia-chat-messages", "kafka topic of the message sink")

	flagDisableWebsocket = flag.Bool("disable-websocket", false, "refuse websocket upgrades, clients must fall back to polling")
	flagDisablePolling   = flag.Bool("disable-polling", false, "disable the long polling transport")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	var sink relay.IKafkaWriter
	if *flagKafkaBrokers != "" {
		w := relay.NewKafkaSink(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		defer w.Close()
		sink = w
		glog.Infof("message sink: kafka topic `%s` on %s", *flagKafkaTopic, *flagKafkaBrokers)
	}

	hub := relay.NewHub(newAuthClient(), sink, &relay.Conf{
		Namespace:        *flagNamespace,
		SessionQuota:     int(*flagSessionQuota),
		PollTimeout:      *flagPollTimeout,
		MaxMsgSize:       *flagMaxMsgSize,
		DisableWebsocket: *flagDisableWebsocket,
		DisablePolling:   *flagDisablePolling,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/"+strings.Trim(*flagNamespace, "/")+"/", hub)

	srv := &http.Server{
		Addr:              *flagAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx, stopNotifyChan)

	serveErrC := make(chan error, 1)
	go func() {
		glog.Infof("relay is listening on %s", *flagAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrC <- err
		}
	}()

	glog.Infof("zia relay is started")
	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool
	var exitCode int

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	stop := func() {
		if stopping {
			glog.Infof("zia relay is already in stop")
			return
		}
		stopping = true
		go func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			// close sessions first, hijacked websocket connections are not tracked by the server.
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				glog.Errorf("http server shutdown error: %v", err)
			}
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	var prof *Profiler

	for {
		select {
		case err := <-serveErrC:
			exitCode = errorf("http server error: %v", err)
			stop()
			serveErrC = nil
		case sig, ok := <-sigCh:
			if !ok {
				if prof != nil {
					prof.Stop()
				}
				glog.Info("zia relay exited")
				return exitCode
			}
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				stop()
			}
		}
	}
}

func newAuthClient() auth.Client {
	// TODO: verify tokens against the marketplace auth API once it exposes a verify endpoint.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if ns := strings.Trim(*flagNamespace, "/"); ns == "" || strings.ContainsAny(ns, "?#") {
		return errorf("invalid --namespace `%s`", *flagNamespace)
	}

	if *flagSessionQuota < minSessionQuota || *flagSessionQuota > maxSessionQuota {
		return errorf("--session-quota MUST in range [%d, %d]", minSessionQuota, maxSessionQuota)
	}
	if *flagPollTimeout < minPollTimeout || *flagPollTimeout > maxPollTimeout {
		return errorf("--poll-timeout MUST in range [%s, %s]", minPollTimeout, maxPollTimeout)
	}
	if *flagMaxMsgSize <= 0 {
		return errorf("--max-msg-size is required positive integer")
	}

	if *flagKafkaBrokers != "" {
		for _, b := range strings.Split(*flagKafkaBrokers, ",") {
			if _, _, err := net.SplitHostPort(b); err != nil {
				return errorf("--kafka-brokers: invalid broker `%s`: %v", b, err)
			}
		}
		if *flagKafkaTopic == "" {
			return errorf("--kafka-topic is required with --kafka-brokers")
		}
	}

	if *flagDisableWebsocket && *flagDisablePolling {
		return errorf("--disable-websocket and --disable-polling: at least one transport is required")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
