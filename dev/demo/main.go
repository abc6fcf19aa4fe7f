package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziamarket/zia/api"
	"github.com/ziamarket/zia/auth"
	"github.com/ziamarket/zia/channel"
	"github.com/ziamarket/zia/chatstore"
	"github.com/ziamarket/zia/config"
	"github.com/ziamarket/zia/fetch"
	pb "github.com/ziamarket/zia/proto"
	"github.com/ziamarket/zia/store"
)

// The demo client chats with one peer through the relay, e.g.
//
//	go run ./dev/demo --uid u1 --name Alice --peer u2
//	go run ./dev/demo --uid u2 --name Bob --peer u1 --store-path bob.db
//
// Lines read from stdin are sent to the peer, except commands:
//
//	/history          print the local conversation
//	/services         list active services
//	/search <query>   hybrid search of services
//	/quit

var (
	flagEnvFile     = flag.String("env-file", ".env", "dotenv file, ignored if missing")
	flagUID         = flag.String("uid", "", "user id")
	flagName        = flag.String("name", "", "user display name")
	flagPeer        = flag.String("peer", "", "peer user id")
	flagToken       = flag.String("token", "", "auth token, sent as the `token` cookie instead of `x-uid`")
	flagStorePath   = flag.String("store-path", "", "message file, overrides "+config.EnvStorePath)
	flagClear       = flag.Bool("clear", false, "clear the local messages before start")
	flagHistory     = flag.Bool("history", true, "print the local conversation on start")
	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address, empty to disable")
)

const connectTimeout = 10 * time.Second

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if *flagUID == "" || *flagPeer == "" {
		return errorf("--uid and --peer are required")
	}
	if *flagUID == *flagPeer {
		return errorf("--peer must not be yourself")
	}
	name := *flagName
	if name == "" {
		name = *flagUID
	}

	conf, err := config.Load(*flagEnvFile)
	if err != nil {
		return errorf("config: %v", err)
	}
	if *flagStorePath != "" {
		conf.StorePath = *flagStorePath
	}

	jar, err := conf.NewJar()
	if err != nil {
		return errorf("cookie jar: %v", err)
	}
	if jar == nil {
		glog.Warningf("credentials are omitted, the relay will reject the handshake")
	} else if err := setAuthCookie(jar, *flagUID, *flagToken, conf.MessagesURL, conf.APIBaseURL); err != nil {
		return errorf("auth cookie: %v", err)
	}

	if *flagMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *flagMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				glog.Errorf("metrics server: %v", err)
			}
		}()
	}

	st, err := store.Open(conf.StorePath, nil)
	if err != nil {
		return errorf("open store `%s`: %v", conf.StorePath, err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *flagClear {
		if err := st.ClearMessages(ctx); err != nil {
			return errorf("clear messages: %v", err)
		}
	}

	ch, err := channel.New(conf.ChannelConfig(jar))
	if err != nil {
		return errorf("channel: %v", err)
	}
	defer ch.Close()

	syncer, err := chatstore.NewSyncer(ch, st, conf.SyncerConfig(*flagUID, name))
	if err != nil {
		return errorf("syncer: %v", err)
	}
	defer syncer.Close()

	syncer.OnChange(func(c chatstore.Change) {
		m := c.Message
		switch c.Kind {
		case chatstore.ChangeReceived:
			if m.Peer(*flagUID) == *flagPeer {
				fmt.Printf("< %s: %s\n", m.FromName, m.Message)
			}
		case chatstore.ChangeFailed, chatstore.ChangeRemoved:
			fmt.Printf("! not delivered (%s): %s, %s\n", c.Kind, m.Message, c.Reason)
		default:
			glog.V(5).Infof("demo: %s %s", c.Kind, m.PendingID)
		}
	})
	ch.Subscribe(pb.EventConnect, func(json.RawMessage) { fmt.Println("* connected") })
	ch.Subscribe(pb.EventDisconnect, func(json.RawMessage) { fmt.Println("* disconnected") })
	ch.Subscribe(pb.EventError, func(data json.RawMessage) { fmt.Printf("! relay error: %s\n", data) })

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = ch.Connect(connectCtx)
	connectCancel()
	if err != nil {
		// messages are queued until a reconnect succeeds.
		glog.Errorf("connect %s: %v", conf.MessagesURL, err)
	}

	if *flagHistory {
		printHistory(ctx, syncer)
	}

	client := api.NewClient(conf.APIBaseURL, jar)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			glog.Infof("received signal `%s` stopping", sig.String())
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := handleLine(ctx, syncer, client, strings.TrimSpace(line)); quit {
				return 0
			}
		}
	}
}

func handleLine(ctx context.Context, syncer *chatstore.Syncer, client *api.Client, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/history":
		printHistory(ctx, syncer)
	case line == "/services":
		listServices(ctx, client)
	case strings.HasPrefix(line, "/search "):
		search(ctx, client, strings.TrimPrefix(line, "/search "))
	case strings.HasPrefix(line, "/"):
		fmt.Printf("! unknown command `%s`\n", line)
	default:
		if _, err := syncer.Send(ctx, *flagPeer, line); err != nil {
			if errors.Is(err, channel.ErrQueueFull) || errors.Is(err, channel.ErrNotConnected) {
				fmt.Printf("! offline: %v\n", err)
				return false
			}
			fmt.Printf("! send: %v\n", err)
		}
	}
	return false
}

func printHistory(ctx context.Context, syncer *chatstore.Syncer) {
	msgs, err := syncer.Conversation(ctx, *flagPeer)
	if err != nil {
		fmt.Printf("! history: %v\n", err)
		return
	}
	for _, m := range msgs {
		mark := ""
		switch {
		case m.Failed:
			mark = " (failed)"
		case !m.Delivered:
			mark = " (pending)"
		}
		fmt.Printf("  %s: %s%s\n", m.FromName, m.Message, mark)
	}
}

func listServices(ctx context.Context, client *api.Client) {
	active := true
	loader := fetch.Services(client, &api.ServiceParams{IsActive: &active, Take: 20})
	defer loader.Close()

	if err := loader.Load(ctx); err != nil {
		fmt.Printf("! services: %v\n", err)
		return
	}
	for _, s := range loader.State().Data {
		fmt.Printf("  [%s] %s %.2f\n", s.ID, s.Title, s.Price)
	}
}

func search(ctx context.Context, client *api.Client, query string) {
	resp, err := client.SearchServices(ctx, &api.HybridSearchParams{Query: query, Limit: 10})
	if err != nil {
		fmt.Printf("! search: %v\n", err)
		return
	}
	fmt.Printf("  %d results (%s)\n", resp.Count, resp.SearchType)
	for _, r := range resp.Results {
		extra := ""
		if r.DistanceKm != nil {
			extra = ", " + api.FormatDistance(*r.DistanceKm)
		}
		fmt.Printf("  [%s] %s%s\n", r.ID, r.Title, extra)
	}
}

func setAuthCookie(jar http.CookieJar, uid, token string, urls ...string) error {
	cookie := &http.Cookie{Name: auth.UidCookie, Value: uid, Path: "/"}
	if token != "" {
		cookie = &http.Cookie{Name: auth.TokenCookie, Value: token, Path: "/"}
	}
	for _, s := range urls {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("parse `%s`: %v", s, err)
		}
		jar.SetCookies(u, []*http.Cookie{cookie})
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
