package channel

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

type CredentialMode int

const (
	// CredentialsOmit sends no cookies on the handshake.
	CredentialsOmit CredentialMode = iota
	// CredentialsInclude forwards the cookie jar on every transport.
	CredentialsInclude
)

func (m CredentialMode) String() string {
	if m == CredentialsInclude {
		return "include"
	}
	return "omit"
}

type Transport string

const (
	TransportWebsocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// TransportPolicy lists allowed transports, most preferred first.
type TransportPolicy []Transport

var (
	// PersistentOnly fails fast when websocket is refused, e.g. by a proxy.
	PersistentOnly = TransportPolicy{TransportWebsocket}
	// PersistentThenFallback falls back to long polling.
	PersistentThenFallback = TransportPolicy{TransportWebsocket, TransportPolling}
)

// ParseTransportPolicy accepts `persistent-only`, `persistent-then-fallback`
// or a comma separated transport list like `websocket,polling`.
func ParseTransportPolicy(s string) (TransportPolicy, error) {
	switch strings.TrimSpace(s) {
	case "", "persistent-only":
		return PersistentOnly, nil
	case "persistent-then-fallback":
		return PersistentThenFallback, nil
	}

	var out TransportPolicy
	seen := make(map[Transport]bool)
	for _, v := range strings.Split(s, ",") {
		t := Transport(strings.TrimSpace(v))
		switch t {
		case TransportWebsocket, TransportPolling:
		default:
			return nil, fmt.Errorf("unknown transport `%s`", v)
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicated transport `%s`", v)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// SendPolicy decides what Send does while disconnected.
type SendPolicy int

const (
	// SendQueue buffers events and flushes them in order on the next connect.
	SendQueue SendPolicy = iota
	// SendDrop rejects events with ErrNotConnected.
	SendDrop
)

const (
	DefaultQueueSize   = 64
	DefaultDialTimeout = 10 * time.Second

	wsPath   = "/ws"
	pollPath = "/poll"
)

// Config is fixed once per channel.
type Config struct {
	// Endpoint is the full address including the namespace, e.g. https://host/messaging.
	Endpoint    string
	Credentials CredentialMode
	Transports  TransportPolicy

	// Jar holds the credentials to forward, used only with CredentialsInclude.
	// An empty public suffix aware jar is created when nil.
	Jar http.CookieJar

	SendPolicy SendPolicy
	QueueSize  int

	// Reconnect re-dials with backoff after the transport drops.
	Reconnect   bool
	DialTimeout time.Duration
}

// endpoints resolved from Config.Endpoint.
type endpoints struct {
	ws   string
	poll string
}

func (c *Config) resolve() (*endpoints, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint `%s`: %v", c.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint `%s`: missing host", c.Endpoint)
	}

	var wsScheme, httpScheme string
	switch u.Scheme {
	case "http", "ws":
		wsScheme, httpScheme = "ws", "http"
	case "https", "wss":
		wsScheme, httpScheme = "wss", "https"
	default:
		return nil, fmt.Errorf("endpoint `%s`: unsupported scheme `%s`", c.Endpoint, u.Scheme)
	}

	ns := strings.TrimRight(u.Path, "/")
	ws := *u
	ws.Scheme, ws.Path = wsScheme, ns+wsPath
	poll := *u
	poll.Scheme, poll.Path = httpScheme, ns+pollPath

	return &endpoints{ws: ws.String(), poll: poll.String()}, nil
}

func (c *Config) validate() error {
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	for _, t := range c.Transports {
		if t != TransportWebsocket && t != TransportPolling {
			return fmt.Errorf("unknown transport `%s`", t)
		}
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative")
	}
	return nil
}

// withDefaults returns a copy of c with zero values filled.
func (c *Config) withDefaults() (*Config, error) {
	out := *c
	if len(out.Transports) == 0 {
		out.Transports = PersistentOnly
	}
	if out.QueueSize == 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Credentials == CredentialsInclude {
		if out.Jar == nil {
			jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
			if err != nil {
				return nil, err
			}
			out.Jar = jar
		}
	} else {
		out.Jar = nil
	}
	return &out, nil
}
