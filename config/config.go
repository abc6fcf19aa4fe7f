// Package config resolves the client configuration from values set at build
// time and from the environment, optionally loaded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"golang.org/x/net/publicsuffix"

	"github.com/ziamarket/zia/channel"
	"github.com/ziamarket/zia/chatstore"
	"github.com/ziamarket/zia/store"
)

// Set at build time, e.g.
//
//	go build -ldflags "-X github.com/ziamarket/zia/config.Mode=production \
//	  -X github.com/ziamarket/zia/config.MessagesURLProd=https://api.zia.market/messaging"
var (
	Mode            = ModeDevelopment
	APIBaseURL      = "http://localhost:5000/api"
	APIBaseURLProd  = ""
	MessagesURL     = "http://localhost:8000/messaging"
	MessagesURLProd = ""
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Environment variables, they win over build time values.
const (
	EnvMode            = "ZIA_MODE"
	EnvAPIBaseURL      = "ZIA_API_BASE_URL"
	EnvAPIBaseURLProd  = "ZIA_API_BASE_URL_PROD"
	EnvMessagesURL     = "ZIA_API_BASE_URL_MESSAGES"
	EnvMessagesURLProd = "ZIA_API_BASE_URL_MESSAGES_PROD"
	EnvTransports      = "ZIA_TRANSPORTS"
	EnvCredentials     = "ZIA_CREDENTIALS"
	EnvStorePath       = "ZIA_STORE_PATH"
	EnvFailurePolicy   = "ZIA_FAILURE_POLICY"
	EnvAckTimeout      = "ZIA_ACK_TIMEOUT"
	EnvReconnect       = "ZIA_RECONNECT"
)

type Config struct {
	Mode        string
	APIBaseURL  string
	MessagesURL string

	Transports  channel.TransportPolicy
	Credentials channel.CredentialMode
	Reconnect   bool

	StorePath     string
	FailurePolicy chatstore.FailurePolicy
	AckTimeout    time.Duration
}

func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// Load reads the given .env files, `.env` when none, and resolves the
// configuration. Missing files are ignored and existing variables are not
// overridden.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		glog.V(5).Infof("config: loaded %s", f)
	}
	return Resolve(os.Getenv)
}

// Resolve builds the configuration from getenv and the build time values.
func Resolve(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	c := &Config{Mode: get(EnvMode, Mode)}
	switch c.Mode {
	case ModeDevelopment:
		c.APIBaseURL = get(EnvAPIBaseURL, APIBaseURL)
		c.MessagesURL = get(EnvMessagesURL, MessagesURL)
	case ModeProduction:
		c.APIBaseURL = get(EnvAPIBaseURLProd, APIBaseURLProd)
		c.MessagesURL = get(EnvMessagesURLProd, MessagesURLProd)
	default:
		return nil, fmt.Errorf("%s: unknown mode `%s`", EnvMode, c.Mode)
	}
	if c.APIBaseURL == "" {
		return nil, fmt.Errorf("api base url is not configured for %s", c.Mode)
	}
	if c.MessagesURL == "" {
		return nil, fmt.Errorf("messages url is not configured for %s", c.Mode)
	}

	var err error
	if c.Transports, err = channel.ParseTransportPolicy(get(EnvTransports, "persistent-only")); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvTransports, err)
	}

	switch v := get(EnvCredentials, "include"); v {
	case "include":
		c.Credentials = channel.CredentialsInclude
	case "omit":
		c.Credentials = channel.CredentialsOmit
	default:
		return nil, fmt.Errorf("%s: expect `include` or `omit`, got `%s`", EnvCredentials, v)
	}

	switch v := get(EnvReconnect, "true"); v {
	case "true", "1":
		c.Reconnect = true
	case "false", "0":
	default:
		return nil, fmt.Errorf("%s: expect a boolean, got `%s`", EnvReconnect, v)
	}

	c.StorePath = get(EnvStorePath, store.DefaultFileName)

	switch v := get(EnvFailurePolicy, chatstore.FailKeepFlagged.String()); v {
	case chatstore.FailKeepFlagged.String():
		c.FailurePolicy = chatstore.FailKeepFlagged
	case chatstore.FailRemove.String():
		c.FailurePolicy = chatstore.FailRemove
	case chatstore.FailRetry.String():
		c.FailurePolicy = chatstore.FailRetry
	default:
		return nil, fmt.Errorf("%s: unknown policy `%s`", EnvFailurePolicy, v)
	}

	if c.AckTimeout, err = time.ParseDuration(get(EnvAckTimeout, chatstore.DefaultAckTimeout.String())); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvAckTimeout, err)
	}
	if c.AckTimeout <= 0 {
		return nil, fmt.Errorf("%s: must be positive", EnvAckTimeout)
	}

	glog.Infof("config: mode %s, api %s, messages %s", c.Mode, c.APIBaseURL, c.MessagesURL)
	return c, nil
}

// NewJar creates the cookie jar shared by the api client and the channel.
// It is nil when credentials are omitted.
func (c *Config) NewJar() (http.CookieJar, error) {
	if c.Credentials != channel.CredentialsInclude {
		return nil, nil
	}
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

func (c *Config) ChannelConfig(jar http.CookieJar) *channel.Config {
	return &channel.Config{
		Endpoint:    c.MessagesURL,
		Credentials: c.Credentials,
		Transports:  c.Transports,
		Jar:         jar,
		Reconnect:   c.Reconnect,
	}
}

func (c *Config) SyncerConfig(userID, userName string) *chatstore.Conf {
	return &chatstore.Conf{
		UserID:        userID,
		UserName:      userName,
		AckTimeout:    c.AckTimeout,
		FailurePolicy: c.FailurePolicy,
	}
}
