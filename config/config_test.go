package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziamarket/zia/channel"
	"github.com/ziamarket/zia/chatstore"
	"github.com/ziamarket/zia/store"
)

func envOf(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestResolveDefaults(t *testing.T) {
	c, err := Resolve(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ModeDevelopment, c.Mode)
	assert.False(t, c.IsProduction())
	assert.Equal(t, APIBaseURL, c.APIBaseURL)
	assert.Equal(t, MessagesURL, c.MessagesURL)
	assert.Equal(t, channel.PersistentOnly, c.Transports)
	assert.Equal(t, channel.CredentialsInclude, c.Credentials)
	assert.True(t, c.Reconnect)
	assert.Equal(t, store.DefaultFileName, c.StorePath)
	assert.Equal(t, chatstore.FailKeepFlagged, c.FailurePolicy)
	assert.Equal(t, chatstore.DefaultAckTimeout, c.AckTimeout)
}

func TestResolveProduction(t *testing.T) {
	_, err := Resolve(envOf(map[string]string{EnvMode: ModeProduction}))
	assert.Error(t, err, "production urls are not set at build time")

	c, err := Resolve(envOf(map[string]string{
		EnvMode:            ModeProduction,
		EnvAPIBaseURL:      "http://ignored",
		EnvAPIBaseURLProd:  "https://api.zia.market/api",
		EnvMessagesURLProd: "https://api.zia.market/messaging",
		EnvTransports:      "persistent-then-fallback",
		EnvCredentials:     "omit",
		EnvReconnect:       "false",
		EnvFailurePolicy:   "retry",
		EnvAckTimeout:      "5s",
	}))
	require.NoError(t, err)
	assert.True(t, c.IsProduction())
	assert.Equal(t, "https://api.zia.market/api", c.APIBaseURL)
	assert.Equal(t, "https://api.zia.market/messaging", c.MessagesURL)
	assert.Equal(t, channel.PersistentThenFallback, c.Transports)
	assert.Equal(t, channel.CredentialsOmit, c.Credentials)
	assert.False(t, c.Reconnect)
	assert.Equal(t, chatstore.FailRetry, c.FailurePolicy)
	assert.Equal(t, 5*time.Second, c.AckTimeout)

	jar, err := c.NewJar()
	require.NoError(t, err)
	assert.Nil(t, jar)
}

func TestResolveErrors(t *testing.T) {
	for _, kv := range []map[string]string{
		{EnvMode: "staging"},
		{EnvTransports: "carrier-pigeon"},
		{EnvCredentials: "sometimes"},
		{EnvReconnect: "maybe"},
		{EnvFailurePolicy: "ignore"},
		{EnvAckTimeout: "soon"},
		{EnvAckTimeout: "-1s"},
	} {
		_, err := Resolve(envOf(kv))
		assert.Error(t, err, "%v", kv)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("ZIA_API_BASE_URL_MESSAGES=http://127.0.0.1:9000/messaging\nZIA_FAILURE_POLICY=remove\n"), 0600))

	t.Setenv(EnvFailurePolicy, "retry")
	// unset, restored after the test.
	t.Setenv(EnvMessagesURL, "")
	require.NoError(t, os.Unsetenv(EnvMessagesURL))

	c, err := Load(file, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/messaging", c.MessagesURL)
	// existing variables win over the file.
	assert.Equal(t, chatstore.FailRetry, c.FailurePolicy)
}

func TestChannelConfig(t *testing.T) {
	c, err := Resolve(envOf(nil))
	require.NoError(t, err)

	jar, err := c.NewJar()
	require.NoError(t, err)
	require.NotNil(t, jar)

	cc := c.ChannelConfig(jar)
	assert.Equal(t, c.MessagesURL, cc.Endpoint)
	assert.Equal(t, channel.CredentialsInclude, cc.Credentials)
	assert.Equal(t, jar, cc.Jar)
	assert.True(t, cc.Reconnect)

	_, err = channel.New(cc)
	assert.NoError(t, err)

	sc := c.SyncerConfig("u1", "Alice")
	assert.Equal(t, "u1", sc.UserID)
	assert.Equal(t, c.AckTimeout, sc.AckTimeout)
}
