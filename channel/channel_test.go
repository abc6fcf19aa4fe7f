package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziamarket/zia/auth"
	pb "github.com/ziamarket/zia/proto"
	"github.com/ziamarket/zia/relay"
)

const waitFor = 3 * time.Second

func newRelay(t *testing.T, conf *relay.Conf) (*relay.Hub, *httptest.Server) {
	t.Helper()
	hub := relay.NewHub(&auth.MockClient{}, nil, conf)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func jarFor(t *testing.T, srv *httptest.Server, uid string) http.CookieJar {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: auth.UidCookie, Value: uid, Path: "/"}})
	return jar
}

func newChannel(t *testing.T, srv *httptest.Server, uid string, mod func(*Config)) *Channel {
	t.Helper()
	conf := &Config{
		Endpoint:    srv.URL + relay.DefaultNamespace,
		Credentials: CredentialsInclude,
		Jar:         jarFor(t, srv, uid),
		DialTimeout: 2 * time.Second,
	}
	if mod != nil {
		mod(conf)
	}
	c, err := New(conf)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// events collects the payloads of event.
func events(c *Channel, event string) <-chan json.RawMessage {
	out := make(chan json.RawMessage, 16)
	c.Subscribe(event, func(data json.RawMessage) {
		select {
		case out <- data:
		default:
		}
	})
	return out
}

func recvWithin(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestConnectWebsocket(t *testing.T) {
	hub, srv := newRelay(t, nil)
	c := newChannel(t, srv, "u1", nil)
	connected := events(c, pb.EventConnect)
	disconnected := events(c, pb.EventDisconnect)

	assert.False(t, c.IsConnected())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	recvWithin(t, connected)
	assert.Eventually(t, func() bool { return hub.Online("u1") == 1 }, waitFor, 10*time.Millisecond)

	// connect is idempotent.
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, connected, 0)
	assert.Equal(t, 1, hub.Online("u1"))

	c.Disconnect()
	assert.False(t, c.IsConnected())
	recvWithin(t, disconnected)
	assert.Eventually(t, func() bool { return hub.Online("u1") == 0 }, waitFor, 10*time.Millisecond)

	// disconnect is idempotent.
	c.Disconnect()
	assert.Len(t, disconnected, 0)
}

func TestCredentialsOmitted(t *testing.T) {
	_, srv := newRelay(t, nil)
	c := newChannel(t, srv, "u1", func(conf *Config) {
		conf.Credentials = CredentialsOmit
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.Contains(t, err.Error(), "handshake rejected")
	assert.False(t, c.IsConnected())
}

func TestSendBetweenUsers(t *testing.T) {
	hub, srv := newRelay(t, nil)
	alice := newChannel(t, srv, "u1", nil)
	bob := newChannel(t, srv, "u2", nil)

	acks := events(alice, pb.EventDelivered)
	inbox := events(bob, pb.EventMessage)

	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))
	require.Eventually(t, func() bool { return hub.Online("u2") == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, alice.Send(pb.EventMessage, &pb.ChatMsg{
		FromUserID: "u1", ToUserID: "u2", FromName: "Alice", Message: "is the sofa still available?", PendingID: "p1",
	}))

	var msg pb.ChatMsg
	require.NoError(t, json.Unmarshal(recvWithin(t, inbox), &msg))
	assert.Equal(t, "is the sofa still available?", msg.Message)
	assert.Equal(t, "p1", msg.PendingID)

	var ack pb.DeliveryAck
	require.NoError(t, json.Unmarshal(recvWithin(t, acks), &ack))
	assert.Equal(t, "p1", ack.PendingID)
	assert.Equal(t, 1, ack.Recipients)
}

func TestPollingFallback(t *testing.T) {
	hub, srv := newRelay(t, &relay.Conf{DisableWebsocket: true, PollTimeout: 300 * time.Millisecond})

	strict := newChannel(t, srv, "u1", func(conf *Config) {
		conf.Transports = PersistentOnly
	})
	err := strict.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))

	alice := newChannel(t, srv, "u1", func(conf *Config) {
		conf.Transports = PersistentThenFallback
	})
	bob := newChannel(t, srv, "u2", func(conf *Config) {
		conf.Transports = PersistentThenFallback
	})
	acks := events(alice, pb.EventDelivered)
	inbox := events(bob, pb.EventMessage)

	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))
	alice.mu.Lock()
	assert.Equal(t, TransportPolling, alice.t.kind())
	alice.mu.Unlock()

	require.NoError(t, alice.Send(pb.EventMessage, &pb.ChatMsg{
		FromUserID: "u1", ToUserID: "u2", Message: "hi", PendingID: "p1",
	}))

	var msg pb.ChatMsg
	require.NoError(t, json.Unmarshal(recvWithin(t, inbox), &msg))
	assert.Equal(t, "hi", msg.Message)
	recvWithin(t, acks)

	alice.Close()
	assert.Eventually(t, func() bool { return hub.Online("u1") == 0 }, waitFor, 10*time.Millisecond)
}

func TestQueueFlushOnConnect(t *testing.T) {
	hub, srv := newRelay(t, nil)
	alice := newChannel(t, srv, "u1", nil)
	bob := newChannel(t, srv, "u2", nil)
	inbox := events(bob, pb.EventMessage)

	require.NoError(t, bob.Connect(context.Background()))
	require.Eventually(t, func() bool { return hub.Online("u2") == 1 }, waitFor, 10*time.Millisecond)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, alice.Send(pb.EventMessage, &pb.ChatMsg{FromUserID: "u1", ToUserID: "u2", Message: text}))
	}
	require.NoError(t, alice.Connect(context.Background()))

	for _, want := range []string{"one", "two", "three"} {
		var msg pb.ChatMsg
		require.NoError(t, json.Unmarshal(recvWithin(t, inbox), &msg))
		assert.Equal(t, want, msg.Message)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	_, srv := newRelay(t, nil)

	drop := newChannel(t, srv, "u1", func(conf *Config) {
		conf.SendPolicy = SendDrop
	})
	assert.Equal(t, ErrNotConnected, drop.Send(pb.EventMessage, nil))

	queue := newChannel(t, srv, "u1", func(conf *Config) {
		conf.QueueSize = 1
	})
	assert.NoError(t, queue.Send(pb.EventMessage, nil))
	assert.Equal(t, ErrQueueFull, queue.Send(pb.EventMessage, nil))
}

func TestReconnect(t *testing.T) {
	hub, srv := newRelay(t, &relay.Conf{SessionQuota: 1})
	c := newChannel(t, srv, "u1", func(conf *Config) {
		conf.Reconnect = true
	})
	connected := events(c, pb.EventConnect)
	disconnected := events(c, pb.EventDisconnect)

	require.NoError(t, c.Connect(context.Background()))
	recvWithin(t, connected)
	require.Eventually(t, func() bool { return hub.Online("u1") == 1 }, waitFor, 10*time.Millisecond)

	// a second session of the same user kicks the channel off.
	header := http.Header{}
	header.Set("Cookie", auth.UidCookie+"=u1")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + relay.DefaultNamespace + "/ws"
	other, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer other.Close()

	recvWithin(t, disconnected)
	recvWithin(t, connected)
	assert.True(t, c.IsConnected())
}

func TestSubscribe(t *testing.T) {
	c, err := New(&Config{Endpoint: "http://localhost/messaging"})
	require.NoError(t, err)

	var a, b int
	unsubA := c.Subscribe("ping", func(json.RawMessage) { a++ })
	c.Subscribe("ping", func(json.RawMessage) { b++ })

	c.dispatch("ping", nil)
	unsubA()
	unsubA()
	c.dispatch("ping", nil)
	c.dispatch("pong", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)

	_, err = New(&Config{Endpoint: "ftp://host/messaging"})
	assert.Error(t, err)

	_, err = New(&Config{Endpoint: "http://host", Transports: TransportPolicy{"carrier-pigeon"}})
	assert.Error(t, err)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c, err := New(&Config{Endpoint: "http://host", Jar: jar})
	require.NoError(t, err)
	assert.Nil(t, c.conf.Jar)
	assert.Equal(t, PersistentOnly, c.conf.Transports)
	assert.Equal(t, DefaultQueueSize, c.conf.QueueSize)

	c, err = New(&Config{Endpoint: "http://host", Credentials: CredentialsInclude})
	require.NoError(t, err)
	assert.NotNil(t, c.conf.Jar)
}
