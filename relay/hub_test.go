package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziamarket/zia/auth"
	pb "github.com/ziamarket/zia/proto"
	mock_relay "github.com/ziamarket/zia/relay/mock"
)

func newTestServer(t *testing.T, sink IKafkaWriter, conf *Conf) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(&auth.MockClient{}, sink, conf)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dialAs(t *testing.T, hub *Hub, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	before := hub.Online(uid)

	header := http.Header{}
	header.Set("Cookie", auth.UidCookie+"="+uid)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultNamespace + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Online(uid) > before }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	env, err := pb.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEnv(t *testing.T, conn *websocket.Conn) *pb.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env pb.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func TestAuthRequired(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultNamespace + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouteChatMsg(t *testing.T) {
	hub, srv := newTestServer(t, nil, nil)
	alice := dialAs(t, hub, srv, "u1")
	bob := dialAs(t, hub, srv, "u2")

	sendEnv(t, alice, pb.EventMessage, &pb.ChatMsg{
		FromUserID: "u1", ToUserID: "u2", FromName: "Alice", Message: "hi", PendingID: "p1",
	})

	got := readEnv(t, bob)
	assert.Equal(t, pb.EventMessage, got.Event)
	var msg pb.ChatMsg
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, pb.ChatMsg{FromUserID: "u1", ToUserID: "u2", FromName: "Alice", Message: "hi", PendingID: "p1"}, msg)

	ack := readEnv(t, alice)
	assert.Equal(t, pb.EventDelivered, ack.Event)
	var d pb.DeliveryAck
	require.NoError(t, json.Unmarshal(ack.Data, &d))
	assert.Equal(t, pb.DeliveryAck{PendingID: "p1", ToUserID: "u2", Recipients: 1}, d)
}

func TestRejectSpoofedSender(t *testing.T) {
	hub, srv := newTestServer(t, nil, nil)
	alice := dialAs(t, hub, srv, "u1")

	sendEnv(t, alice, pb.EventMessage, &pb.ChatMsg{FromUserID: "u3", ToUserID: "u2", Message: "hi", PendingID: "p1"})

	got := readEnv(t, alice)
	assert.Equal(t, pb.EventFailed, got.Event)
	var f pb.Failure
	require.NoError(t, json.Unmarshal(got.Data, &f))
	assert.Equal(t, "p1", f.PendingID)
	assert.Equal(t, pb.ErrorCodeInvalidArguments, f.Code)

	sendEnv(t, alice, "typing", nil)
	got = readEnv(t, alice)
	assert.Equal(t, pb.EventError, got.Event)
}

func TestSinkFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	sink := mock_relay.NewMockIKafkaWriter(mockCtrl)
	sink.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	hub, srv := newTestServer(t, sink, nil)
	alice := dialAs(t, hub, srv, "u1")
	dialAs(t, hub, srv, "u2")

	sendEnv(t, alice, pb.EventMessage, &pb.ChatMsg{FromUserID: "u1", ToUserID: "u2", Message: "hi", PendingID: "p9"})

	got := readEnv(t, alice)
	assert.Equal(t, pb.EventFailed, got.Event)
	var f pb.Failure
	require.NoError(t, json.Unmarshal(got.Data, &f))
	assert.Equal(t, "p9", f.PendingID)
	assert.Equal(t, pb.ErrorCodeInternal, f.Code)
}

func TestSinkReceivesMessage(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	sink := mock_relay.NewMockIKafkaWriter(mockCtrl)
	sink.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "u1:u2", string(msgs[0].Key))
			return nil
		})

	hub, srv := newTestServer(t, sink, nil)
	alice := dialAs(t, hub, srv, "u2")

	sendEnv(t, alice, pb.EventMessage, &pb.ChatMsg{FromUserID: "u2", ToUserID: "u1", Message: "yo"})
	assert.Equal(t, pb.EventDelivered, readEnv(t, alice).Event)
}

func TestSessionQuota(t *testing.T) {
	hub, srv := newTestServer(t, nil, &Conf{SessionQuota: 1})
	first := dialAs(t, hub, srv, "u1")

	header := http.Header{}
	header.Set("Cookie", auth.UidCookie+"=u1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultNamespace + "/ws"
	second, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, pb.EventKickoff, readEnv(t, first).Event)
	assert.Eventually(t, func() bool { return hub.Online("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPolling(t *testing.T) {
	hub, srv := newTestServer(t, nil, &Conf{PollTimeout: 200 * time.Millisecond})
	bob := dialAs(t, hub, srv, "u2")

	base := srv.URL + DefaultNamespace + "/poll"
	do := func(method, url string, body []byte) *http.Response {
		req, err := http.NewRequest(method, url, bytes.NewReader(body))
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.UidCookie, Value: "u1"})
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPost, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var open pb.PollOpen
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&open))
	resp.Body.Close()
	require.NotEmpty(t, open.Sid)
	assert.EqualValues(t, 200, open.PollTimeoutMs)
	sessionURL := base + "?sid=" + open.Sid

	// empty poll times out.
	resp = do(http.MethodGet, sessionURL, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env, _ := pb.NewEnvelope(pb.EventMessage, &pb.ChatMsg{FromUserID: "u1", ToUserID: "u2", Message: "hi", PendingID: "p1"})
	body, _ := json.Marshal(env)
	resp = do(http.MethodPost, sessionURL, body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, pb.EventMessage, readEnv(t, bob).Event)

	resp = do(http.MethodGet, sessionURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []*pb.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()
	require.Len(t, events, 1)
	assert.Equal(t, pb.EventDelivered, events[0].Event)

	resp = do(http.MethodDelete, sessionURL, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(http.MethodGet, sessionURL, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestDisabledTransports(t *testing.T) {
	_, srv := newTestServer(t, nil, &Conf{DisableWebsocket: true, DisablePolling: true})

	header := http.Header{}
	header.Set("Cookie", auth.UidCookie+"=u1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultNamespace + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+DefaultNamespace+"/poll", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestReapIdle(t *testing.T) {
	hub := NewHub(&auth.MockClient{}, nil, nil)
	r := httptest.NewRequest(http.MethodPost, DefaultNamespace+"/poll", nil)
	ps := newPollSession(hub, hub.newSession(r, "u1", "polling"))
	hub.addPeer(ps)
	assert.Equal(t, 1, hub.Online("u1"))

	ps.lastSeen = time.Now().Add(-time.Hour)
	hub.reapIdle(time.Minute)
	assert.Equal(t, 0, hub.Online("u1"))
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, conversationKey("a", "b"), conversationKey("b", "a"))
}
