package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	pb "github.com/ziamarket/zia/proto"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
	Expired    SessionError = 7
	PeerClosed SessionError = 8
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The channel forwards cookies cross origin, origin is checked by the auth client.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler manages an active websocket connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub  *Hub
	sess *Session
	conn *websocket.Conn

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error    SessionError `json:"error,omitempty"`
	Envelope *pb.Envelope `json:"envelope,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.sess)
	return string(out)
}

func (h *Handler) session() *Session {
	return h.sess
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	h.hub.delPeer(h.sess.Sid)
}

func (h *Handler) deliver(env *pb.Envelope) bool {
	return h.appendDataChan(&SessionData{Envelope: env})
}

func (h *Handler) appendDataChan(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- v:
		return true
	default:
		// a reader that can not keep up is dropped rather than blocking the router.
		glog.Errorf("session send buffer full, drop session: %s", h)
		go h.close(WriteError)
		return false
	}
}

func sendEnvelope(conn *websocket.Conn, env *pb.Envelope) error {
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(int64(h.hub.conf.MaxMsgSize))
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.appendDataChan(&SessionData{Error: PeerClosed})
			} else {
				glog.V(5).Infof("recvLoop(): read error: %v", err)
				h.appendDataChan(&SessionData{Error: ReadError})
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.deliver(newErrorEnvelope(pb.EventError, "", pb.ErrorCodeInvalidArguments,
				"websocket only supports TextMessage"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		var env pb.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.deliver(newErrorEnvelope(pb.EventError, "", pb.ErrorCodeInvalidArguments,
				fmt.Sprintf("unmarshal error: %v", err)))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		h.hub.route(h, &env)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.Envelope == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendEnvelope(h.conn, v.Envelope); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, event: %s, err: %v",
					h, v.Envelope.Event, err)
				h.close(WriteError)
				return
			}
			if v.Envelope.Event == pb.EventKickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
