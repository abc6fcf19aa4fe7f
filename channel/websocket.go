package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	pb "github.com/ziamarket/zia/proto"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024
)

// transport is one live low level connection.
type transport interface {
	kind() Transport
	send(ctx context.Context, env *pb.Envelope) error
	// recv is closed when the transport is gone.
	recv() <-chan *pb.Envelope
	close()
}

// wsTransport is the persistent transport.
type wsTransport struct {
	conn     *websocket.Conn
	dataChan chan *pb.Envelope
	recvChan chan *pb.Envelope
	done     chan struct{}
	once     sync.Once
}

func dialWebsocket(ctx context.Context, url string, jar http.CookieJar, timeout time.Duration) (*wsTransport, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Jar:              jar,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}

	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected: %s", resp.Status)
		}
		return nil, err
	}

	t := &wsTransport{
		conn:     conn,
		dataChan: make(chan *pb.Envelope, 16),
		recvChan: make(chan *pb.Envelope, 64),
		done:     make(chan struct{}),
	}
	go t.recvLoop()
	go t.sendLoop()
	return t, nil
}

func (t *wsTransport) kind() Transport {
	return TransportWebsocket
}

func (t *wsTransport) recv() <-chan *pb.Envelope {
	return t.recvChan
}

func (t *wsTransport) send(ctx context.Context, env *pb.Envelope) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}

	select {
	case t.dataChan <- env:
		return nil
	case <-t.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) close() {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		t.conn.Close()
	})
}

func (t *wsTransport) recvLoop() {
	defer func() {
		close(t.recvChan)
		glog.V(5).Infof("websocket: recvLoop(): exited")
	}()

	t.conn.SetReadLimit(readLimit)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	t.conn.SetPingHandler(func(data string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := t.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, msg, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				glog.Errorf("websocket: recvLoop(): read error: %v", err)
			}
			t.close()
			return
		}

		if msgType != websocket.TextMessage {
			glog.Errorf("websocket: recvLoop(): unexpected message type: %d", msgType)
			continue
		}

		var env pb.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			glog.Errorf("websocket: recvLoop(): malformed frame: %s, err: %v", string(msg), err)
			continue
		}
		glog.V(5).Infof("websocket: recvLoop(): incoming event: %s", env.Event)
		t.recvChan <- &env
	}
}

func (t *wsTransport) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("websocket: sendLoop(): exited")
	}()

	for {
		select {
		case <-t.done:
			return
		case env := <-t.dataChan:
			out, err := json.Marshal(env)
			if err != nil {
				glog.Errorf("websocket: sendLoop(): marshal %s error: %v", env.Event, err)
				continue
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, out); err != nil {
				glog.Errorf("websocket: sendLoop(): write error: %v", err)
				t.close()
				return
			}
		case <-pingTicker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Errorf("websocket: sendLoop(): ping error: %v", err)
				t.close()
				return
			}
		}
	}
}
