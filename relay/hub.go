package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/ziamarket/zia/auth"
	"github.com/ziamarket/zia/metrics"
	pb "github.com/ziamarket/zia/proto"
)

const (
	DefaultNamespace    = "/messaging"
	DefaultSessionQuota = 5
	DefaultPollTimeout  = 25 * time.Second
	DefaultMaxMsgSize   = 4096
)

type Conf struct {
	// Namespace is the path prefix of both transports, e.g. /messaging.
	Namespace    string
	SessionQuota int
	PollTimeout  time.Duration
	MaxMsgSize   int

	// DisableWebsocket refuses upgrades, like a proxy that strips them.
	DisableWebsocket bool
	DisablePolling   bool
}

func (c *Conf) withDefaults() *Conf {
	out := *c
	if out.Namespace == "" {
		out.Namespace = DefaultNamespace
	}
	out.Namespace = "/" + strings.Trim(out.Namespace, "/")
	if out.SessionQuota == 0 {
		out.SessionQuota = DefaultSessionQuota
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = DefaultPollTimeout
	}
	if out.MaxMsgSize <= 0 {
		out.MaxMsgSize = DefaultMaxMsgSize
	}
	return &out
}

// Hub works as a hub that manages and serves sessions and routes chat
// messages between them.
type Hub struct {
	conf       *Conf
	authClient auth.Client
	sink       IKafkaWriter
	hstore     *HandlerStore
	mux        *http.ServeMux
	stopping   int32
}

// NewHub creates a `Hub`. sink may be nil.
func NewHub(authClient auth.Client, sink IKafkaWriter, conf *Conf) *Hub {
	if conf == nil {
		conf = &Conf{}
	}
	h := &Hub{
		conf:       conf.withDefaults(),
		authClient: authClient,
		sink:       sink,
		hstore:     newHandlerStore(),
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc(h.conf.Namespace+"/ws", h.serveWebsocket)
	h.mux.HandleFunc(h.conf.Namespace+"/poll", h.servePoll)
	return h
}

// Run reaps idle polling sessions until ctx is done, then closes all sessions.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	ticker := time.NewTicker(h.conf.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.Close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case <-ticker.C:
			h.reapIdle(2 * h.conf.PollTimeout)
		}
	}
}

// Close closes all sessions and rejects new ones.
func (h *Hub) Close() {
	atomic.StoreInt32(&h.stopping, 1)
	h.hstore.close()
}

func (h *Hub) reapIdle(ttl time.Duration) {
	for _, p := range h.hstore.all() {
		if ps, ok := p.(*pollSession); ok && ps.idle(ttl) {
			glog.V(5).Infof("reap idle poll session: %s", ps.sess.Sid)
			ps.close(Expired)
		}
	}
}

// ServeHTTP serves both transports under the namespace.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.stopping) == 1 {
		http.Error(w, "relay is stopping", http.StatusServiceUnavailable)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Hub) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.conf.DisableWebsocket {
		http.Error(w, "websocket transport disabled", http.StatusBadRequest)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("serveWebsocket(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := h.newSession(r, uid, "websocket")

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("serveWebsocket(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, 64),
		sess:     sess,
		conn:     conn,
		hub:      h,
	}

	h.addPeer(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) newSession(r *http.Request, uid, transport string) *Session {
	return &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().UnixNano(),
		Ip:         getRemoteIP(r),
		Transport:  transport,
	}
}

func (h *Hub) addPeer(p peer) {
	h.hstore.add(p)
	sess := p.session()
	metrics.RelaySessions.WithLabelValues(sess.Transport).Inc()
	glog.V(5).Infof("session online: %s/%s via %s", sess.Uid, sess.Sid, sess.Transport)

	for _, old := range h.hstore.overQuota(sess.Uid, h.conf.SessionQuota) {
		glog.V(5).Infof("kickoff session over quota: %s", old.session().Sid)
		h.kickoff(old)
	}
}

func (h *Hub) delPeer(sid string) {
	p := h.hstore.get(sid)
	if p != nil && h.hstore.del(sid) {
		metrics.RelaySessions.WithLabelValues(p.session().Transport).Dec()
	}
}

func (h *Hub) kickoff(p peer) {
	if !p.deliver(&pb.Envelope{Event: pb.EventKickoff}) {
		p.close(KickedOff)
	}
}

// Kickoff kicks off the session with given sid.
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if p := h.hstore.get(sid); p != nil {
		h.kickoff(p)
	}
}

// Online counts live sessions of uid.
func (h *Hub) Online(uid string) int {
	return len(h.hstore.getByUid(uid))
}

// route handles one envelope sent by p.
func (h *Hub) route(p peer, env *pb.Envelope) {
	switch env.Event {
	case pb.EventMessage:
		h.routeChatMsg(p, env)
	default:
		glog.Errorf("route(): unsupported event `%s` from %s", env.Event, p.session().Sid)
		p.deliver(newErrorEnvelope(pb.EventError, "", pb.ErrorCodeInvalidArguments, "unsupported event: "+env.Event))
	}
}

func (h *Hub) routeChatMsg(p peer, env *pb.Envelope) {
	sess := p.session()

	var msg pb.ChatMsg
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		metrics.RelayMessages.WithLabelValues("rejected").Inc()
		p.deliver(newErrorEnvelope(pb.EventFailed, "", pb.ErrorCodeInvalidArguments, "malformed message: "+err.Error()))
		return
	}

	errs := msg.Validate()
	if msg.FromUserID != "" && msg.FromUserID != sess.Uid {
		errs = append(errs, "fromUserId: does not match session user")
	}
	if len(errs) > 0 {
		metrics.RelayMessages.WithLabelValues("rejected").Inc()
		p.deliver(newErrorEnvelope(pb.EventFailed, msg.PendingID, pb.ErrorCodeInvalidArguments, errs...))
		return
	}

	if h.sink != nil {
		if err := saveChatMsg(h.sink, &msg, h.conf.MaxMsgSize); err != nil {
			glog.Errorf("routeChatMsg(): error save message: %v", err)
			metrics.RelayMessages.WithLabelValues("failed").Inc()
			p.deliver(newErrorEnvelope(pb.EventFailed, msg.PendingID, pb.ErrorCodeInternal, "temp storage error"))
			return
		}
	}

	out, _ := pb.NewEnvelope(pb.EventMessage, &msg)
	var n int
	for _, target := range h.hstore.getByUid(msg.ToUserID) {
		if target.deliver(out) {
			n++
		}
	}

	metrics.RelayMessages.WithLabelValues("delivered").Inc()
	ack, _ := pb.NewEnvelope(pb.EventDelivered, &pb.DeliveryAck{
		PendingID:  msg.PendingID,
		ToUserID:   msg.ToUserID,
		Recipients: n,
	})
	p.deliver(ack)
}

func newErrorEnvelope(event, pendingID string, code int, params ...string) *pb.Envelope {
	env, _ := pb.NewEnvelope(event, &pb.Failure{
		PendingID: pendingID,
		Code:      code,
		Params:    params,
	})
	return env
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
