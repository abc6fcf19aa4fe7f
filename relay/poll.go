package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/ziamarket/zia/proto"
)

const maxPollQueue = 256

// pollSession is the long polling counterpart of Handler.
type pollSession struct {
	sync.Mutex

	hub  *Hub
	sess *Session

	queue    []*pb.Envelope
	notify   chan struct{}
	done     chan struct{}
	closing  bool
	polling  bool
	lastSeen time.Time
}

func newPollSession(hub *Hub, sess *Session) *pollSession {
	return &pollSession{
		hub:      hub,
		sess:     sess,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

func (p *pollSession) session() *Session {
	return p.sess
}

func (p *pollSession) deliver(env *pb.Envelope) bool {
	p.Lock()
	defer p.Unlock()
	if p.closing {
		return false
	}
	if len(p.queue) >= maxPollQueue {
		glog.Errorf("poll queue full, drop session: %s", p.sess.Sid)
		go p.close(WriteError)
		return false
	}
	p.queue = append(p.queue, env)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

func (p *pollSession) close(cause SessionError) {
	p.Lock()
	if p.closing {
		p.Unlock()
		return
	}
	p.closing = true
	close(p.done)
	p.Unlock()

	glog.V(5).Infof("poll session closed, cause: %d, sid: %s", cause, p.sess.Sid)
	p.hub.delPeer(p.sess.Sid)
}

// take waits up to timeout for queued events. It returns false once the session is closed.
func (p *pollSession) take(ctx context.Context, timeout time.Duration) ([]*pb.Envelope, bool) {
	p.Lock()
	p.polling = true
	p.Unlock()

	defer func() {
		p.Lock()
		p.polling = false
		p.lastSeen = time.Now()
		p.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.Lock()
		if p.closing {
			p.Unlock()
			return nil, false
		}
		if len(p.queue) > 0 {
			out := p.queue
			p.queue = nil
			p.Unlock()
			return out, true
		}
		p.Unlock()

		select {
		case <-p.notify:
		case <-p.done:
		case <-timer.C:
			return nil, true
		case <-ctx.Done():
			return nil, true
		}
	}
}

func (p *pollSession) idle(ttl time.Duration) bool {
	p.Lock()
	defer p.Unlock()
	return !p.polling && time.Since(p.lastSeen) > ttl
}

// servePoll handles the fallback transport:
// POST without sid opens a session, GET polls, POST sends one envelope, DELETE closes.
func (h *Hub) servePoll(w http.ResponseWriter, r *http.Request) {
	if h.conf.DisablePolling {
		http.Error(w, "polling transport disabled", http.StatusNotFound)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("servePoll(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sid := r.URL.Query().Get("sid")
	if sid == "" {
		if r.Method != http.MethodPost {
			http.Error(w, "sid is required", http.StatusBadRequest)
			return
		}
		h.openPoll(w, r, uid)
		return
	}

	ps, ok := h.hstore.get(sid).(*pollSession)
	if !ok || ps.sess.Uid != uid {
		http.Error(w, "unknown session", http.StatusGone)
		return
	}

	switch r.Method {
	case http.MethodGet:
		events, alive := ps.take(r.Context(), h.conf.PollTimeout)
		if !alive {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		if len(events) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			glog.Errorf("servePoll(): write events error, sid: %s, err: %v", sid, err)
		}
		for _, env := range events {
			if env.Event == pb.EventKickoff {
				ps.close(KickedOff)
				break
			}
		}
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.conf.MaxMsgSize)+1))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if len(body) > h.conf.MaxMsgSize {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		var env pb.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		h.route(ps, &env)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		ps.close(PeerClosed)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) openPoll(w http.ResponseWriter, r *http.Request, uid string) {
	ps := newPollSession(h, h.newSession(r, uid, "polling"))
	h.addPeer(ps)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&pb.PollOpen{
		Sid:           ps.sess.Sid,
		PollTimeoutMs: h.conf.PollTimeout.Milliseconds(),
	})
}
