package relay

import (
	"sort"
	"sync"

	pb "github.com/ziamarket/zia/proto"
)

// Session describes one authenticated connection.
type Session struct {
	Sid        string `json:"sid"`
	Uid        string `json:"uid"`
	CreateTime int64  `json:"create_time"` // unix nano
	Ip         string `json:"ip,omitempty"`
	Transport  string `json:"transport"`
}

// peer is a live session on any transport.
type peer interface {
	session() *Session
	// deliver queues env for the peer, false if the peer is closing.
	deliver(env *pb.Envelope) bool
	close(cause SessionError)
}

// memory peer store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	peers map[string]peer
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{peers: make(map[string]peer)}
}

func (hs *HandlerStore) get(sid string) peer {
	hs.RLock()
	p := hs.peers[sid]
	hs.RUnlock()
	return p
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.peers[sid]; ok {
		delete(hs.peers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(p peer) {
	hs.Lock()
	hs.peers[p.session().Sid] = p
	hs.Unlock()
}

func (hs *HandlerStore) getByUid(uid string) []peer {
	hs.RLock()
	defer hs.RUnlock()

	var out []peer
	for _, p := range hs.peers {
		if p.session().Uid == uid {
			out = append(out, p)
		}
	}
	return out
}

// overQuota returns the oldest sessions of uid beyond quota, order by ctime asc.
func (hs *HandlerStore) overQuota(uid string, quota int) []peer {
	if quota <= 0 {
		return nil
	}
	slice := hs.getByUid(uid)
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}
	sort.Slice(slice, func(i, j int) bool {
		return slice[i].session().CreateTime < slice[j].session().CreateTime
	})
	return slice[:n]
}

func (hs *HandlerStore) count() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.peers)
}

func (hs *HandlerStore) all() []peer {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]peer, 0, len(hs.peers))
	for _, p := range hs.peers {
		out = append(out, p)
	}
	return out
}

func (hs *HandlerStore) close() {
	// close() calls back into del(), so do not hold the lock here.
	for _, p := range hs.all() {
		p.close(ServerStop)
	}
}
