package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/ziamarket/zia/metrics"
	pb "github.com/ziamarket/zia/proto"
	"github.com/ziamarket/zia/store"
)

// storeTimeout bounds store work done from channel callbacks and timers.
const storeTimeout = 5 * time.Second

var ErrClosed = errors.New("chatstore: syncer closed")

type pendingMsg struct {
	msg      pb.ChatMsg
	attempts int
	timer    *time.Timer
}

// Syncer keeps the local store of one user consistent with the channel stream.
type Syncer struct {
	conf *Conf
	ch   IChannel
	st   store.IMessageStore

	mu       sync.Mutex
	pending  map[string]*pendingMsg
	onChange func(Change)
	unsubs   []func()
	closed   bool

	// rmu serializes read-modify-write sequences on records.
	rmu sync.Mutex
}

// NewSyncer subscribes to the chat events of ch and applies them to st.
func NewSyncer(ch IChannel, st store.IMessageStore, conf *Conf) (*Syncer, error) {
	if conf == nil || conf.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	c := *conf
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	s := &Syncer{
		conf:    &c,
		ch:      ch,
		st:      st,
		pending: make(map[string]*pendingMsg),
	}
	s.unsubs = []func(){
		ch.Subscribe(pb.EventMessage, s.onMessage),
		ch.Subscribe(pb.EventDelivered, s.onDelivered),
		ch.Subscribe(pb.EventFailed, s.onFailed),
	}
	glog.Infof("chatstore: syncing user %s, failure policy %s", c.UserID, c.FailurePolicy)
	return s, nil
}

// OnChange sets the callback invoked after each store update. It runs on the
// channel goroutine or an ack timer and must not block.
func (s *Syncer) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Syncer) notify(kind ChangeKind, m *store.Message, reason string) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(Change{Kind: kind, Message: m, Reason: reason})
	}
}

// Send stores a new pending message to peer and writes it to the channel.
// The record is saved before sending; a channel error fails it per policy
// and is returned.
func (s *Syncer) Send(ctx context.Context, to, text string) (*store.Message, error) {
	if to == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: recipient and text are required", store.ErrInvalidMessage)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rec := &store.Message{
		FromUserID: s.conf.UserID,
		ToUserID:   to,
		FromName:   s.conf.UserName,
		Message:    text,
		PendingID:  uuid.New(),
	}
	if err := s.st.SaveMessages(ctx, []*store.Message{rec}); err != nil {
		return nil, err
	}

	msg := pb.ChatMsg{
		FromUserID: rec.FromUserID,
		ToUserID:   rec.ToUserID,
		FromName:   rec.FromName,
		Message:    rec.Message,
		PendingID:  rec.PendingID,
	}

	s.mu.Lock()
	p := &pendingMsg{msg: msg, attempts: 1}
	p.timer = s.armTimer(rec.PendingID, 1)
	s.pending[rec.PendingID] = p
	metrics.ChatPending.Set(float64(len(s.pending)))
	s.mu.Unlock()

	out := *rec
	s.notify(ChangeSent, &out, "")

	if err := s.ch.Send(pb.EventMessage, &msg); err != nil {
		glog.Errorf("chatstore: send %s error: %v", rec.PendingID, err)
		s.fail(rec.PendingID, 0, err.Error())
		return &out, fmt.Errorf("send message: %w", err)
	}
	glog.V(5).Infof("chatstore: sent %s to %s", rec.PendingID, to)
	return &out, nil
}

// armTimer requires mu.
func (s *Syncer) armTimer(pendingID string, attempt int) *time.Timer {
	return time.AfterFunc(s.conf.AckTimeout, func() {
		s.fail(pendingID, attempt, "ack timeout")
	})
}

// fail resolves a pending message as failed, or resends it under FailRetry.
// attempt > 0 ignores the call unless it matches the current attempt.
func (s *Syncer) fail(pendingID string, attempt int, reason string) {
	for {
		s.mu.Lock()
		p := s.pending[pendingID]
		if p == nil || s.closed || (attempt > 0 && p.attempts != attempt) {
			s.mu.Unlock()
			return
		}
		p.timer.Stop()

		if s.conf.FailurePolicy == FailRetry && p.attempts <= s.conf.MaxRetries {
			p.attempts++
			attempt = p.attempts
			p.timer = s.armTimer(pendingID, attempt)
			msg := p.msg
			s.mu.Unlock()

			metrics.ChatOutcomes.WithLabelValues("retried").Inc()
			glog.V(5).Infof("chatstore: retry %s (%d/%d), last error: %s", pendingID, attempt-1, s.conf.MaxRetries, reason)
			if err := s.ch.Send(pb.EventMessage, &msg); err != nil {
				reason = err.Error()
				continue
			}
			return
		}

		delete(s.pending, pendingID)
		metrics.ChatPending.Set(float64(len(s.pending)))
		s.mu.Unlock()

		s.settleFailed(pendingID, reason)
		return
	}
}

func (s *Syncer) settleFailed(pendingID, reason string) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := s.st.FindByPendingID(ctx, pendingID)
	if err != nil {
		glog.Errorf("chatstore: find %s error: %v", pendingID, err)
		return
	}
	if rec == nil || rec.Delivered {
		return
	}

	metrics.ChatOutcomes.WithLabelValues("failed").Inc()
	glog.Errorf("chatstore: message %s failed: %s", pendingID, reason)

	if s.conf.FailurePolicy == FailRemove {
		if err := s.st.DeleteMessage(ctx, rec.ID); err != nil {
			glog.Errorf("chatstore: delete %d error: %v", rec.ID, err)
			return
		}
		s.notify(ChangeRemoved, rec, reason)
		return
	}

	rec.Failed = true
	if err := s.st.SaveMessages(ctx, []*store.Message{rec}); err != nil {
		glog.Errorf("chatstore: flag %d error: %v", rec.ID, err)
		return
	}
	s.notify(ChangeFailed, rec, reason)
}

func (s *Syncer) onDelivered(data json.RawMessage) {
	var ack pb.DeliveryAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.PendingID == "" {
		glog.Errorf("chatstore: bad delivery ack: %s", string(data))
		return
	}

	if !s.settle(ack.PendingID) {
		return
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := s.st.FindByPendingID(ctx, ack.PendingID)
	if err != nil {
		glog.Errorf("chatstore: find %s error: %v", ack.PendingID, err)
		return
	}
	if rec == nil || (rec.Delivered && !rec.Failed) {
		// unknown or redelivered ack.
		return
	}

	rec.Delivered = true
	rec.Failed = false
	if err := s.st.SaveMessages(ctx, []*store.Message{rec}); err != nil {
		glog.Errorf("chatstore: mark delivered %d error: %v", rec.ID, err)
		return
	}
	metrics.ChatOutcomes.WithLabelValues("delivered").Inc()
	glog.V(5).Infof("chatstore: delivered %s to %d sessions", ack.PendingID, ack.Recipients)
	s.notify(ChangeDelivered, rec, "")
}

// settle stops tracking pendingID, false once the syncer is closed.
func (s *Syncer) settle(pendingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if p := s.pending[pendingID]; p != nil {
		p.timer.Stop()
		delete(s.pending, pendingID)
		metrics.ChatPending.Set(float64(len(s.pending)))
	}
	return true
}

func (s *Syncer) onFailed(data json.RawMessage) {
	var f pb.Failure
	if err := json.Unmarshal(data, &f); err != nil {
		glog.Errorf("chatstore: bad failure event: %s", string(data))
		return
	}
	if f.PendingID == "" {
		glog.Errorf("chatstore: relay rejected a message: code %d, %v", f.Code, f.Params)
		return
	}
	reason := fmt.Sprintf("code %d", f.Code)
	if len(f.Params) > 0 {
		reason += ": " + strings.Join(f.Params, "; ")
	}
	s.fail(f.PendingID, 0, reason)
}

func (s *Syncer) onMessage(data json.RawMessage) {
	var msg pb.ChatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		glog.Errorf("chatstore: bad message event: %s", string(data))
		return
	}
	if errs := msg.Validate(); len(errs) > 0 {
		glog.Errorf("chatstore: drop invalid message: %v", errs)
		return
	}
	if msg.ToUserID != s.conf.UserID && msg.FromUserID != s.conf.UserID {
		glog.Errorf("chatstore: drop message between %s and %s", msg.FromUserID, msg.ToUserID)
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	pendingID := msg.PendingID
	if pendingID != "" {
		rec, err := s.st.FindByPendingID(ctx, pendingID)
		if err != nil {
			glog.Errorf("chatstore: find %s error: %v", pendingID, err)
			return
		}
		switch {
		case rec == nil:
		case rec.FromUserID != msg.FromUserID || rec.ToUserID != msg.ToUserID:
			// not a redelivery, the id belongs to another message.
			glog.Warningf("chatstore: pending id %s of %d reused by %s", pendingID, rec.ID, msg.FromUserID)
			pendingID = ""
		default:
			if msg.FromUserID == s.conf.UserID && !s.settle(pendingID) {
				return
			}
			if rec.Delivered && !rec.Failed && rec.Message == msg.Message && rec.FromName == msg.FromName {
				glog.V(5).Infof("chatstore: skip redelivered %s", pendingID)
				return
			}
			rec.Message = msg.Message
			rec.FromName = msg.FromName
			rec.Delivered = true
			rec.Failed = false
			if err := s.st.SaveMessages(ctx, []*store.Message{rec}); err != nil {
				glog.Errorf("chatstore: update %d error: %v", rec.ID, err)
				return
			}
			s.notify(ChangeUpdated, rec, "")
			return
		}
	}

	rec := &store.Message{
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		FromName:   msg.FromName,
		Message:    msg.Message,
		PendingID:  pendingID,
		Delivered:  true,
	}
	if err := s.st.SaveMessages(ctx, []*store.Message{rec}); err != nil {
		glog.Errorf("chatstore: save incoming message error: %v", err)
		return
	}
	metrics.ChatOutcomes.WithLabelValues("received").Inc()
	s.notify(ChangeReceived, rec, "")
}

// State reports the state of a locally originated message.
func (s *Syncer) State(ctx context.Context, pendingID string) (State, error) {
	s.mu.Lock()
	_, ok := s.pending[pendingID]
	s.mu.Unlock()
	if ok {
		return StatePending, nil
	}

	rec, err := s.st.FindByPendingID(ctx, pendingID)
	if err != nil {
		return StateUnknown, err
	}
	switch {
	case rec == nil:
		return StateUnknown, nil
	case rec.Failed:
		return StateFailed, nil
	case rec.Delivered:
		return StateDelivered, nil
	default:
		// saved by an earlier run that never got an ack.
		return StateFailed, nil
	}
}

// Conversation returns the stored messages between the user and peer, order by ID.
func (s *Syncer) Conversation(ctx context.Context, peer string) ([]*store.Message, error) {
	return s.st.GetMessagesBetween(ctx, s.conf.UserID, peer)
}

// Pending counts the messages waiting for an ack.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close unsubscribes from the channel and stops the ack timers. Pending
// messages stay in the store as they are.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	metrics.ChatPending.Set(0)
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
