package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/ziamarket/zia/metrics"
	pb "github.com/ziamarket/zia/proto"
)

var (
	ErrNotConnected  = errors.New("channel: not connected")
	ErrQueueFull     = errors.New("channel: send queue is full")
	ErrConnectFailed = errors.New("channel: all transports failed")
)

// Handler receives the raw payload of one event.
// Handlers run on the channel read goroutine, in transport order.
type Handler func(data json.RawMessage)

type subscription struct {
	id uint64
	h  Handler
}

// Channel is a handle to the real-time channel. It is created disconnected,
// callers activate it with Connect.
type Channel struct {
	conf      *Config
	endpoints *endpoints

	// connectMu serializes Connect, Disconnect and reconnect attempts.
	connectMu sync.Mutex

	mu        sync.Mutex
	t         transport
	manual    bool // Disconnect was called.
	queue     []*pb.Envelope
	stopRetry chan struct{}

	hmu      sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64

	wg sync.WaitGroup
}

// New creates a disconnected channel.
func New(conf *Config) (*Channel, error) {
	if conf == nil {
		return nil, fmt.Errorf("nil config")
	}
	c, err := conf.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	eps, err := c.resolve()
	if err != nil {
		return nil, err
	}

	glog.Infof("channel: endpoint %s, transports %v, credentials %s", c.Endpoint, c.Transports, c.Credentials)
	return &Channel{
		conf:      c,
		endpoints: eps,
		handlers:  make(map[string][]subscription),
	}, nil
}

// Connect dials the configured transports in order and keeps the first that works.
// It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.t != nil {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.mu.Unlock()

	return c.connect(ctx)
}

// connect requires connectMu.
func (c *Channel) connect(ctx context.Context) error {
	var errs []error
	for _, kind := range c.conf.Transports {
		t, err := c.dial(ctx, kind)
		if err != nil {
			metrics.ChannelConnects.WithLabelValues(string(kind), "error").Inc()
			glog.Errorf("channel: connect %s error: %v", kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.ChannelConnects.WithLabelValues(string(kind), "ok").Inc()

		if err := c.activate(ctx, t); err != nil {
			t.close()
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		glog.Infof("channel: connected via %s", kind)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectFailed, errors.Join(errs...))
}

func (c *Channel) dial(ctx context.Context, kind Transport) (transport, error) {
	switch kind {
	case TransportWebsocket:
		return dialWebsocket(ctx, c.endpoints.ws, c.conf.Jar, c.conf.DialTimeout)
	case TransportPolling:
		return dialPolling(ctx, c.endpoints.poll, c.conf.Jar, c.conf.DialTimeout)
	default:
		return nil, fmt.Errorf("unknown transport `%s`", kind)
	}
}

// activate flushes queued events through t, then publishes t.
// Events queued while flushing are flushed too, so order is kept.
func (c *Channel) activate(ctx context.Context, t transport) error {
	for {
		c.mu.Lock()
		queued := c.queue
		c.queue = nil
		if len(queued) == 0 {
			c.t = t
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		for i, env := range queued {
			if err := t.send(ctx, env); err != nil {
				c.mu.Lock()
				c.queue = append(queued[i:], c.queue...)
				c.mu.Unlock()
				return fmt.Errorf("flush queued events: %w", err)
			}
			metrics.ChannelEventsSent.WithLabelValues(env.Event).Inc()
		}
		glog.V(5).Infof("channel: flushed %d queued events", len(queued))
	}
	metrics.ChannelQueued.Set(0)

	c.dispatch(pb.EventConnect, nil)

	c.wg.Add(1)
	go c.readLoop(t)
	return nil
}

func (c *Channel) readLoop(t transport) {
	defer c.wg.Done()

	for env := range t.recv() {
		metrics.ChannelEventsReceived.WithLabelValues(env.Event).Inc()
		c.dispatch(env.Event, env.Data)
	}

	c.mu.Lock()
	if c.t != t {
		// Disconnect already took it down.
		c.mu.Unlock()
		return
	}
	c.t = nil
	retry := c.conf.Reconnect && !c.manual
	var stop chan struct{}
	if retry {
		stop = make(chan struct{})
		c.stopRetry = stop
	}
	c.mu.Unlock()

	glog.Infof("channel: %s transport dropped", t.kind())
	c.dispatch(pb.EventDisconnect, nil)

	if retry {
		c.wg.Add(1)
		go c.reconnectLoop(stop)
	}
}

func (c *Channel) reconnectLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	var sleep time.Duration
	for {
		backoff(&sleep)
		select {
		case <-stop:
			return
		case <-time.After(sleep):
		}

		c.connectMu.Lock()
		c.mu.Lock()
		done := c.manual || c.t != nil
		c.mu.Unlock()
		if done {
			c.connectMu.Unlock()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.conf.DialTimeout*time.Duration(len(c.conf.Transports)))
		err := c.connect(ctx)
		cancel()
		c.connectMu.Unlock()

		if err == nil {
			return
		}
		glog.Errorf("channel: reconnect error, retry in %s: %v", sleep, err)
	}
}

// Disconnect closes the live transport and stops reconnecting. It is a no-op
// when not connected. Queued events are kept for the next Connect.
func (c *Channel) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	c.manual = true
	t := c.t
	c.t = nil
	if c.stopRetry != nil {
		close(c.stopRetry)
		c.stopRetry = nil
	}
	c.mu.Unlock()

	if t == nil {
		return
	}
	t.close()
	glog.Infof("channel: disconnected")
	c.dispatch(pb.EventDisconnect, nil)
}

// Close disconnects and waits for the channel goroutines to exit.
// It must not be called from a Handler.
func (c *Channel) Close() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil
}

// Send writes one event. While disconnected the event is queued or rejected
// according to Config.SendPolicy.
func (c *Channel) Send(event string, payload interface{}) error {
	env, err := pb.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t := c.t
	if t == nil {
		err := c.enqueue(env)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.DialTimeout)
	defer cancel()
	if err := t.send(ctx, env); err != nil {
		if errors.Is(err, ErrNotConnected) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.enqueue(env)
		}
		return err
	}
	metrics.ChannelEventsSent.WithLabelValues(event).Inc()
	return nil
}

// enqueue requires mu.
func (c *Channel) enqueue(env *pb.Envelope) error {
	if c.conf.SendPolicy == SendDrop {
		return ErrNotConnected
	}
	if len(c.queue) >= c.conf.QueueSize {
		return ErrQueueFull
	}
	c.queue = append(c.queue, env)
	metrics.ChannelQueued.Set(float64(len(c.queue)))
	glog.V(5).Infof("channel: queued %s, %d in queue", env.Event, len(c.queue))
	return nil
}

// Subscribe registers h for event and returns the function that removes it.
func (c *Channel) Subscribe(event string, h Handler) func() {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, h: h})
	c.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hmu.Lock()
			defer c.hmu.Unlock()
			subs := c.handlers[event]
			for i, s := range subs {
				if s.id == id {
					c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.hmu.RLock()
	subs := c.handlers[event]
	c.hmu.RUnlock()

	if len(subs) == 0 {
		glog.V(5).Infof("channel: no handler for event %s", event)
		return
	}
	for _, s := range subs {
		s.h(data)
	}
}
