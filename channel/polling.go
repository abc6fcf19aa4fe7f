package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/ziamarket/zia/proto"
)

const (
	defaultPollTimeout = 25 * time.Second
	pollGrace          = 10 * time.Second
	pollMaxBody        = 1 << 20
)

// pollTransport is the fallback transport: one long GET at a time for
// receiving, one POST per event for sending.
type pollTransport struct {
	client      *http.Client
	base        string
	sid         string
	pollTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	recvChan chan *pb.Envelope
	once     sync.Once
}

func dialPolling(ctx context.Context, base string, jar http.CookieJar, timeout time.Duration) (*pollTransport, error) {
	client := &http.Client{Jar: jar}

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(openCtx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Status)
	}

	var open pb.PollOpen
	if err := json.NewDecoder(io.LimitReader(resp.Body, pollMaxBody)).Decode(&open); err != nil {
		return nil, fmt.Errorf("decode handshake: %v", err)
	}
	if open.Sid == "" {
		return nil, fmt.Errorf("handshake: empty sid")
	}

	pollTimeout := time.Duration(open.PollTimeoutMs) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	tctx, tcancel := context.WithCancel(context.Background())
	t := &pollTransport{
		client:      client,
		base:        base,
		sid:         open.Sid,
		pollTimeout: pollTimeout,
		ctx:         tctx,
		cancel:      tcancel,
		recvChan:    make(chan *pb.Envelope, 64),
	}
	go t.pollLoop()
	return t, nil
}

func (t *pollTransport) kind() Transport {
	return TransportPolling
}

func (t *pollTransport) recv() <-chan *pb.Envelope {
	return t.recvChan
}

func (t *pollTransport) sessionURL() string {
	return t.base + "?sid=" + url.QueryEscape(t.sid)
}

func (t *pollTransport) send(ctx context.Context, env *pb.Envelope) error {
	if t.ctx.Err() != nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx2, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx2, http.MethodPost, t.sessionURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, pollMaxBody))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	case http.StatusGone, http.StatusNotFound:
		t.close()
		return ErrNotConnected
	default:
		return fmt.Errorf("polling send: %s", resp.Status)
	}
}

func (t *pollTransport) close() {
	t.once.Do(func() {
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.sessionURL(), nil)
		if err != nil {
			return
		}
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
}

func (t *pollTransport) pollLoop() {
	defer func() {
		close(t.recvChan)
		glog.V(5).Infof("polling: pollLoop(): exited, sid: %s", t.sid)
	}()

	for {
		events, err := t.poll()
		if err != nil {
			if t.ctx.Err() == nil {
				glog.Errorf("polling: pollLoop(): %v", err)
				t.close()
			}
			return
		}
		for _, env := range events {
			if env == nil || env.Event == "" {
				continue
			}
			glog.V(5).Infof("polling: pollLoop(): incoming event: %s", env.Event)
			t.recvChan <- env
		}
	}
}

func (t *pollTransport) poll() ([]*pb.Envelope, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.pollTimeout+pollGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var events []*pb.Envelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, pollMaxBody)).Decode(&events); err != nil {
			return nil, fmt.Errorf("decode poll response: %v", err)
		}
		return events, nil
	default:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}
}
