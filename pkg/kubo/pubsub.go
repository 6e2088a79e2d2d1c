package kubo

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multibase"
)

const subBuffer = 64

// The RPC API carries topics and payloads multibase encoded.
func encodeTopic(topic string) (string, error) {
	return multibase.Encode(multibase.Base64url, []byte(topic))
}

func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := encodeTopic(topic)
	if err != nil {
		return err
	}
	return c.call(ctx, "pubsub/pub", url.Values{"arg": {t}}, data, nil)
}

// Subscribe opens a streaming pubsub/sub call. The stream ends with ctx or
// on Cancel.
func (c *Client) Subscribe(ctx context.Context, topic string) (overlay.Subscription, error) {
	t, err := encodeTopic(topic)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(subCtx, "pubsub/sub", url.Values{"arg": {t}}, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &subscription{
		cancel: cancel,
		ch:     make(chan *overlay.Message, subBuffer),
		done:   make(chan struct{}),
	}
	go s.read(resp.Body, c)
	return s, nil
}

type wireMessage struct {
	From string `json:"from"`
	Data string `json:"data"`
}

type subscription struct {
	cancel context.CancelFunc
	ch     chan *overlay.Message
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) read(body io.ReadCloser, c *Client) {
	defer close(s.done)
	defer body.Close()
	dec := json.NewDecoder(body)
	for {
		var wm wireMessage
		if err := dec.Decode(&wm); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		msg, err := wm.decode()
		if err != nil {
			c.log.WithError(err).Debug("dropping undecodable pubsub message")
			continue
		}
		select {
		case s.ch <- msg:
		default:
			c.log.Debug("subscriber too slow, dropping pubsub message")
		}
	}
}

func (wm *wireMessage) decode() (*overlay.Message, error) {
	from, err := peer.Decode(wm.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	_, data, err := multibase.Decode(wm.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &overlay.Message{From: from, Data: data}, nil
}

func (s *subscription) Next(ctx context.Context) (*overlay.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	// drain what was read before the stream ended
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || s.err == io.EOF {
		return nil, overlay.ErrClosed
	}
	return nil, fmt.Errorf("%w: %v", overlay.ErrClosed, s.err)
}

func (s *subscription) Cancel() { s.cancel() }
