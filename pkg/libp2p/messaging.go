package libp2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// joinTopic returns the joined topic, joining it and starting peer discovery
// for it on first use.
func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicsMux.Lock()
	defer n.topicsMux.Unlock()
	if t, exists := n.topics[topic]; exists {
		return t, nil
	}

	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join pubsub topic: %w", err)
	}
	n.topics[topic] = t

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discoverTopicPeers(topic)
	}()

	n.log.WithField("topic", topic).Info("joined topic")
	return t, nil
}

func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (n *Node) Subscribe(_ context.Context, topic string) (overlay.Subscription, error) {
	t, err := n.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pubsub topic: %w", err)
	}
	return &subscription{sub: sub}, nil
}

type subscription struct {
	sub *pubsub.Subscription
}

func (s *subscription) Next(ctx context.Context) (*overlay.Message, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
			return nil, overlay.ErrClosed
		}
		return nil, fmt.Errorf("%w: %v", overlay.ErrClosed, err)
	}
	return &overlay.Message{From: msg.GetFrom(), Data: msg.GetData()}, nil
}

func (s *subscription) Cancel() { s.sub.Cancel() }
