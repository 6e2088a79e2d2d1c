package presence

import (
	"context"
	"errors"
	"time"

	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultListenRefreshTime = 5 * time.Minute
	DefaultResubscribeDelay  = 2 * time.Second
)

// ListenerOptions configure a Listener.
type ListenerOptions struct {
	Topic string
	// ListenRefreshTime is how long the subscription may stay silent before
	// it is torn down and recreated.
	ListenRefreshTime time.Duration
	ResubscribeDelay  time.Duration

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Listener keeps a subscription to the lobby topic alive and hands every
// delivery to a handler.
type Listener struct {
	net    overlay.Network
	opts   ListenerOptions
	handle func(context.Context, *overlay.Message)
	log    logrus.FieldLogger
}

// NewListener creates a listener calling handle for each message.
func NewListener(net overlay.Network, handle func(context.Context, *overlay.Message), opts ListenerOptions) *Listener {
	if opts.ListenRefreshTime <= 0 {
		opts.ListenRefreshTime = DefaultListenRefreshTime
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = DefaultResubscribeDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Listener{
		net:    net,
		opts:   opts,
		handle: handle,
		log:    opts.Logger.WithFields(logrus.Fields{"component": "listen", "topic": opts.Topic}),
	}
}

// Run subscribes and consumes until ctx ends. Subscription failures and
// stalls are never fatal: the listener waits ResubscribeDelay and tries again.
func (l *Listener) Run(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		if !first {
			l.opts.Metrics.Resubscribed()
			select {
			case <-ctx.Done():
				return
			case <-l.opts.Clock.After(l.opts.ResubscribeDelay):
			}
		}
		first = false

		sub, err := l.net.Subscribe(ctx, l.opts.Topic)
		if err != nil {
			l.log.WithError(err).Warn("subscribe failed")
			continue
		}
		err = l.consume(ctx, sub)
		sub.Cancel()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			l.log.WithField("silence", l.opts.ListenRefreshTime).Info("subscription stalled, resubscribing")
		} else {
			l.log.WithError(err).Warn("subscription ended, resubscribing")
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub overlay.Subscription) error {
	for {
		nctx, cancel := l.opts.Clock.WithTimeout(ctx, l.opts.ListenRefreshTime)
		msg, err := sub.Next(nctx)
		cancel()
		if err != nil {
			return err
		}
		l.dispatch(ctx, msg)
	}
}

func (l *Listener) dispatch(ctx context.Context, msg *overlay.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("from", msg.From).Errorf("message handler panicked: %v", r)
		}
	}()
	l.handle(ctx, msg)
}
