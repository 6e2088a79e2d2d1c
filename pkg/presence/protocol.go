package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/baderanaas/GoLobby/pkg/directory"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const goodbyeTimeout = 5 * time.Second

// HolePuncher dials a peer that asked for NAT assistance.
type HolePuncher interface {
	Punch(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error
}

// Options wire a Protocol.
type Options struct {
	Topic               string
	AnnounceRefreshTime time.Duration
	ListenRefreshTime   time.Duration
	AdvertiseInterval   time.Duration
	FetchTimeout        time.Duration
	MaxFetches          int

	Signer       crypto.PrivKey
	AgreementKey []byte // private X25519 key
	Document     func() (advert.Document, error)
	Beacon       func() *advert.Beacon
	HolePuncher  HolePuncher

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Protocol runs the lobby presence protocol for one node: it publishes the
// node's advertisement and beacons and keeps the directory current from
// what other peers publish.
type Protocol struct {
	net       overlay.Network
	dir       *directory.Directory
	pool      *taskpool.Pool
	opts      Options
	log       logrus.FieldLogger
	announcer *Announcer
	listener  *Listener
	refresher *Refresher

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the protocol. Nothing runs until Start.
func New(net overlay.Network, dir *directory.Directory, opts Options) (*Protocol, error) {
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("signing key is required")
	}
	if opts.MaxFetches <= 0 {
		opts.MaxFetches = 8
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Beacon == nil {
		opts.Beacon = func() *advert.Beacon { return nil }
	}

	var agreementPub []byte
	if len(opts.AgreementKey) > 0 {
		pub, err := lcrypto.AgreementPublic(opts.AgreementKey)
		if err != nil {
			return nil, fmt.Errorf("invalid agreement key: %w", err)
		}
		agreementPub = pub
	}

	p := &Protocol{
		net:  net,
		dir:  dir,
		pool: taskpool.New(opts.MaxFetches, nil),
		opts: opts,
		log:  opts.Logger.WithFields(logrus.Fields{"component": "presence", "self": net.Self()}),
	}
	p.refresher = NewRefresher(net, dir, p.pool, RefresherOptions{
		FetchTimeout: opts.FetchTimeout,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	p.announcer = NewAnnouncer(net, AnnouncerOptions{
		Topic:               opts.Topic,
		AnnounceRefreshTime: opts.AnnounceRefreshTime,
		AdvertiseInterval:   opts.AdvertiseInterval,
		Signer:              opts.Signer,
		AgreementKey:        agreementPub,
		Document:            opts.Document,
		Beacon:              opts.Beacon,
		Clock:               opts.Clock,
		Logger:              opts.Logger,
		Metrics:             opts.Metrics,
	})
	p.listener = NewListener(net, p.Handle, ListenerOptions{
		Topic:             opts.Topic,
		ListenRefreshTime: opts.ListenRefreshTime,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	})
	return p, nil
}

func (p *Protocol) Announcer() *Announcer { return p.announcer }
func (p *Protocol) Refresher() *Refresher { return p.refresher }
func (p *Protocol) Pool() *taskpool.Pool  { return p.pool }

// Start launches the advertisement, presence and subscribe loops.
func (p *Protocol) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	loops := []func(context.Context){p.listener.Run, p.announcer.RunPresence}
	if p.opts.Document != nil {
		loops = append(loops, p.announcer.RunAdvertisements)
	}
	for _, loop := range loops {
		p.wg.Add(1)
		go func(run func(context.Context)) {
			defer p.wg.Done()
			run(ctx)
		}(loop)
	}
	p.log.Info("presence protocol started")
}

// Stop stops every loop and any fetch still running, then says goodbye if
// the node was online.
func (p *Protocol) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	p.pool.CancelAll()
	p.wg.Wait()

	// after the presence loop has stopped, so no beacon can follow it
	ctx, done := context.WithTimeout(context.Background(), goodbyeTimeout)
	defer done()
	_, err := p.announcer.Goodbye(ctx)
	return err
}

// Close stops the protocol if running and releases the fetch pool.
func (p *Protocol) Close() error {
	err := p.Stop()
	if errors.Is(err, ErrNotRunning) {
		err = nil
	}
	p.pool.Close()
	return err
}

// Handle processes one delivery from the lobby topic.
func (p *Protocol) Handle(ctx context.Context, msg *overlay.Message) {
	self := p.net.Self()
	if msg.From == self {
		return
	}
	env, err := Decode(msg.Data)
	if err != nil {
		p.opts.Metrics.MessageReceived("malformed")
		p.log.WithError(err).WithField("from", msg.From).Info("dropping malformed message")
		return
	}
	if env.Directed() && env.To != self {
		return
	}
	p.opts.Metrics.MessageReceived(string(env.Message.Kind()))
	log := p.log.WithFields(logrus.Fields{"from": msg.From, "kind": env.Message.Kind()})

	switch m := env.Message.(type) {
	case *AdvertisementRef:
		if c, ok := m.Advertisement(); ok {
			p.refresher.Trigger(ctx, msg.From, c)
		} else {
			log.Info("advertisement reference without a valid cid")
		}
	case *Beacon:
		if _, err := p.dir.ObserveBeacon(msg.From, &m.Beacon); err != nil {
			log.WithError(err).Warn("failed to record beacon")
		}
		if c, ok := m.Advertisement(); ok {
			p.refresher.Trigger(ctx, msg.From, c)
		}
	case *NatAssist:
		p.handleNatAssist(ctx, msg.From, m, log)
	case *Unknown:
		log.Info("dropping message of unknown kind")
	}
}

// RequestNatAssist asks target to dial us back at addrs. The addresses are
// sealed with a key agreed from our key-agreement key and the one in
// target's cached advertisement.
func (p *Protocol) RequestNatAssist(ctx context.Context, target peer.ID, addrs []multiaddr.Multiaddr) error {
	key, err := p.sharedKey(target)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(multiaddrStrings(addrs))
	if err != nil {
		return err
	}
	sealed, err := lcrypto.Encrypt(plain, key)
	if err != nil {
		return err
	}
	data, err := Encode(&NatAssist{RequestID: uuid.NewString(), Sealed: sealed}, target)
	if err != nil {
		return err
	}
	return p.net.Publish(ctx, p.opts.Topic, data)
}

func (p *Protocol) handleNatAssist(ctx context.Context, from peer.ID, m *NatAssist, log logrus.FieldLogger) {
	log = log.WithField("request", m.RequestID)
	if p.opts.HolePuncher == nil {
		log.Debug("no hole puncher configured, ignoring nat assist")
		return
	}
	key, err := p.sharedKey(from)
	if err != nil {
		log.WithError(err).Info("cannot open nat assist request")
		return
	}
	plain, err := lcrypto.Decrypt(m.Sealed, key)
	if err != nil {
		log.WithError(err).Info("cannot open nat assist request")
		return
	}
	var raw []string
	if err := json.Unmarshal(plain, &raw); err != nil {
		log.WithError(err).Info("malformed nat assist addresses")
		return
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if a, err := multiaddr.NewMultiaddr(s); err == nil {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		log.Info("nat assist request carried no usable addresses")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.opts.HolePuncher.Punch(ctx, from, addrs); err != nil {
			log.WithError(err).Debug("hole punch failed")
		}
	}()
}

func (p *Protocol) sharedKey(id peer.ID) ([]byte, error) {
	if len(p.opts.AgreementKey) == 0 {
		return nil, ErrNoAgreementKey
	}
	e, err := p.dir.Lookup(id)
	if err != nil {
		return nil, err
	}
	doc := e.Document()
	if doc == nil || len(doc.AgreementKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAgreementKey, id)
	}
	return lcrypto.SharedKey(p.opts.AgreementKey, doc.AgreementKey)
}

func multiaddrStrings(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
