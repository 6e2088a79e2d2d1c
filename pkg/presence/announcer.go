package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// NameRepublishInterval forces a name publish even when the CID is unchanged.
	NameRepublishInterval = 24 * time.Hour

	DefaultAnnounceRefreshTime = 60 * time.Second
	DefaultAdvertiseInterval   = 10 * time.Minute
)

// AnnouncerOptions configure an Announcer.
type AnnouncerOptions struct {
	Topic               string
	AnnounceRefreshTime time.Duration
	AdvertiseInterval   time.Duration

	// Signer signs advertisements. AgreementKey is the public half of the
	// node's key-agreement pair and is embedded in every advertisement.
	Signer       crypto.PrivKey
	AgreementKey []byte

	// Document returns the current advertisement content. PeerID, keys and
	// Modified are filled in by the announcer.
	Document func() (advert.Document, error)
	// Beacon returns the current presence state. Timestamp and AdCid are
	// filled in by the announcer.
	Beacon func() *advert.Beacon

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Announcer publishes this node's advertisement and presence beacons.
type Announcer struct {
	net      overlay.Network
	opts     AnnouncerOptions
	throttle *Throttle
	log      logrus.FieldLogger
	refresh  chan struct{}

	mu          sync.Mutex
	signed      *advert.SignedDocument
	current     cid.Cid
	namedAt     time.Time
	online      bool
	saidGoodbye bool
}

// NewAnnouncer creates an announcer.
func NewAnnouncer(net overlay.Network, opts AnnouncerOptions) *Announcer {
	if opts.AnnounceRefreshTime <= 0 {
		opts.AnnounceRefreshTime = DefaultAnnounceRefreshTime
	}
	if opts.AdvertiseInterval <= 0 {
		opts.AdvertiseInterval = DefaultAdvertiseInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Announcer{
		net:      net,
		opts:     opts,
		throttle: NewThrottle(opts.Clock, opts.AnnounceRefreshTime),
		log:      opts.Logger.WithField("component", "announce"),
		refresh:  make(chan struct{}, 1),
	}
}

// Current returns the CID of the last published advertisement.
func (a *Announcer) Current() cid.Cid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Throttle exposes the beacon flood-mitigation throttle.
func (a *Announcer) Throttle() *Throttle { return a.throttle }

// Refresh asks the advertisement loop to rebuild immediately.
func (a *Announcer) Refresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// RunAdvertisements publishes the advertisement now and then every
// AdvertiseInterval or on Refresh, until ctx ends. Failures are logged and
// retried on the next round.
func (a *Announcer) RunAdvertisements(ctx context.Context) {
	ticker := a.opts.Clock.Ticker(a.opts.AdvertiseInterval)
	defer ticker.Stop()
	for {
		if _, err := a.PublishAdvertisement(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Warn("advertisement publish failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.refresh:
		}
	}
}

// PublishAdvertisement rebuilds and signs the advertisement, stores it and
// publishes it under the node name when its CID changed or the name record
// is older than NameRepublishInterval. New CIDs are also announced on the
// topic. It returns the current CID.
func (a *Announcer) PublishAdvertisement(ctx context.Context) (cid.Cid, error) {
	doc, err := a.opts.Document()
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to build advertisement: %w", err)
	}
	now := a.opts.Clock.Now()
	doc.PeerID = a.net.Self()
	doc.AgreementKey = a.opts.AgreementKey

	a.mu.Lock()
	signed := a.signed
	prev := a.current
	namedAt := a.namedAt
	a.mu.Unlock()

	// unchanged content keeps its bytes, and so its CID, until the daily
	// regeneration
	if signed == nil || !signed.Document().Equal(&doc) || now.Sub(signed.Document().Modified) > NameRepublishInterval {
		doc.Modified = now
		if signed, err = advert.Sign(doc, a.opts.Signer); err != nil {
			return cid.Undef, err
		}
	}

	data, err := signed.Marshal()
	if err != nil {
		return cid.Undef, err
	}
	c, err := a.net.Store(ctx, data)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store advertisement: %w", err)
	}

	changed := !c.Equals(prev)
	if changed {
		if err := a.net.Pin(ctx, c); err != nil {
			a.log.WithError(err).WithField("cid", c).Warn("failed to pin advertisement")
		}
	}
	if changed || now.Sub(namedAt) > NameRepublishInterval {
		if err := a.net.PublishName(ctx, c); err != nil {
			return cid.Undef, fmt.Errorf("failed to publish name: %w", err)
		}
		namedAt = now
		a.opts.Metrics.AdPublished()
		a.log.WithField("cid", c).Info("published advertisement")
	}

	a.mu.Lock()
	a.signed = signed
	a.current = c
	a.namedAt = namedAt
	a.mu.Unlock()

	if changed {
		if prev.Defined() {
			if err := a.net.Unpin(ctx, prev); err != nil {
				a.log.WithError(err).WithField("cid", prev).Debug("failed to unpin old advertisement")
			}
		}
		if err := a.broadcast(ctx, &AdvertisementRef{Cid: c.String()}); err != nil {
			a.log.WithError(err).Debug("failed to announce new advertisement")
		}
	}
	return c, nil
}

// RunPresence announces presence every AnnounceRefreshTime until ctx ends.
func (a *Announcer) RunPresence(ctx context.Context) {
	ticker := a.opts.Clock.Ticker(a.opts.AnnounceRefreshTime)
	defer ticker.Stop()
	for {
		if _, err := a.Announce(ctx); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Warn("beacon publish failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Announce publishes one beacon if the node is online and public and the
// throttle allows it. When the node has gone offline since the last call a
// single goodbye is sent instead. It reports whether anything was published.
func (a *Announcer) Announce(ctx context.Context) (bool, error) {
	b := a.opts.Beacon()
	if b == nil || b.IsGoodbye() {
		return a.Goodbye(ctx)
	}
	if !b.Status.IsAll(advert.StatusOnline | advert.StatusPublic) {
		return false, nil
	}
	if !a.throttle.Allow() {
		a.opts.Metrics.BeaconThrottled()
		return false, nil
	}

	b.Timestamp = a.opts.Clock.Now().UTC()
	if c := a.Current(); c.Defined() {
		b.AdCid = c.String()
	}
	if err := a.broadcast(ctx, &Beacon{Beacon: *b}); err != nil {
		return false, err
	}
	// only a node other peers saw online owes them a goodbye
	a.mu.Lock()
	a.online = true
	a.saidGoodbye = false
	a.mu.Unlock()
	a.opts.Metrics.BeaconPublished()
	return true, nil
}

// Goodbye publishes the offline beacon once after beacons were published.
func (a *Announcer) Goodbye(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if !a.online || a.saidGoodbye {
		a.mu.Unlock()
		return false, nil
	}
	a.saidGoodbye = true
	a.online = false
	a.mu.Unlock()

	if err := a.broadcast(ctx, &Beacon{Beacon: *advert.Goodbye(a.opts.Clock.Now())}); err != nil {
		return false, err
	}
	a.throttle.Reset()
	a.log.Info("announced goodbye")
	return true, nil
}

func (a *Announcer) broadcast(ctx context.Context, msg Message) error {
	data, err := Encode(msg, "")
	if err != nil {
		return err
	}
	return a.net.Publish(ctx, a.opts.Topic, data)
}
