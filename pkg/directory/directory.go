package directory

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	descriptionsDir = "descriptions"
	onlineDir       = "online"

	defaultCacheSize = 512
)

// Entry is everything known locally about one peer.
type Entry struct {
	PeerID        peer.ID
	Advertisement *advert.SignedDocument
	Cid           cid.Cid
	Beacon        *advert.Beacon
	LastSeen      time.Time
	AdSeen        time.Time
}

// Document returns the cached advertisement, or nil.
func (e *Entry) Document() *advert.Document {
	if e == nil || e.Advertisement == nil {
		return nil
	}
	return e.Advertisement.Document()
}

// Online reports whether the peer was seen within window and its last
// beacon did not say goodbye.
func (e *Entry) Online(now time.Time, window time.Duration) bool {
	if e == nil || e.Beacon.IsGoodbye() {
		return false
	}
	return now.Sub(e.LastSeen) < window
}

// Latest is the most recent time anything was heard about the peer.
func (e *Entry) Latest() time.Time {
	if e.AdSeen.After(e.LastSeen) {
		return e.AdSeen
	}
	return e.LastSeen
}

type descriptionRecord struct {
	Body      []byte `codec:"body"`
	Signature []byte `codec:"sig"`
	Cid       string `codec:"cid"`
	Modified  int64  `codec:"modified"`
	AdSeen    int64  `codec:"seen"`
}

type onlineRecord struct {
	WorldID   string   `codec:"world"`
	WorldName string   `codec:"worldName"`
	Users     []string `codec:"users"`
	Addrs     []string `codec:"addrs"`
	Status    uint32   `codec:"status"`
	Timestamp int64    `codec:"ts"`
	AdCid     string   `codec:"ad"`
	LastSeen  int64    `codec:"lastSeen"`
}

// Options configure a Directory.
type Options struct {
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	CacheSize int
}

// Directory is the persistent peer cache: signed advertisements under
// descriptions/ and presence under online/, both keyed by peer id.
type Directory struct {
	ads     *Store[descriptionRecord]
	online  *Store[onlineRecord]
	cache   *lru.Cache[peer.ID, *Entry]
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	// gens counts writes per peer. Lookup only caches what it read when no
	// write for the peer happened in between.
	genMu sync.Mutex
	gens  map[peer.ID]uint64
	// afterRead runs between reading the files and caching the entry.
	afterRead func(peer.ID)
}

// Open opens or creates a directory rooted at root.
func Open(root string, opts Options) (*Directory, error) {
	ads, err := OpenStore[descriptionRecord](filepath.Join(root, descriptionsDir))
	if err != nil {
		return nil, err
	}
	online, err := OpenStore[onlineRecord](filepath.Join(root, onlineDir))
	if err != nil {
		return nil, err
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[peer.ID, *Entry](size)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Directory{
		ads:     ads,
		online:  online,
		cache:   cache,
		clock:   opts.Clock,
		log:     opts.Logger.WithField("component", "directory"),
		metrics: opts.Metrics,
		gens:    make(map[peer.ID]uint64),
	}, nil
}

func (d *Directory) generation(id peer.ID) uint64 {
	d.genMu.Lock()
	defer d.genMu.Unlock()
	return d.gens[id]
}

// invalidate drops id from the cache after a write to its files.
func (d *Directory) invalidate(id peer.ID) {
	d.genMu.Lock()
	d.gens[id]++
	d.cache.Remove(id)
	d.genMu.Unlock()
}

// Lookup returns the entry for id, or nil if nothing is cached.
func (d *Directory) Lookup(id peer.ID) (*Entry, error) {
	if e, ok := d.cache.Get(id); ok {
		return e, nil
	}
	gen := d.generation(id)
	key := id.String()
	ad, adFound, err := d.ads.Lookup(key)
	if err != nil {
		return nil, err
	}
	on, onFound, err := d.online.Lookup(key)
	if err != nil {
		return nil, err
	}
	if !adFound && !onFound {
		return nil, nil
	}
	e := &Entry{PeerID: id}
	if adFound {
		if err := e.setAdvertisement(ad); err != nil {
			return nil, err
		}
	}
	if onFound {
		e.setOnline(on)
	}
	if d.afterRead != nil {
		d.afterRead(id)
	}
	d.genMu.Lock()
	if d.gens[id] == gen {
		d.cache.Add(id, e)
	}
	d.genMu.Unlock()
	return e, nil
}

// ObserveBeacon records a beacon from id and stamps it as seen now. The
// stored last-seen time never moves backward. A goodbye beacon marks the peer
// offline and keeps its advertisement.
func (d *Directory) ObserveBeacon(id peer.ID, b *advert.Beacon) (*Entry, error) {
	now := d.clock.Now()
	if b == nil {
		b = advert.Goodbye(now)
	}
	_, _, err := d.online.Update(id.String(), func(old onlineRecord, found bool) (onlineRecord, bool) {
		rec := beaconRecord(b)
		rec.LastSeen = now.UnixNano()
		if found && old.LastSeen > rec.LastSeen {
			rec.LastSeen = old.LastSeen
		}
		return rec, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store beacon for %s: %w", id, err)
	}
	d.invalidate(id)
	return d.Lookup(id)
}

// StoreAdvertisement caches a verified advertisement and its CID. A document
// older than the cached one is not written; stored reports what happened.
func (d *Directory) StoreAdvertisement(id peer.ID, signed *advert.SignedDocument, c cid.Cid) (stored bool, err error) {
	doc := signed.Document()
	if doc == nil {
		if doc, err = signed.Verify(); err != nil {
			return false, err
		}
	}
	rec := descriptionRecord{
		Body:      signed.Body,
		Signature: signed.Signature,
		Cid:       c.String(),
		Modified:  doc.Modified.UnixNano(),
		AdSeen:    d.clock.Now().UnixNano(),
	}
	stored, err = d.ads.ConditionalUpdate(id.String(), rec, func(old descriptionRecord) bool {
		return old.Modified <= rec.Modified
	})
	if err != nil {
		return false, fmt.Errorf("failed to store advertisement for %s: %w", id, err)
	}
	d.invalidate(id)
	if !stored {
		d.log.WithField("peer", id).Debug("kept newer cached advertisement")
	}
	return stored, nil
}

// TouchAdvertisement refreshes the freshness stamp of the cached
// advertisement without changing it. It reports false if none is cached.
func (d *Directory) TouchAdvertisement(id peer.ID) (bool, error) {
	now := d.clock.Now().UnixNano()
	_, touched, err := d.ads.Update(id.String(), func(old descriptionRecord, found bool) (descriptionRecord, bool) {
		if !found {
			return old, false
		}
		if now > old.AdSeen {
			old.AdSeen = now
		}
		return old, true
	})
	if err != nil {
		return false, err
	}
	d.invalidate(id)
	return touched, nil
}

// PinnedKey returns the signing key of the cached advertisement for id, if
// any. Later advertisements from id must be signed by the same key.
func (d *Directory) PinnedKey(id peer.ID) []byte {
	e, err := d.Lookup(id)
	if err != nil {
		d.log.WithError(err).WithField("peer", id).Warn("failed to read cached advertisement")
		return nil
	}
	if doc := e.Document(); doc != nil {
		return doc.SigningKey
	}
	return nil
}

// Forget deletes everything cached about id.
func (d *Directory) Forget(id peer.ID) error {
	defer d.invalidate(id)
	key := id.String()
	if err := d.ads.Delete(key); err != nil {
		return err
	}
	return d.online.Delete(key)
}

// Entries snapshots every cached peer heard from at or after cutoff. A zero
// cutoff returns everything. Order is stable for an unchanged directory.
func (d *Directory) Entries(cutoff time.Time) ([]*Entry, error) {
	byPeer := make(map[peer.ID]*Entry)
	var order []peer.ID

	get := func(key string) (*Entry, bool) {
		id, err := peer.Decode(key)
		if err != nil {
			d.log.WithField("key", key).Debug("skipping record with invalid peer id")
			return nil, false
		}
		e, ok := byPeer[id]
		if !ok {
			e = &Entry{PeerID: id}
			byPeer[id] = e
			order = append(order, id)
		}
		return e, true
	}

	for item, err := range d.ads.List() {
		if err != nil {
			d.log.WithError(err).Warn("skipping unreadable advertisement")
			continue
		}
		e, ok := get(item.Key)
		if !ok {
			continue
		}
		if err := e.setAdvertisement(item.Record); err != nil {
			d.log.WithError(err).WithField("peer", e.PeerID).Warn("dropping cached advertisement that no longer verifies")
		}
	}
	for item, err := range d.online.List() {
		if err != nil {
			d.log.WithError(err).Warn("skipping unreadable presence record")
			continue
		}
		if e, ok := get(item.Key); ok {
			e.setOnline(item.Record)
		}
	}

	out := make([]*Entry, 0, len(order))
	for _, id := range order {
		e := byPeer[id]
		if !cutoff.IsZero() && e.Latest().Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	d.metrics.SetDirectoryEntries(len(byPeer))
	return out, nil
}

func (e *Entry) setAdvertisement(rec descriptionRecord) error {
	signed := &advert.SignedDocument{Body: rec.Body, Signature: rec.Signature}
	if _, err := signed.Verify(); err != nil {
		return err
	}
	c, err := cid.Decode(rec.Cid)
	if err != nil {
		return err
	}
	e.Advertisement = signed
	e.Cid = c
	e.AdSeen = fromNanos(rec.AdSeen)
	return nil
}

func (e *Entry) setOnline(rec onlineRecord) {
	e.Beacon = &advert.Beacon{
		WorldID:   rec.WorldID,
		WorldName: rec.WorldName,
		Users:     rec.Users,
		Addrs:     rec.Addrs,
		Status:    advert.Flags(rec.Status),
		Timestamp: fromNanos(rec.Timestamp),
		AdCid:     rec.AdCid,
	}
	e.LastSeen = fromNanos(rec.LastSeen)
}

func beaconRecord(b *advert.Beacon) onlineRecord {
	return onlineRecord{
		WorldID:   b.WorldID,
		WorldName: b.WorldName,
		Users:     b.Users,
		Addrs:     b.Addrs,
		Status:    uint32(b.Status),
		Timestamp: toNanos(b.Timestamp),
		AdCid:     b.AdCid,
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
