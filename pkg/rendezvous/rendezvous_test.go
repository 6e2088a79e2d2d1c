package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/directory"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/baderanaas/GoLobby/pkg/pipeline"
	"github.com/baderanaas/GoLobby/pkg/presence"
	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const tenPreferred = advert.ContentViolence | advert.ContentGore | advert.ContentNudity |
	advert.ContentSexual | advert.ContentLanguage | advert.ContentDrugs | advert.ContentGambling |
	advert.ContentHorror | advert.ContentFlashingLights | advert.ContentLoudAudio

type host struct {
	id     peer.ID
	priv   crypto.PrivKey
	signed *advert.SignedDocument
}

func newHost(t *testing.T, doc advert.Document) *host {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	doc.PeerID = id
	doc.Modified = time.Now()
	signed, err := advert.Sign(doc, priv)
	require.NoError(t, err)
	return &host{id: id, priv: priv, signed: signed}
}

func (h *host) entry(world string, users ...string) *directory.Entry {
	return &directory.Entry{
		PeerID:        h.id,
		Advertisement: h.signed,
		Beacon:        &advert.Beacon{WorldID: world, Users: users, Status: advert.StatusOnline | advert.StatusPublic},
		LastSeen:      time.Now(),
	}
}

func newScorer(world string, wp *WorldPolicy, friends ...string) *Scorer {
	set := make(map[string]struct{})
	for _, f := range friends {
		set[f] = struct{}{}
	}
	return &Scorer{
		Policy:       Policy{Prefer: tenPreferred, Version: "1.4.0"},
		World:        world,
		WorldPolicy:  wp,
		Friends:      set,
		OnlineWindow: time.Minute,
		Now:          time.Now(),
	}
}

func TestMatchRatio(t *testing.T) {
	p := Policy{Prefer: advert.ContentHorror | advert.ContentLanguage, Avoid: advert.ContentGore | advert.ContentGambling}
	require.Equal(t, 0, MatchRatio(advert.ContentGore|advert.ContentGambling, p))
	require.Equal(t, 4, MatchRatio(advert.ContentHorror|advert.ContentLanguage, p))
	require.Equal(t, 2, MatchRatio(advert.ContentHorror|advert.ContentGore, p))
	require.Equal(t, 0, MatchRatio(advert.ContentAll, Policy{}))
}

func TestRankScenario(t *testing.T) {
	world := &WorldPolicy{Rating: advert.ContentGore}
	violating := newHost(t, advert.Document{Name: "strict", Rating: advert.ContentViolence})
	friendly := newHost(t, advert.Document{Name: "friendly", Rating: advert.ContentViolence | advert.ContentGore |
		advert.ContentNudity | advert.ContentSexual | advert.ContentLanguage})
	open := newHost(t, advert.Document{Name: "open", Rating: tenPreferred})

	s := newScorer("w", world, "fp-ana", "fp-bo", "fp-cy")
	ranked := s.Rank([]*directory.Entry{
		violating.entry("w", "fp-ana"),
		open.entry("w", "fp-stranger"),
		friendly.entry("w", "fp-ana", "fp-bo", "fp-zed"),
	})

	require.Len(t, ranked, 3)
	require.Equal(t, friendly.id, ranked[0].Entry.PeerID)
	require.Equal(t, 11, ranked[0].Score)
	require.Equal(t, open.id, ranked[1].Entry.PeerID)
	require.Equal(t, 10, ranked[1].Score)
	require.Equal(t, violating.id, ranked[2].Entry.PeerID)
	require.Less(t, ranked[2].Score, 0)
	require.Equal(t, PolicyViolation, ranked[2].Reason)

	w := Winner(ranked)
	require.NotNil(t, w)
	require.Equal(t, friendly.id, w.Entry.PeerID)
}

func TestRankIsDeterministic(t *testing.T) {
	hosts := make([]*directory.Entry, 0, 8)
	for i := 0; i < 8; i++ {
		h := newHost(t, advert.Document{Name: "h", Rating: advert.ContentHorror})
		hosts = append(hosts, h.entry("w"))
	}
	s := newScorer("w", nil)
	first := s.Rank(hosts)
	for i := 0; i < 10; i++ {
		again := s.Rank(hosts)
		require.Equal(t, first, again)
	}
	// equal scores keep input order
	for i := range first {
		require.Equal(t, hosts[i].PeerID, first[i].Entry.PeerID)
	}
}

func TestDisqualificationPrecedence(t *testing.T) {
	noticed := newHost(t, advert.Document{Name: "legal", CustomNotice: true, Rating: advert.ContentViolence})
	plain := newHost(t, advert.Document{Name: "plain", Rating: advert.ContentViolence})
	future := newHost(t, advert.Document{Name: "future", MinVersion: "2.0.0", Rating: advert.ContentGore})
	world := &WorldPolicy{Rating: advert.ContentGore}
	s := newScorer("w", world)

	offline := noticed.entry("w")
	offline.Beacon = advert.Goodbye(time.Now())
	c := s.Score(offline)
	require.Equal(t, CustomNotice, c.Reason, "custom notice beats offline")
	require.Equal(t, CustomNotice.Sentinel(), c.Score)

	stale := plain.entry("other")
	stale.LastSeen = time.Now().Add(-time.Hour)
	require.Equal(t, Offline, s.Score(stale).Reason, "offline beats policy and world")

	require.Equal(t, PolicyViolation, s.Score(plain.entry("other")).Reason, "policy beats world mismatch")
	require.Equal(t, WorldMismatch, s.Score(future.entry("other")).Reason, "world beats version")
	require.Equal(t, VersionTooOld, s.Score(future.entry("w")).Reason)

	bare := &directory.Entry{PeerID: plain.id, Beacon: &advert.Beacon{WorldID: "w", Status: advert.StatusOnline}, LastSeen: time.Now()}
	require.Equal(t, NoAdvertisement, s.Score(bare).Reason)

	s.Policy.AllowCustomNotice = true
	require.Equal(t, Offline, s.Score(offline).Reason)

	for _, r := range []Reason{CustomNotice, Offline, NoAdvertisement, PolicyViolation, WorldMismatch, VersionTooOld} {
		require.Less(t, r.Sentinel(), -1000, r.String())
	}
}

func TestWinnerNeedsNonNegativeScore(t *testing.T) {
	require.Nil(t, Winner(nil))
	h := newHost(t, advert.Document{Name: "only", CustomNotice: true})
	ranked := newScorer("", nil).Rank([]*directory.Entry{h.entry("w")})
	require.Len(t, ranked, 1)
	require.Nil(t, Winner(ranked))
}

func TestDecide(t *testing.T) {
	h := newHost(t, advert.Document{Name: "h"})
	other := newHost(t, advert.Document{Name: "o"})
	winner := &Candidate{Entry: h.entry("w")}

	action, _ := Decide(&Result{Query: Query{WorldID: "w"}}, h.id)
	require.Equal(t, SelfHost, action)
	action, _ = Decide(&Result{}, h.id)
	require.Equal(t, NoMatch, action)
	action, id := Decide(&Result{Winner: winner}, h.id)
	require.Equal(t, AlreadySatisfied, action)
	require.Equal(t, h.id, id)
	action, id = Decide(&Result{Winner: winner}, other.id)
	require.Equal(t, Connect, action)
	require.Equal(t, h.id, id)
}

func TestSearchRefreshesMissingAdvertisements(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	dir, err := directory.Open(t.TempDir(), directory.Options{Logger: logger})
	require.NoError(t, err)

	hub := overlay.NewHub()
	cached := newHost(t, advert.Document{Name: "cached", Rating: advert.ContentHorror})
	remote := newHost(t, advert.Document{Name: "remote", Rating: advert.ContentHorror | advert.ContentLanguage})
	strict := newHost(t, advert.Document{Name: "strict", Rating: advert.ContentHorror})

	for _, h := range []*host{cached, strict} {
		data, err := h.signed.Marshal()
		require.NoError(t, err)
		c, err := overlay.Sum(data)
		require.NoError(t, err)
		_, err = dir.StoreAdvertisement(h.id, h.signed, c)
		require.NoError(t, err)
	}

	// remote has only been heard through a beacon, its advertisement is on
	// the overlay under its name
	remoteNet := hub.Join(remote.id)
	data, err := remote.signed.Marshal()
	require.NoError(t, err)
	rc, err := remoteNet.Store(ctx, data)
	require.NoError(t, err)
	require.NoError(t, remoteNet.PublishName(ctx, rc))

	for _, h := range []*host{cached, remote, strict} {
		_, err := dir.ObserveBeacon(h.id, &advert.Beacon{WorldID: "w", Users: []string{"fp-" + h.signed.Document().Name}, Status: advert.StatusOnline | advert.StatusPublic})
		require.NoError(t, err)
	}
	// strict's beacon says a different world
	_, err = dir.ObserveBeacon(strict.id, &advert.Beacon{WorldID: "elsewhere", Status: advert.StatusOnline | advert.StatusPublic})
	require.NoError(t, err)

	pool := taskpool.New(4, nil)
	defer pool.Close()
	self := hub.Join("client")
	policies := NewStaticPolicies()
	policies.Set("w", WorldPolicy{Rating: advert.ContentHorror})

	var progress []float64
	s := NewSearcher(dir, Options{
		Policies:   policies,
		Names:      self,
		Refresher:  presence.NewRefresher(self, dir, pool, presence.RefresherOptions{Logger: logger}),
		Pool:       pool,
		OnProgress: func(ev pipeline.Event) { progress = append(progress, ev.Progress) },
		Logger:     logger,
	})

	res, err := s.Search(ctx, Query{
		WorldID: "w",
		Policy:  Policy{Prefer: advert.ContentHorror | advert.ContentLanguage},
		Friends: []string{"fp-remote"},
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	require.NotNil(t, res.Winner)
	require.Equal(t, remote.id, res.Winner.Entry.PeerID)
	require.Equal(t, 2+FriendWeight, res.Winner.Score)
	require.Equal(t, cached.id, res.Candidates[1].Entry.PeerID)
	require.Equal(t, 1, res.Candidates[1].Score)
	require.Equal(t, WorldMismatch, res.Candidates[2].Reason)
	require.Equal(t, 1, self.Fetches(), "only the uncached advertisement is fetched")

	require.NotEmpty(t, progress)
	require.Equal(t, 1.0, progress[len(progress)-1])

	e, err := dir.Lookup(remote.id)
	require.NoError(t, err)
	require.Equal(t, rc, e.Cid)

	action, id := Decide(res, self.Self())
	require.Equal(t, Connect, action)
	require.Equal(t, remote.id, id)
}

func TestSearchRespectsCutoff(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir, err := directory.Open(t.TempDir(), directory.Options{Logger: logger})
	require.NoError(t, err)
	h := newHost(t, advert.Document{Name: "h"})
	_, err = dir.ObserveBeacon(h.id, &advert.Beacon{WorldID: "w", Status: advert.StatusOnline})
	require.NoError(t, err)

	s := NewSearcher(dir, Options{Logger: logger})
	res, err := s.Search(context.Background(), Query{Cutoff: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Nil(t, res.Winner)

	action, _ := Decide(res, h.id)
	require.Equal(t, NoMatch, action)
}
