package rendezvous

import (
	"fmt"
	"sort"
	"time"

	"github.com/baderanaas/GoLobby/pkg/directory"
)

// Reason says why a candidate was disqualified.
type Reason int

const (
	Qualified Reason = iota
	CustomNotice
	Offline
	NoAdvertisement
	PolicyViolation
	WorldMismatch
	VersionTooOld
)

func (r Reason) String() string {
	switch r {
	case Qualified:
		return "qualified"
	case CustomNotice:
		return "custom notice"
	case Offline:
		return "offline"
	case NoAdvertisement:
		return "no advertisement"
	case PolicyViolation:
		return "world policy violation"
	case WorldMismatch:
		return "world mismatch"
	case VersionTooOld:
		return "protocol version too old"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Sentinel is the score a disqualified candidate receives. Every sentinel is
// far below any reachable positive score.
func (r Reason) Sentinel() int {
	if r == Qualified {
		return 0
	}
	return -1_000_000 * int(r)
}

// FriendWeight is the score of one mutual friend.
const FriendWeight = 3

// Candidate is one scored directory entry.
type Candidate struct {
	Entry  *directory.Entry
	Score  int
	Reason Reason
}

// Disqualified reports whether the candidate can never win.
func (c Candidate) Disqualified() bool { return c.Reason != Qualified }

// Scorer evaluates candidates against a query.
type Scorer struct {
	Policy       Policy
	World        string
	WorldPolicy  *WorldPolicy
	Friends      map[string]struct{}
	OnlineWindow time.Duration
	Now          time.Time
}

// Score evaluates one entry. The first failing check decides the reason.
func (s *Scorer) Score(e *directory.Entry) Candidate {
	c := Candidate{Entry: e}
	doc := e.Document()
	switch {
	case doc != nil && doc.CustomNotice && !s.Policy.AllowCustomNotice:
		c.Reason = CustomNotice
	case !e.Online(s.Now, s.OnlineWindow):
		c.Reason = Offline
	case doc == nil:
		c.Reason = NoAdvertisement
	case s.WorldPolicy.Violates(doc.Rating):
		c.Reason = PolicyViolation
	case s.World != "" && e.Beacon.WorldID != s.World:
		c.Reason = WorldMismatch
	case s.Policy.Version != "" && !doc.Supports(s.Policy.Version):
		c.Reason = VersionTooOld
	}
	if c.Reason != Qualified {
		c.Score = c.Reason.Sentinel()
		return c
	}
	c.Score = MatchRatio(doc.Rating, s.Policy) + FriendWeight*s.mutualFriends(e)
	return c
}

func (s *Scorer) mutualFriends(e *directory.Entry) int {
	if e.Beacon == nil {
		return 0
	}
	n := 0
	for _, fp := range e.Beacon.Users {
		if _, ok := s.Friends[fp]; ok {
			n++
		}
	}
	return n
}

// Rank scores every entry and sorts the result by score, highest first.
// Equal scores keep entry order.
func (s *Scorer) Rank(entries []*directory.Entry) []Candidate {
	out := make([]Candidate, len(entries))
	for i, e := range entries {
		out[i] = s.Score(e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Winner returns the top candidate of a ranked list, or nil when the list is
// empty or its top score is negative.
func Winner(ranked []Candidate) *Candidate {
	if len(ranked) == 0 || ranked[0].Score < 0 {
		return nil
	}
	w := ranked[0]
	return &w
}
