package advert

import (
	"time"

	"github.com/ipfs/go-cid"
)

// Beacon is the ephemeral presence record broadcast on the shared topic.
type Beacon struct {
	WorldID   string    `json:"worldId,omitempty"`
	WorldName string    `json:"worldName,omitempty"`
	Users     []string  `json:"users,omitempty"`
	Addrs     []string  `json:"addrs,omitempty"`
	Status    Flags     `json:"status"`
	Timestamp time.Time `json:"ts"`
	AdCid     string    `json:"ad,omitempty"`
}

// Goodbye returns the beacon published once when a node goes offline.
func Goodbye(now time.Time) *Beacon {
	return &Beacon{Timestamp: now.UTC()}
}

// IsGoodbye reports whether the beacon says the sender left.
func (b *Beacon) IsGoodbye() bool {
	return b == nil || !b.Status.IsAny(StatusOnline)
}

// Online reports whether the beacon advertises an online host.
func (b *Beacon) Online() bool {
	return !b.IsGoodbye()
}

// Advertisement returns the referenced advertisement CID, if any.
func (b *Beacon) Advertisement() (cid.Cid, bool) {
	if b == nil || b.AdCid == "" {
		return cid.Undef, false
	}
	c, err := cid.Decode(b.AdCid)
	if err != nil {
		return cid.Undef, false
	}
	return c, true
}
