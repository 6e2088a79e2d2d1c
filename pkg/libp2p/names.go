package libp2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
)

// NameLifetime is how long a published name record stays valid.
const NameLifetime = 48 * time.Hour

var (
	ErrNameExpired     = errors.New("name record expired")
	ErrNameKeyMismatch = errors.New("name record key does not match peer")
)

var nameHandle = &codec.MsgpackHandle{WriteExt: true}

// NameKey is the DHT key of id's name record.
func NameKey(id peer.ID) string {
	return "/" + NameNamespace + "/" + string(id)
}

func (r *NameRecord) signingBytes() []byte {
	return fmt.Appendf(nil, "golobby-name:%s:%d:%d", r.Value, r.Seq, r.Expires.UnixNano())
}

func (r *NameRecord) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, nameHandle).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalNameRecord(data []byte) (*NameRecord, error) {
	r := &NameRecord{}
	if err := codec.NewDecoderBytes(data, nameHandle).Decode(r); err != nil {
		return nil, fmt.Errorf("invalid name record: %w", err)
	}
	return r, nil
}

// NewNameRecord signs a record pointing at c.
func NewNameRecord(priv crypto.PrivKey, c cid.Cid, seq uint64, expires time.Time) (*NameRecord, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}
	r := &NameRecord{Value: c.String(), Seq: seq, Expires: expires.UTC(), PublicKey: pub}
	if r.Signature, err = lcrypto.Sign(priv, r.signingBytes()); err != nil {
		return nil, err
	}
	return r, nil
}

// NameValidator accepts name records signed by the key the DHT key's peer
// id was derived from.
type NameValidator struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

var _ record.Validator = NameValidator{}

func (v NameValidator) Validate(key string, value []byte) error {
	ns, rest, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	if ns != NameNamespace {
		return fmt.Errorf("unexpected namespace %q", ns)
	}
	id, err := peer.IDFromBytes([]byte(rest))
	if err != nil {
		return fmt.Errorf("invalid peer id in key: %w", err)
	}
	r, err := unmarshalNameRecord(value)
	if err != nil {
		return err
	}
	return v.check(id, r)
}

func (v NameValidator) check(id peer.ID, r *NameRecord) error {
	pub, err := crypto.UnmarshalPublicKey(r.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if !id.MatchesPublicKey(pub) {
		return ErrNameKeyMismatch
	}
	if err := lcrypto.Verify(r.PublicKey, r.signingBytes(), r.Signature); err != nil {
		return err
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if now().After(r.Expires) {
		return ErrNameExpired
	}
	if _, err := cid.Decode(r.Value); err != nil {
		return fmt.Errorf("invalid cid: %w", err)
	}
	return nil
}

// Select prefers the highest sequence number, then the latest expiry.
func (v NameValidator) Select(_ string, vals [][]byte) (int, error) {
	best := -1
	var bestRec *NameRecord
	for i, val := range vals {
		r, err := unmarshalNameRecord(val)
		if err != nil {
			continue
		}
		if best < 0 || r.Seq > bestRec.Seq || (r.Seq == bestRec.Seq && r.Expires.After(bestRec.Expires)) {
			best, bestRec = i, r
		}
	}
	if best < 0 {
		return 0, errors.New("no decodable name record")
	}
	return best, nil
}

// PublishName points the node's name at c. The record is always kept
// locally; it is pushed to the DHT when the routing table has peers and
// republished by the maintenance loop.
func (n *Node) PublishName(ctx context.Context, c cid.Cid) error {
	n.nameMux.Lock()
	seq := uint64(time.Now().UnixNano())
	if n.name != nil && n.name.Seq >= seq {
		seq = n.name.Seq + 1
	}
	r, err := NewNameRecord(n.priv, c, seq, time.Now().Add(NameLifetime))
	if err != nil {
		n.nameMux.Unlock()
		return fmt.Errorf("failed to sign name record: %w", err)
	}
	n.name = r
	n.nameMux.Unlock()

	return n.putName(ctx, r)
}

func (n *Node) putName(ctx context.Context, r *NameRecord) error {
	if n.dht.RoutingTable().Size() == 0 {
		n.log.WithField("cid", r.Value).Debug("no dht peers, name record kept locally")
		return nil
	}
	data, err := r.marshal()
	if err != nil {
		return err
	}
	if err := n.dht.PutValue(ctx, NameKey(n.host.ID()), data); err != nil {
		return fmt.Errorf("failed to publish name record: %w", err)
	}
	return nil
}

// republishName pushes the current record again, re-signing it when it is
// within a quarter of its lifetime of expiring.
func (n *Node) republishName(ctx context.Context) {
	n.nameMux.Lock()
	r := n.name
	n.nameMux.Unlock()
	if r == nil {
		return
	}
	if time.Until(r.Expires) < NameLifetime/4 {
		c, err := cid.Decode(r.Value)
		if err == nil {
			err = n.PublishName(ctx, c)
		}
		if err != nil {
			n.log.WithError(err).Debug("name republish failed")
		}
		return
	}
	if err := n.putName(ctx, r); err != nil {
		n.log.WithError(err).Debug("name republish failed")
	}
}

func (n *Node) ResolveName(ctx context.Context, id peer.ID) (cid.Cid, error) {
	if id == n.host.ID() {
		n.nameMux.Lock()
		r := n.name
		n.nameMux.Unlock()
		if r == nil {
			return cid.Undef, fmt.Errorf("%w: %s", overlay.ErrNameNotFound, id)
		}
		return cid.Decode(r.Value)
	}

	data, err := n.dht.GetValue(ctx, NameKey(id), dht.Quorum(1))
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			return cid.Undef, fmt.Errorf("%w: %s", overlay.ErrNameNotFound, id)
		}
		return cid.Undef, fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	r, err := unmarshalNameRecord(data)
	if err != nil {
		return cid.Undef, err
	}
	// the dht validated it already, this guards the key binding
	if err := (NameValidator{}).check(id, r); err != nil {
		return cid.Undef, err
	}
	return cid.Decode(r.Value)
}
