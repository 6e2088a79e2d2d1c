package overlay

import (
	"context"
	"errors"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound     = errors.New("content not found")
	ErrNameNotFound = errors.New("name record not found")
	ErrClosed       = errors.New("overlay closed")
)

// Message is one pub/sub delivery.
type Message struct {
	From peer.ID
	Data []byte
}

// Subscription is a standing topic subscription.
type Subscription interface {
	// Next blocks for the next message or until ctx ends.
	Next(ctx context.Context) (*Message, error)
	Cancel()
}

// Network is the content-addressed pub/sub substrate the lobby runs on.
type Network interface {
	Self() peer.ID
	Store(ctx context.Context, data []byte) (cid.Cid, error)
	Fetch(ctx context.Context, c cid.Cid) (io.ReadCloser, error)
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	PublishName(ctx context.Context, c cid.Cid) error
	ResolveName(ctx context.Context, id peer.ID) (cid.Cid, error)
	Pin(ctx context.Context, c cid.Cid) error
	Unpin(ctx context.Context, c cid.Cid) error
}

// Sum returns the CIDv1 (raw codec, sha2-256) of data. Every backend
// addresses objects this way so CIDs agree across them.
func Sum(data []byte) (cid.Cid, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Verify checks that data hashes to c.
func Verify(c cid.Cid, data []byte) error {
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(c) {
		return errors.New("content does not match its cid")
	}
	return nil
}

// ReadAll reads at most limit bytes from a fetch stream.
func ReadAll(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New("object exceeds size limit")
	}
	return data, nil
}
