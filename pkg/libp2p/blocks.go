package libp2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	// MaxBlockSize bounds what the block protocol will send or accept.
	MaxBlockSize = 1 << 20

	blockStreamTimeout = 20 * time.Second
	maxProviders       = 8
)

// Store keeps data locally and announces it on the DHT.
func (n *Node) Store(_ context.Context, data []byte) (cid.Cid, error) {
	if len(data) > MaxBlockSize {
		return cid.Undef, fmt.Errorf("block of %d bytes exceeds %d", len(data), MaxBlockSize)
	}
	c, err := n.blocks.Put(data)
	if err != nil {
		return cid.Undef, err
	}
	n.provide(c)
	return c, nil
}

func (n *Node) provide(c cid.Cid) {
	if n.dht.RoutingTable().Size() == 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, time.Minute)
		defer cancel()
		if err := n.dht.Provide(ctx, c, true); err != nil {
			n.log.WithError(err).WithField("cid", c).Debug("provide failed")
		}
	}()
}

// Fetch returns the block from the local store, or asks connected peers and
// then DHT providers for it. Fetched blocks are verified and cached
// unpinned.
func (n *Node) Fetch(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	data, err := n.blocks.Get(c)
	if err == nil {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if !errors.Is(err, overlay.ErrNotFound) {
		return nil, err
	}

	tried := make(map[peer.ID]bool)
	try := func(id peer.ID) ([]byte, bool) {
		if id == n.host.ID() || tried[id] {
			return nil, false
		}
		tried[id] = true
		data, err := n.requestBlock(ctx, id, c)
		if err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{"peer": id, "cid": c}).Debug("block request failed")
			return nil, false
		}
		return data, true
	}

	for _, id := range n.host.Network().Peers() {
		if data, ok := try(id); ok {
			return n.keep(c, data)
		}
	}
	if n.dht.RoutingTable().Size() > 0 {
		for pi := range n.dht.FindProvidersAsync(ctx, c, maxProviders) {
			n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, time.Minute)
			if data, ok := try(pi.ID); ok {
				return n.keep(c, data)
			}
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s", overlay.ErrNotFound, c)
}

func (n *Node) keep(c cid.Cid, data []byte) (io.ReadCloser, error) {
	if err := n.blocks.putVerified(c, data); err != nil {
		n.log.WithError(err).WithField("cid", c).Warn("failed to cache fetched block")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (n *Node) requestBlock(ctx context.Context, id peer.ID, c cid.Cid) ([]byte, error) {
	s, err := n.host.NewStream(ctx, id, BlockProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	deadline := time.Now().Add(blockStreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetDeadline(deadline)

	if err := json.NewEncoder(s).Encode(blockRequest{Cid: c.String()}); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	var resp blockResponse
	// base64 in JSON grows the block by a third
	if err := json.NewDecoder(io.LimitReader(s, 2*MaxBlockSize)).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Missing {
		return nil, overlay.ErrNotFound
	}
	if err := overlay.Verify(c, resp.Data); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// handleBlockStream serves one block request.
func (n *Node) handleBlockStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(blockStreamTimeout))
	log := n.log.WithField("peer", s.Conn().RemotePeer())

	var req blockRequest
	if err := json.NewDecoder(io.LimitReader(s, 1<<10)).Decode(&req); err != nil {
		log.WithError(err).Debug("bad block request")
		_ = s.Reset()
		return
	}
	c, err := cid.Decode(req.Cid)
	if err != nil {
		_ = s.Reset()
		return
	}

	resp := blockResponse{}
	data, err := n.blocks.Get(c)
	switch {
	case errors.Is(err, overlay.ErrNotFound):
		resp.Missing = true
	case err != nil:
		log.WithError(err).Warn("blockstore read failed")
		_ = s.Reset()
		return
	default:
		resp.Data = data
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		log.WithError(err).Debug("failed to send block")
	}
}

func (n *Node) Pin(_ context.Context, c cid.Cid) error {
	return n.blocks.Pin(c)
}

func (n *Node) Unpin(_ context.Context, c cid.Cid) error {
	return n.blocks.Unpin(c)
}

// reprovide announces every pinned block again.
func (n *Node) reprovide() {
	pins, err := n.blocks.Pins()
	if err != nil {
		n.log.WithError(err).Warn("failed to list pins")
		return
	}
	for _, c := range pins {
		n.provide(c)
	}
}
