package libp2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
)

const (
	lowWaterPeers    = 3
	maintainInterval = time.Minute
	republishEvery   = 30 * time.Minute
)

// maintainNetwork runs background tasks to keep the network healthy.
func (n *Node) maintainNetwork() {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	lastRepublish := time.Now()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.ensureConnectivity()
			if time.Since(lastRepublish) >= republishEvery {
				lastRepublish = time.Now()
				ctx, cancel := context.WithTimeout(n.ctx, time.Minute)
				n.republishName(ctx)
				cancel()
				n.reprovide()
			}
		}
	}
}

// ensureConnectivity redials known bootstrap peers when the node is nearly
// isolated.
func (n *Node) ensureConnectivity() {
	connected := len(n.host.Network().Peers())
	if connected >= lowWaterPeers {
		return
	}
	n.log.WithField("peers", connected).Info("low connectivity, redialing bootstrap peers")

	n.bootstrapMux.RLock()
	peers := append([]peer.AddrInfo(nil), n.bootstrapPeers...)
	n.bootstrapMux.RUnlock()
	for _, pi := range peers {
		if n.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.WithError(err).WithField("peer", pi.ID).Debug("redial failed")
		}
		cancel()
	}
	if err := n.dht.Bootstrap(n.ctx); err != nil {
		n.log.WithError(err).Debug("dht refresh failed")
	}
}

// ConnectToPeer connects to a peer given its multiaddress string and
// remembers it as a bootstrap peer.
func (n *Node) ConnectToPeer(ctx context.Context, addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return err
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, *peerInfo); err != nil {
		return err
	}

	n.bootstrapMux.Lock()
	n.bootstrapPeers = append(n.bootstrapPeers, *peerInfo)
	if len(n.bootstrapPeers) > 20 {
		n.bootstrapPeers = n.bootstrapPeers[1:]
	}
	n.bootstrapMux.Unlock()
	return nil
}

// Punch dials id directly on the given addresses, bypassing relays, so the
// outgoing packets open a NAT mapping the peer can answer through.
func (n *Node) Punch(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error {
	if id == n.host.ID() {
		return nil
	}
	n.host.Peerstore().AddAddrs(id, addrs, peerstore.TempAddrTTL)
	ctx = network.WithForceDirectDial(ctx, "nat assist")
	return n.host.Connect(ctx, peer.AddrInfo{ID: id, Addrs: addrs})
}
