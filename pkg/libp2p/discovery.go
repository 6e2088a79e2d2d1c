package libp2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/sirupsen/logrus"
)

const discoveryInterval = 30 * time.Second

// discoverTopicPeers advertises the node under the topic's rendezvous key
// and periodically connects to the other peers found there, so the gossip
// mesh for the topic can form.
func (n *Node) discoverTopicPeers(topic string) {
	key := LobbyNamespace + "/" + topic
	routingDiscovery := discovery.NewRoutingDiscovery(n.dht)
	advertised := false

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		if n.dht.RoutingTable().Size() > 0 {
			if !advertised {
				util.Advertise(n.ctx, routingDiscovery, key)
				advertised = true
			}
			peerChan, err := routingDiscovery.FindPeers(n.ctx, key)
			if err == nil {
				n.processPeerDiscovery(peerChan, topic)
			}
		}
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processPeerDiscovery connects to peers found via discovery.
func (n *Node) processPeerDiscovery(peerChan <-chan peer.AddrInfo, topic string) {
	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.host.Network().Connectedness(p.ID) == network.Connected {
			continue
		}

		ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
		if err := n.host.Connect(ctx, p); err == nil {
			n.log.WithFields(logrus.Fields{"peer": p.ID, "topic": topic}).Debug("connected to topic peer")
		}
		cancel()
	}
}
