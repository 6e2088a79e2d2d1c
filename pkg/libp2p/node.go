// Package libp2p implements overlay.Network on an embedded libp2p node:
// gossipsub for topics, a DHT for content routing and name records, and a
// badger blockstore for the node's own objects.
package libp2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Options configure a Node.
type Options struct {
	Port     int
	Identity crypto.PrivKey
	// BlocksDir holds the blockstore. Empty keeps blocks in memory.
	BlocksDir string
	// Bootstrap peers speak the lobby DHT. The public libp2p bootstrap
	// nodes are still dialed for relays and hole punching unless Loopback
	// is set.
	Bootstrap []peer.AddrInfo
	// Loopback listens on 127.0.0.1 only and skips relays and port
	// mapping.
	Loopback bool
	Logger   logrus.FieldLogger
}

// Node is an embedded overlay peer.
type Node struct {
	host   host.Host
	priv   crypto.PrivKey
	ctx    context.Context
	cancel context.CancelFunc
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	blocks *Blockstore
	log    logrus.FieldLogger
	wg     sync.WaitGroup

	topicsMux sync.Mutex
	topics    map[string]*pubsub.Topic

	// Bootstrap peers (configured plus those we connected to since)
	bootstrapPeers []peer.AddrInfo
	bootstrapMux   sync.RWMutex

	nameMux sync.Mutex
	name    *NameRecord
}

var _ overlay.Network = (*Node)(nil)

// NewNode creates the host, DHT, pub/sub router and blockstore.
func NewNode(opts Options) (*Node, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "libp2p")
	ctx, cancel := context.WithCancel(context.Background())

	blocks, err := OpenBlockstore(opts.BlocksDir, opts.Logger)
	if err != nil {
		cancel()
		return nil, err
	}

	var idht *dht.IpfsDHT

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, multierr.Append(err, blocks.Close())
	}

	listenIP := "0.0.0.0"
	if opts.Loopback {
		listenIP = "127.0.0.1"
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", listenIP, opts.Port),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", listenIP, opts.Port),
		),
		libp2p.Identity(opts.Identity),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h,
				dht.Mode(dht.ModeServer),
				dht.ProtocolPrefix(DHTPrefix),
				dht.Validator(record.NamespacedValidator{
					"pk":          record.PublicKeyValidator{},
					NameNamespace: NameValidator{},
				}),
				dht.BootstrapPeers(opts.Bootstrap...),
			)
			return idht, err
		}),
	}
	if !opts.Loopback {
		var staticRelays []peer.AddrInfo
		for _, addr := range dht.DefaultBootstrapPeers {
			pi, err := peer.AddrInfoFromP2pAddr(addr)
			if err != nil {
				log.WithError(err).Warn("failed to parse bootstrap peer")
				continue
			}
			staticRelays = append(staticRelays, *pi)
		}
		libp2pOpts = append(libp2pOpts,
			libp2p.EnableAutoRelayWithStaticRelays(staticRelays),
			libp2p.EnableHolePunching(),
			libp2p.NATPortMap(),
		)
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, multierr.Append(fmt.Errorf("failed to create libp2p host: %w", err), blocks.Close())
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, multierr.Combine(fmt.Errorf("failed to create pubsub: %w", err), h.Close(), blocks.Close())
	}

	node := &Node{
		host:           h,
		priv:           opts.Identity,
		ctx:            ctx,
		cancel:         cancel,
		dht:            idht,
		pubsub:         ps,
		blocks:         blocks,
		log:            log,
		topics:         make(map[string]*pubsub.Topic),
		bootstrapPeers: append([]peer.AddrInfo(nil), opts.Bootstrap...),
	}

	h.SetStreamHandler(BlockProtocol, node.handleBlockStream)

	log.WithFields(logrus.Fields{
		"peer":  h.ID(),
		"addrs": h.Addrs(),
	}).Info("node started")

	return node, nil
}

// Bootstrap connects to the configured peers (and, unless running on
// loopback, the public libp2p bootstrap nodes) and starts the maintenance
// loops.
func (n *Node) Bootstrap(ctx context.Context, public bool) error {
	n.bootstrapMux.RLock()
	peers := append([]peer.AddrInfo(nil), n.bootstrapPeers...)
	n.bootstrapMux.RUnlock()
	if public {
		for _, addr := range dht.DefaultBootstrapPeers {
			if pi, err := peer.AddrInfoFromP2pAddr(addr); err == nil {
				peers = append(peers, *pi)
			}
		}
	}

	connected := 0
	for _, pi := range peers {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := n.host.Connect(cctx, pi)
		cancel()
		if err != nil {
			n.log.WithError(err).WithField("peer", pi.ID).Debug("bootstrap dial failed")
			continue
		}
		connected++
	}

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		n.log.WithError(err).Warn("dht bootstrap failed")
	}
	if connected == 0 {
		n.log.Warn("no bootstrap peer reachable, will discover peers organically")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.maintainNetwork()
	}()
	return nil
}

func (n *Node) Self() peer.ID { return n.host.ID() }

// Addrs returns the node's dialable addresses, each with its /p2p suffix.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

// Close shuts down the node.
func (n *Node) Close() error {
	n.cancel()

	n.topicsMux.Lock()
	var err error
	for name, t := range n.topics {
		err = multierr.Append(err, t.Close())
		delete(n.topics, name)
	}
	n.topicsMux.Unlock()

	err = multierr.Append(err, n.dht.Close())
	err = multierr.Append(err, n.host.Close())
	n.wg.Wait()
	return multierr.Append(err, n.blocks.Close())
}

// DisconnectFromPeer closes the connection to a specific peer.
func (n *Node) DisconnectFromPeer(peerID peer.ID) error {
	return n.host.Network().ClosePeer(peerID)
}
