package libp2p

import "github.com/libp2p/go-libp2p/core/protocol"

const (
	// Protocol IDs for the node's own services
	BlockProtocol protocol.ID = "/golobby/block/1.0.0"

	// DHTPrefix keeps the lobby DHT apart from the public IPFS one, which
	// rejects record namespaces it does not know.
	DHTPrefix protocol.ID = "/golobby"

	// NameNamespace is the DHT record namespace for advertisement names
	NameNamespace = "golobby"

	// LobbyNamespace is advertised through routing discovery so lobby peers
	// find each other before the pub/sub mesh forms
	LobbyNamespace = "golobby-lobby"
)
