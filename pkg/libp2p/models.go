package libp2p

import (
	"time"
)

// blockRequest asks a peer for one block.
type blockRequest struct {
	Cid string `json:"cid"`
}

// blockResponse carries the block bytes, or Missing when the peer does not
// hold it.
type blockResponse struct {
	Data    []byte `json:"data,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// NameRecord maps a peer to the CID of its current advertisement. It is
// stored in the DHT under NameKey(peer) and signed by the peer's key.
type NameRecord struct {
	Value     string    `codec:"v"`
	Seq       uint64    `codec:"s"`
	Expires   time.Time `codec:"e"`
	PublicKey []byte    `codec:"k"`
	Signature []byte    `codec:"sig"`
}
