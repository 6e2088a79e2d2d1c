package presence

import (
	"bytes"
	"fmt"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Kind discriminates the payloads carried on the lobby topic.
type Kind string

const (
	KindAdvertisementRef Kind = "adref"
	KindBeacon           Kind = "beacon"
	KindNatAssist        Kind = "nat"
)

// Message is one decoded payload: *AdvertisementRef, *Beacon, *NatAssist or
// *Unknown.
type Message interface {
	Kind() Kind
}

// AdvertisementRef announces a freshly published advertisement.
type AdvertisementRef struct {
	Cid string `json:"cid"`
}

func (*AdvertisementRef) Kind() Kind { return KindAdvertisementRef }

// Advertisement parses the referenced CID.
func (m *AdvertisementRef) Advertisement() (cid.Cid, bool) {
	if m.Cid == "" {
		return cid.Undef, false
	}
	c, err := cid.Decode(m.Cid)
	return c, err == nil
}

// Beacon is a presence beacon on the wire.
type Beacon struct {
	advert.Beacon
}

func (*Beacon) Kind() Kind { return KindBeacon }

// NatAssist asks the recipient to dial back. Sealed holds the sender's
// reachable addresses encrypted for the recipient.
type NatAssist struct {
	RequestID string `json:"id"`
	Sealed    string `json:"sealed"`
}

func (*NatAssist) Kind() Kind { return KindNatAssist }

// Unknown is any payload whose kind this node does not understand.
type Unknown struct {
	Type Kind
}

func (m *Unknown) Kind() Kind { return m.Type }

type envelope struct {
	Kind Kind            `json:"kind"`
	To   string          `json:"to,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Envelope is a decoded wire message.
type Envelope struct {
	To      peer.ID
	Message Message
}

// Directed reports whether the message names a single recipient.
func (e *Envelope) Directed() bool { return e.To != "" }

// Encode wraps msg in the wire envelope. to may be empty for broadcasts.
func Encode(msg Message, to peer.ID) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", msg.Kind(), err)
	}
	env := envelope{Kind: msg.Kind(), Body: body}
	if to != "" {
		env.To = to.String()
	}
	return json.Marshal(&env)
}

// Decode parses a wire payload. Unrecognised kinds decode to *Unknown; only
// malformed envelopes or bodies are errors.
func Decode(data []byte) (*Envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}

	out := &Envelope{}
	if env.To != "" {
		to, err := peer.Decode(env.To)
		if err != nil {
			return nil, fmt.Errorf("%w: bad recipient: %v", ErrMalformedMessage, err)
		}
		out.To = to
	}

	var msg Message
	switch env.Kind {
	case KindAdvertisementRef:
		msg = &AdvertisementRef{}
	case KindBeacon:
		msg = &Beacon{}
	case KindNatAssist:
		msg = &NatAssist{}
	default:
		out.Message = &Unknown{Type: env.Kind}
		return out, nil
	}
	if body := bytes.TrimSpace(env.Body); len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if err := json.Unmarshal(body, msg); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedMessage, env.Kind, err)
		}
	}
	out.Message = msg
	return out, nil
}
