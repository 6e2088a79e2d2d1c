package advert

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-version"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrMalformed   = errors.New("malformed advertisement")
	ErrWrongSigner = errors.New("advertisement owner does not match sender")
	ErrKeyMismatch = errors.New("advertisement signed by a different key than previously seen")
)

// MaxDocumentBytes bounds how much of a fetched object is read.
const MaxDocumentBytes = 64 << 10

// Document is the signed, semi-static description a peer advertises.
type Document struct {
	PeerID       peer.ID   `json:"peer"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Icon         string    `json:"icon,omitempty"`
	Rating       Flags     `json:"rating"`
	Permissions  Flags     `json:"permissions"`
	CustomNotice bool      `json:"customNotice,omitempty"`
	Admins       []string  `json:"admins,omitempty"`
	MinVersion   string    `json:"minVersion,omitempty"`
	SigningKey   []byte    `json:"signingKey"`
	AgreementKey []byte    `json:"agreementKey,omitempty"`
	Modified     time.Time `json:"modified"`
}

// Equal compares the content a peer controls, ignoring keys and timestamp.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.PeerID != o.PeerID || d.Name != o.Name || d.Description != o.Description ||
		d.Icon != o.Icon || d.Rating != o.Rating || d.Permissions != o.Permissions ||
		d.CustomNotice != o.CustomNotice || d.MinVersion != o.MinVersion ||
		len(d.Admins) != len(o.Admins) {
		return false
	}
	for i := range d.Admins {
		if d.Admins[i] != o.Admins[i] {
			return false
		}
	}
	return bytes.Equal(d.AgreementKey, o.AgreementKey)
}

// Supports reports whether a node speaking localVersion satisfies the
// document's minimum protocol version. Unparseable minimums are not supported.
func (d *Document) Supports(localVersion string) bool {
	if d.MinVersion == "" {
		return true
	}
	minV, err := version.NewVersion(d.MinVersion)
	if err != nil {
		return false
	}
	local, err := version.NewVersion(localVersion)
	if err != nil {
		return false
	}
	return local.GreaterThanOrEqual(minV)
}

// SignedDocument is the content-addressed object: the canonical JSON body of
// a Document plus the owner's signature over exactly those bytes.
type SignedDocument struct {
	Body      []byte `json:"body"`
	Signature []byte `json:"sig"`

	doc *Document
}

// Sign fills in the signing key and signs the document.
func Sign(doc Document, priv crypto.PrivKey) (*SignedDocument, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	doc.SigningKey = pub
	doc.Modified = doc.Modified.UTC()

	body, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	sig, err := lcrypto.Sign(priv, body)
	if err != nil {
		return nil, err
	}
	return &SignedDocument{Body: body, Signature: sig, doc: &doc}, nil
}

// Document returns the decoded body. Only valid after Sign, Verify or Open.
func (s *SignedDocument) Document() *Document {
	return s.doc
}

// Verify decodes the body and checks the signature against the embedded key.
func (s *SignedDocument) Verify() (*Document, error) {
	var doc Document
	if err := json.Unmarshal(s.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.PeerID == "" || len(doc.SigningKey) == 0 {
		return nil, ErrMalformed
	}
	if err := lcrypto.Verify(doc.SigningKey, s.Body, s.Signature); err != nil {
		return nil, err
	}
	s.doc = &doc
	return &doc, nil
}

// VerifyFrom verifies the document and that it belongs to sender. When
// pinnedKey is non-empty the document must be signed by that key.
func (s *SignedDocument) VerifyFrom(sender peer.ID, pinnedKey []byte) (*Document, error) {
	doc, err := s.Verify()
	if err != nil {
		return nil, err
	}
	if doc.PeerID != sender {
		return nil, ErrWrongSigner
	}
	if len(pinnedKey) > 0 && !bytes.Equal(pinnedKey, doc.SigningKey) {
		return nil, ErrKeyMismatch
	}
	return doc, nil
}

// Marshal encodes the envelope for content-addressed storage.
func (s *SignedDocument) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Open decodes and verifies an envelope fetched from storage.
func Open(data []byte, sender peer.ID, pinnedKey []byte) (*SignedDocument, error) {
	if len(data) == 0 || len(data) > MaxDocumentBytes {
		return nil, ErrMalformed
	}
	var s SignedDocument
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := s.VerifyFrom(sender, pinnedKey); err != nil {
		return nil, err
	}
	return &s, nil
}
