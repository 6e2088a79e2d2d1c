package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrShortKey     = errors.New("agreement key must be 32 bytes")
)

// Sign signs data with the node's signing key.
func Sign(priv crypto.PrivKey, data []byte) ([]byte, error) {
	sig, err := priv.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Verify checks sig over data against a marshalled public key.
func Verify(pubKey, data, sig []byte) error {
	pub, err := crypto.UnmarshalPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	ok, err := pub.Verify(data, sig)
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}

// UserFingerprint derives the opaque id broadcast for a user. The salt is the
// shared topic so fingerprints are only comparable inside one lobby.
func UserFingerprint(userID, salt string) string {
	hash := sha256.Sum256([]byte(salt + "\x00" + userID))
	return base64.RawURLEncoding.EncodeToString(hash[:16])
}

// Fingerprints maps a list of user ids to their sorted, de-duplicated fingerprints.
func Fingerprints(userIDs []string, salt string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		fp := UserFingerprint(id, salt)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

// KeyFingerprint is a short hex digest of a marshalled public key, for logs.
func KeyFingerprint(pubKey []byte) string {
	hash := sha256.Sum256(pubKey)
	return hex.EncodeToString(hash[:8])
}

// NewAgreementKey generates an X25519 key pair.
func NewAgreementKey(r io.Reader) (priv, pub []byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// AgreementPublic returns the public half of an X25519 private key.
func AgreementPublic(priv []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, ErrShortKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// SharedKey derives an AES-256 key from our agreement private key and the
// remote agreement public key. Both sides derive the same key.
func SharedKey(priv, remotePub []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize || len(remotePub) != curve25519.PointSize {
		return nil, ErrShortKey
	}
	secret, err := curve25519.X25519(priv, remotePub)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(secret)
	return hash[:], nil
}

// Encrypt using AES-GCM and return base64
func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt base64 AES-GCM
func Decrypt(ciphertextB64 string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
