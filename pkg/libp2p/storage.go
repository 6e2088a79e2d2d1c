package libp2p

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// SaveIdentity writes the private key into dir.
func SaveIdentity(key crypto.PrivKey, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the private key from dir.
// If the key doesn't exist, it generates a new Ed25519 key and saves it.
func LoadIdentity(dir string) (crypto.PrivKey, error) {
	if dir == "" {
		return nil, errors.New("identity directory is required")
	}
	keyPath := filepath.Join(dir, identityFileName)

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := SaveIdentity(privKey, dir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}

	key, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity %s: %w", keyPath, err)
	}
	return key, nil
}
