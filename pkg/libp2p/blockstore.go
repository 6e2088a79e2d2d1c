package libp2p

import (
	"errors"
	"fmt"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/dgraph-io/badger/v3"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// DefaultBlockTTL is how long an unpinned block is kept.
const DefaultBlockTTL = 48 * time.Hour

const (
	blockPrefix = "block/"
	pinPrefix   = "pin/"
)

// Blockstore keeps raw blocks in badger. Unpinned blocks carry a TTL and
// expire on their own; pinned blocks are kept until unpinned.
type Blockstore struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBlockstore opens the store in dir. An empty dir keeps everything in
// memory.
func OpenBlockstore(dir string, log logrus.FieldLogger) (*Blockstore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log == nil {
		opts.Logger = nil
	} else {
		opts.Logger = badgerLogger{log.WithField("component", "blockstore")}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blockstore: %w", err)
	}
	return &Blockstore{db: db, ttl: DefaultBlockTTL}, nil
}

func blockKey(c cid.Cid) []byte { return []byte(blockPrefix + c.KeyString()) }
func pinKey(c cid.Cid) []byte   { return []byte(pinPrefix + c.KeyString()) }

// Put stores data under its CID.
func (b *Blockstore) Put(data []byte) (cid.Cid, error) {
	c, err := overlay.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	return c, b.putVerified(c, data)
}

// putVerified stores data that is known to hash to c.
func (b *Blockstore) putVerified(c cid.Cid, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		pinned, err := has(txn, pinKey(c))
		if err != nil {
			return err
		}
		return b.setBlock(txn, c, data, pinned)
	})
}

func (b *Blockstore) setBlock(txn *badger.Txn, c cid.Cid, data []byte, pinned bool) error {
	e := badger.NewEntry(blockKey(c), data)
	if !pinned {
		e = e.WithTTL(b.ttl)
	}
	return txn.SetEntry(e)
}

// Get returns the block or overlay.ErrNotFound.
func (b *Blockstore) Get(c cid.Cid) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", overlay.ErrNotFound, c)
	}
	return data, err
}

// Has reports whether the block is held locally.
func (b *Blockstore) Has(c cid.Cid) (bool, error) {
	var found bool
	err := b.db.View(func(txn *badger.Txn) (err error) {
		found, err = has(txn, blockKey(c))
		return err
	})
	return found, err
}

// Pin keeps a stored block until Unpin.
func (b *Blockstore) Pin(c cid.Cid) error {
	return b.setPinned(c, true)
}

// Unpin lets the block expire again. Unpinning an unknown block is not an
// error.
func (b *Blockstore) Unpin(c cid.Cid) error {
	err := b.setPinned(c, false)
	if errors.Is(err, overlay.ErrNotFound) {
		return nil
	}
	return err
}

func (b *Blockstore) setPinned(c cid.Cid, pinned bool) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", overlay.ErrNotFound, c)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if pinned {
			err = txn.Set(pinKey(c), nil)
		} else {
			err = txn.Delete(pinKey(c))
		}
		if err != nil {
			return err
		}
		return b.setBlock(txn, c, data, pinned)
	})
}

// Pins lists the pinned CIDs.
func (b *Blockstore) Pins() ([]cid.Cid, error) {
	var pins []cid.Cid
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pinPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			c, err := cid.Cast(it.Item().KeyCopy(nil)[len(prefix):])
			if err != nil {
				continue
			}
			pins = append(pins, c)
		}
		return nil
	})
	return pins, err
}

func (b *Blockstore) Close() error {
	return b.db.Close()
}

func has(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// badgerLogger demotes badger's chatty info output to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}
