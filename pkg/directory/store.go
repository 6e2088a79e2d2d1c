package directory

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"golang.org/x/crypto/blake2b"
)

const (
	tempPrefix = ".tmp-"
	stripes    = 64
)

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("empty directory key")

// Item is a record together with the key it was stored under.
type Item[R any] struct {
	Key    string
	Record R
}

type fileRecord[R any] struct {
	Key    string `codec:"k"`
	Record R      `codec:"r"`
}

// Store keeps one msgpack file per key under root. The file path is the
// hex BLAKE2b-256 of the key, split after the first two characters.
// Writes go to a temp file that is renamed into place, so readers never
// observe a partial record.
type Store[R any] struct {
	root   string
	handle *codec.MsgpackHandle
	locks  [stripes]sync.Mutex
}

// OpenStore creates root if needed.
func OpenStore[R any](root string) (*Store[R], error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	return &Store[R]{root: root, handle: &codec.MsgpackHandle{WriteExt: true}}, nil
}

// Root returns the store directory.
func (s *Store[R]) Root() string { return s.root }

func hashKey(key string) [32]byte {
	return blake2b.Sum256([]byte(key))
}

// Path returns the file a key is stored in.
func (s *Store[R]) Path(key string) string {
	sum := hashKey(key)
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, name[:2], name[2:])
}

func (s *Store[R]) lock(key string) *sync.Mutex {
	sum := hashKey(key)
	return &s.locks[int(sum[0])%stripes]
}

// Lookup returns the record for key. found is false when no file exists.
func (s *Store[R]) Lookup(key string) (rec R, found bool, err error) {
	if key == "" {
		return rec, false, ErrEmptyKey
	}
	return s.read(s.Path(key))
}

func (s *Store[R]) read(path string) (rec R, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	item, err := s.decode(data)
	if err != nil {
		return rec, false, fmt.Errorf("corrupt record %s: %w", path, err)
	}
	return item.Record, true, nil
}

func (s *Store[R]) decode(data []byte) (fileRecord[R], error) {
	var fr fileRecord[R]
	err := codec.NewDecoderBytes(data, s.handle).Decode(&fr)
	return fr, err
}

// Insert writes rec under key, replacing any existing record.
func (s *Store[R]) Insert(key string, rec R) error {
	if key == "" {
		return ErrEmptyKey
	}
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	return s.write(key, rec)
}

func (s *Store[R]) write(key string, rec R) error {
	path := s.Path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, s.handle).Encode(&fileRecord[R]{Key: key, Record: rec}); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Delete removes the record for key. Deleting a missing key is not an error.
func (s *Store[R]) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ConditionalUpdate writes rec only if no record exists for key or pred
// accepts the existing one. It reports whether the write happened.
func (s *Store[R]) ConditionalUpdate(key string, rec R, pred func(existing R) bool) (bool, error) {
	_, written, err := s.Update(key, func(existing R, found bool) (R, bool) {
		if found && (pred == nil || !pred(existing)) {
			return existing, false
		}
		return rec, true
	})
	return written, err
}

// Update is a read-modify-write of key. fn receives the current record and
// returns the record to store and whether to store it.
func (s *Store[R]) Update(key string, fn func(existing R, found bool) (R, bool)) (R, bool, error) {
	var zero R
	if key == "" {
		return zero, false, ErrEmptyKey
	}
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	existing, found, err := s.read(s.Path(key))
	if err != nil {
		return zero, false, err
	}
	next, ok := fn(existing, found)
	if !ok {
		return existing, false, nil
	}
	if err := s.write(key, next); err != nil {
		return zero, false, err
	}
	return next, true, nil
}

// List walks every record in the store. Unreadable entries are yielded as
// errors and the walk continues.
func (s *Store[R]) List() iter.Seq2[Item[R], error] {
	return func(yield func(Item[R], error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield(Item[R]{}, err) {
					return stop
				}
				return nil
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				// deleted during the walk
				return nil
			}
			if err != nil {
				if !yield(Item[R]{}, err) {
					return stop
				}
				return nil
			}
			fr, err := s.decode(data)
			if err != nil {
				if !yield(Item[R]{}, fmt.Errorf("corrupt record %s: %w", path, err)) {
					return stop
				}
				return nil
			}
			if !yield(Item[R]{Key: fr.Key, Record: fr.Record}, nil) {
				return stop
			}
			return nil
		})
		if err != nil && err != stop {
			yield(Item[R]{}, err)
		}
	}
}
