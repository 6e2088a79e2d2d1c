// Package social keeps the local friends list used to count mutual friends
// when ranking hosts.
package social

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/goccy/go-json"
)

var ErrDuplicate = errors.New("friend already listed")

// Friend is a user the local user knows, identified by the user id the
// lobby fingerprints.
type Friend struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
}

// List manages the friends file.
type List struct {
	friends  []Friend
	lock     sync.RWMutex
	filePath string
}

// Open loads the list from filePath. A missing file is an empty list.
func Open(filePath string) (*List, error) {
	l := &List{
		filePath: filePath,
	}
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load reads the friends from the JSON file.
func (l *List) Load() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	file, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.friends = []Friend{}
			return nil
		}
		return err
	}

	return json.Unmarshal(file, &l.friends)
}

// Save writes the friends to the JSON file.
func (l *List) Save() error {
	l.lock.RLock()
	defer l.lock.RUnlock()

	file, err := json.MarshalIndent(l.friends, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(l.filePath, file, 0600)
}

// Add appends a friend. Each user id is listed once.
func (l *List) Add(name, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, f := range l.friends {
		if f.UserID == userID {
			return ErrDuplicate
		}
	}
	l.friends = append(l.friends, Friend{Name: name, UserID: userID})
	return nil
}

// Remove drops the friend with userID and reports whether one was listed.
func (l *List) Remove(userID string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, f := range l.friends {
		if f.UserID == userID {
			l.friends = append(l.friends[:i], l.friends[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a friend by name.
func (l *List) Get(name string) (Friend, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, f := range l.friends {
		if f.Name == name {
			return f, true
		}
	}
	return Friend{}, false
}

// All returns the friends sorted by name.
func (l *List) All() []Friend {
	l.lock.RLock()
	defer l.lock.RUnlock()

	out := append([]Friend(nil), l.friends...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprints returns the salted fingerprints of every friend, the form
// hosts report their online users in.
func (l *List) Fingerprints(salt string) []string {
	l.lock.RLock()
	defer l.lock.RUnlock()

	ids := make([]string, len(l.friends))
	for i, f := range l.friends {
		ids[i] = f.UserID
	}
	return crypto.Fingerprints(ids, salt)
}
