package libp2p

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/stretchr/testify/require"
)

// newTestDir creates a temporary directory for testing and returns its path.
func newTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "golobby-test-")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	return dir
}

func TestSaveLoadIdentity(t *testing.T) {
	dir := newTestDir(t)

	// 1. Test key generation when none exists
	privKey, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.NotNil(t, privKey)

	// 2. Test loading the same key
	loadedKey, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.True(t, privKey.Equals(loadedKey), "loaded key should be the same as the saved key")

	// 3. A corrupt file is reported, not silently replaced
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFileName), []byte("garbage"), 0600))
	_, err = LoadIdentity(dir)
	require.Error(t, err)

	_, err = LoadIdentity("")
	require.Error(t, err)
}

func TestBlockstorePinning(t *testing.T) {
	bs, err := OpenBlockstore("", nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, bs.Close()) }()

	data := []byte(`{"name":"host"}`)
	c, err := bs.Put(data)
	require.NoError(t, err)
	want, err := overlay.Sum(data)
	require.NoError(t, err)
	require.Equal(t, want, c)

	got, err := bs.Get(c)
	require.NoError(t, err)
	require.Equal(t, data, got)

	missing, err := overlay.Sum([]byte("missing"))
	require.NoError(t, err)
	_, err = bs.Get(missing)
	require.ErrorIs(t, err, overlay.ErrNotFound)
	require.ErrorIs(t, bs.Pin(missing), overlay.ErrNotFound)
	require.NoError(t, bs.Unpin(missing))

	require.NoError(t, bs.Pin(c))
	pins, err := bs.Pins()
	require.NoError(t, err)
	require.Equal(t, []string{c.String()}, cidStrings(pins))

	// storing the same block again keeps the pin
	_, err = bs.Put(data)
	require.NoError(t, err)
	pins, err = bs.Pins()
	require.NoError(t, err)
	require.Len(t, pins, 1)

	require.NoError(t, bs.Unpin(c))
	pins, err = bs.Pins()
	require.NoError(t, err)
	require.Empty(t, pins)
	ok, err := bs.Has(c)
	require.NoError(t, err)
	require.True(t, ok, "unpinned blocks stay until they expire")
}

func TestBlockstoreExpiresUnpinned(t *testing.T) {
	bs, err := OpenBlockstore(newTestDir(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, bs.Close()) }()
	bs.ttl = time.Second

	c, err := bs.Put([]byte("short lived"))
	require.NoError(t, err)
	kept, err := bs.Put([]byte("pinned"))
	require.NoError(t, err)
	require.NoError(t, bs.Pin(kept))

	require.Eventually(t, func() bool {
		ok, err := bs.Has(c)
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)
	ok, err := bs.Has(kept)
	require.NoError(t, err)
	require.True(t, ok)
}
