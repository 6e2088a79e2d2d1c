package social

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestFriendsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "friends.json")

	l, err := Open(path)
	require.NoError(t, err)
	require.Empty(t, l.All())

	require.NoError(t, l.Add("zoe", "user-z"))
	require.NoError(t, l.Add("adam", "user-a"))
	require.ErrorIs(t, l.Add("zoe again", "user-z"), ErrDuplicate)
	require.Error(t, l.Add("nobody", ""))
	require.NoError(t, l.Save())

	loaded, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, []Friend{{Name: "adam", UserID: "user-a"}, {Name: "zoe", UserID: "user-z"}}, loaded.All())

	f, ok := loaded.Get("zoe")
	require.True(t, ok)
	require.Equal(t, "user-z", f.UserID)

	require.True(t, loaded.Remove("user-z"))
	require.False(t, loaded.Remove("user-z"))
	_, ok = loaded.Get("zoe")
	require.False(t, ok)
}

func TestFriendsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "friends.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestFingerprintsAreSalted(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "friends.json"))
	require.NoError(t, err)
	require.NoError(t, l.Add("adam", "user-a"))

	fps := l.Fingerprints("topic-1")
	require.Len(t, fps, 1)
	require.Contains(t, fps, crypto.UserFingerprint("user-a", "topic-1"))
	require.NotContains(t, fps, "user-a")
	require.NotContains(t, fps, crypto.UserFingerprint("user-a", "topic-2"))
}
