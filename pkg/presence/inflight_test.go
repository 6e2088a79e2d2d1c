package presence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func testCid(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := overlay.Sum([]byte(s))
	require.NoError(t, err)
	return c
}

func TestInFlightDecisions(t *testing.T) {
	mock := clock.NewMock()
	f := NewInFlight(mock)
	id := test.RandPeerIDFatal(t)
	x, y := testCid(t, "x"), testCid(t, "y")

	require.Equal(t, Skip, f.Begin(id, cid.Undef), "empty cid is a heartbeat")
	require.Equal(t, Fetch, f.Begin(id, x))
	require.Equal(t, Skip, f.Begin(id, x), "same cid inside the touch window")

	mock.Add(TouchAfter + time.Second)
	require.Equal(t, Touch, f.Begin(id, x))
	require.Equal(t, Skip, f.Begin(id, x), "touch re-marks the entry")

	require.Equal(t, Fetch, f.Begin(id, y), "a different cid always fetches")
	marked, ok := f.Marked(id)
	require.True(t, ok)
	require.Equal(t, y, marked)

	f.Clear(id, x) // stale clear for an older cid is ignored
	_, ok = f.Marked(id)
	require.True(t, ok)

	f.Clear(id, y)
	_, ok = f.Marked(id)
	require.False(t, ok)
	require.Equal(t, Fetch, f.Begin(id, y), "a cleared mark lets the next trigger retry")
}

func TestInFlightSingleFetchUnderContention(t *testing.T) {
	f := NewInFlight(clock.New())
	id := test.RandPeerIDFatal(t)
	x := testCid(t, "contended")

	var fetches atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.Begin(id, x) == Fetch {
				fetches.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), fetches.Load())
}
