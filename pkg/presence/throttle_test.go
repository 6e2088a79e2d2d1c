package presence

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestThrottleWindow(t *testing.T) {
	mock := clock.NewMock()
	require.Equal(t, 10*time.Second, NewThrottle(mock, 10*time.Second).Window())
	require.Equal(t, 30*time.Second, NewThrottle(mock, 60*time.Second).Window())
	require.Equal(t, 30*time.Second, NewThrottle(mock, 0).Window())
}

func TestThrottleOnlyFirstInWindowPasses(t *testing.T) {
	mock := clock.NewMock()
	th := NewThrottle(mock, 60*time.Second) // window is capped at 30s

	require.True(t, th.Allow())
	for i := 0; i < 5; i++ {
		mock.Add(5 * time.Second)
		require.False(t, th.Allow(), "request %d inside the window", i)
	}
	mock.Add(5 * time.Second) // 30s after the first publish
	require.True(t, th.Allow())
	mock.Add(29 * time.Second)
	require.False(t, th.Allow())

	th.Reset()
	require.True(t, th.Allow())
}
