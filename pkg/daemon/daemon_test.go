package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	nulllog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakeDaemon answers as a squatter until it has been moved.
type fakeDaemon struct {
	mu        sync.Mutex
	self      peer.ID
	squatter  peer.ID
	api       int
	swarm     int
	squatted  map[int]bool
	askErr    error
	asks      int
	restarts  int
	gatewayOn bool
}

func (f *fakeDaemon) Identity(context.Context) (peer.ID, error) { return f.self, nil }

func (f *fakeDaemon) Ask(context.Context) (peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asks++
	if f.askErr != nil {
		return "", f.askErr
	}
	if f.squatted[f.api] {
		return f.squatter, nil
	}
	return f.self, nil
}

func (f *fakeDaemon) Ports() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.api, f.swarm
}

func (f *fakeDaemon) SetPorts(_ context.Context, api, swarm int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.api, f.swarm = api, swarm
	return nil
}

func (f *fakeDaemon) DisableGateway(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gatewayOn = false
	return nil
}

func (f *fakeDaemon) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func newFake(t *testing.T) *fakeDaemon {
	return &fakeDaemon{
		self:      test.RandPeerIDFatal(t),
		squatter:  test.RandPeerIDFatal(t),
		api:       5001,
		swarm:     4001,
		squatted:  map[int]bool{5001: true},
		gatewayOn: true,
	}
}

func quickOptions(api, swarm PortRange) RemediatorOptions {
	logger, _ := nulllog.NewNullLogger()
	return RemediatorOptions{
		APIRange:       api,
		SwarmRange:     swarm,
		VerifyInterval: time.Millisecond,
		SettleTime:     time.Millisecond,
		Logger:         logger,
	}
}

func alwaysFree(int) bool { return true }

func TestRemediateSquattedPort(t *testing.T) {
	f := newFake(t)
	banned := NewBannedPorts(40000, 40001, 40002, 40003)
	banned.Available = alwaysFree
	reg := prometheus.NewRegistry()
	opts := quickOptions(PortRange{Min: 40000, Max: 40004}, PortRange{Min: 41000, Max: 41999})
	opts.Metrics = metrics.New(reg)
	r := NewRemediator(f, banned, opts)

	changed, err := r.Remediate(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	api, swarm := f.Ports()
	require.Equal(t, 40004, api, "the only unbanned api port")
	require.False(t, banned.Banned(api))
	require.False(t, banned.Banned(swarm))
	require.True(t, opts.SwarmRange.Contains(swarm))
	require.True(t, banned.Banned(5001), "the squatted port is banned")
	require.True(t, banned.Banned(4001))
	require.False(t, f.gatewayOn)
	require.Equal(t, 1, f.restarts)
	require.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.RemediationResults.WithLabelValues("remediated")))

	// a second check finds nothing to do
	changed, err = r.Remediate(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRemediateMovesAgainWhenNewPortIsSquatted(t *testing.T) {
	f := newFake(t)
	f.squatted[42000] = true
	banned := NewBannedPorts()
	banned.Available = alwaysFree
	r := NewRemediator(f, banned, quickOptions(PortRange{Min: 42000, Max: 42001}, PortRange{Min: 43000, Max: 43001}))

	changed, err := r.Remediate(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	api, _ := f.Ports()
	require.Equal(t, 42001, api)
	require.LessOrEqual(t, f.restarts, 2)
	if f.restarts == 2 {
		require.True(t, banned.Banned(42000), "a squatted replacement is banned too")
	}
}

func TestRemediateExhausted(t *testing.T) {
	f := newFake(t)
	banned := NewBannedPorts(40000, 40001)
	banned.Available = alwaysFree
	r := NewRemediator(f, banned, quickOptions(PortRange{Min: 40000, Max: 40001}, PortRange{Min: 41000, Max: 41010}))

	_, err := r.Remediate(context.Background())
	require.ErrorIs(t, err, ErrPortsExhausted)
	require.Equal(t, 0, f.restarts)
}

func TestVerifyUnresponsive(t *testing.T) {
	f := newFake(t)
	f.askErr = errors.New("connection refused")
	r := NewRemediator(f, nil, quickOptions(PortRange{Min: 40000, Max: 40010}, PortRange{Min: 41000, Max: 41010}))

	err := r.Verify(context.Background())
	require.ErrorIs(t, err, ErrUnresponsive)
	require.Equal(t, Unresponsive, KindOf(err))
	require.Equal(t, DefaultVerifyAttempts, f.asks)

	changed, err := r.Remediate(context.Background())
	require.False(t, changed)
	require.ErrorIs(t, err, ErrUnresponsive, "only squatting is remediated")
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("startup: %w", &Error{Kind: NoRepository, Op: "read", Err: os.ErrNotExist})
	require.ErrorIs(t, err, ErrNoRepository)
	require.NotErrorIs(t, err, ErrNoExecutable)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, NoRepository, KindOf(err))
	require.Equal(t, Kind(0), KindOf(errors.New("other")))
	require.Contains(t, err.Error(), "no repository")
}

func TestBannedPortsPick(t *testing.T) {
	b := NewBannedPorts()
	b.Available = alwaysFree
	for _, p := range DefaultBannedPorts {
		require.True(t, b.Banned(p))
	}

	// 5000-5002 are banned by default and 5003 is excluded
	r := PortRange{Min: 5000, Max: 5004}
	for i := 0; i < 20; i++ {
		p, err := b.Pick(r, 5003)
		require.NoError(t, err)
		require.Equal(t, 5004, p)
	}

	_, err := b.Pick(r, 5003, 5004)
	require.ErrorIs(t, err, ErrPortsExhausted)

	b.Ban(5004)
	require.Contains(t, b.List(), 5004)
	require.IsIncreasing(t, b.List())
}

func TestBannedPortsPickSkipsBusyPorts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	b := NewBannedPorts()
	_, err = b.Pick(PortRange{Min: busy, Max: busy})
	require.ErrorIs(t, err, ErrPortsExhausted)

	_, err = b.Pick(PortRange{Min: 10, Max: 5})
	require.Error(t, err)
}

func newTestKubo(t *testing.T, srv *httptest.Server) *Kubo {
	t.Helper()
	logger, _ := nulllog.NewNullLogger()
	opts := KuboOptions{
		Executable: os.Args[0],
		RepoPath:   t.TempDir(),
		Logger:     logger,
	}
	if srv != nil {
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		host, port, err := net.SplitHostPort(u.Host)
		require.NoError(t, err)
		opts.APIHost = host
		opts.APIPort, err = strconv.Atoi(port)
		require.NoError(t, err)
	}
	k, err := NewKubo(opts)
	require.NoError(t, err)
	return k
}

func TestKuboMissingExecutable(t *testing.T) {
	_, err := NewKubo(KuboOptions{Executable: "golobby-no-such-daemon"})
	require.ErrorIs(t, err, ErrNoExecutable)
}

func TestKuboAsk(t *testing.T) {
	id := test.RandPeerIDFatal(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/id", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		fmt.Fprintf(w, `{"ID":%q,"AgentVersion":"kubo/0.29.0"}`, id.String())
	}))
	defer srv.Close()

	k := newTestKubo(t, srv)
	got, err := k.Ask(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, got)

	addr, err := k.APIAddr()
	require.NoError(t, err)
	require.Contains(t, addr.String(), "/tcp/")
}

func TestKuboAskSquatter(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"html": func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "<html>dev server</html>") },
		"404":  func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		"id":   func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{"ID":"not-a-peer"}`) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := newTestKubo(t, srv).Ask(context.Background())
			require.ErrorIs(t, err, ErrPortSquatted)
		})
	}
}

func TestKuboIdentity(t *testing.T) {
	k := newTestKubo(t, nil)
	_, err := k.Identity(context.Background())
	require.ErrorIs(t, err, ErrNoRepository)

	id := test.RandPeerIDFatal(t)
	cfg := fmt.Sprintf(`{"Identity":{"PeerID":%q},"Addresses":{"API":"/ip4/127.0.0.1/tcp/5001"}}`, id.String())
	require.NoError(t, os.WriteFile(filepath.Join(k.repo, "config"), []byte(cfg), 0o600))
	got, err := k.Identity(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, got)
}
