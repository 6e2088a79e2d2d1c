package kubo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/multiformats/go-multibase"
	nulllog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakeDaemon implements the handful of RPC commands the client uses.
type fakeDaemon struct {
	t    *testing.T
	self peer.ID

	mu     sync.Mutex
	blocks map[string][]byte
	names  map[string]string
	pins   map[string]bool
	subs   map[string][]chan []byte
	args   map[string]values
}

type values = map[string][]string

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	d := &fakeDaemon{
		t:      t,
		self:   test.RandPeerIDFatal(t),
		blocks: make(map[string][]byte),
		names:  make(map[string]string),
		pins:   make(map[string]bool),
		subs:   make(map[string][]chan []byte),
		args:   make(map[string]values),
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func rpcFail(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `{"Message":%q,"Code":0,"Type":"error"}`, msg)
}

func readFile(t *testing.T, r *http.Request) []byte {
	f, _, err := r.FormFile("file")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 - Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	cmd := strings.TrimPrefix(r.URL.Path, "/api/v0/")
	q := r.URL.Query()
	arg := q.Get("arg")
	d.mu.Lock()
	d.args[cmd] = q
	d.mu.Unlock()

	switch cmd {
	case "id":
		fmt.Fprintf(w, `{"ID":%q}`, d.self)
	case "block/put":
		data := readFile(d.t, r)
		c, err := overlay.Sum(data)
		require.NoError(d.t, err)
		d.mu.Lock()
		d.blocks[c.String()] = data
		d.mu.Unlock()
		fmt.Fprintf(w, `{"Key":%q,"Size":%d}`, c, len(data))
	case "block/get":
		d.mu.Lock()
		data, ok := d.blocks[arg]
		d.mu.Unlock()
		if !ok {
			rpcFail(w, "block was not found locally (offline): ipld: could not find "+arg)
			return
		}
		_, _ = w.Write(data)
	case "name/publish":
		d.mu.Lock()
		d.names["/ipns/"+d.self.String()] = arg
		d.mu.Unlock()
		fmt.Fprintf(w, `{"Name":%q,"Value":%q}`, d.self, arg)
	case "name/resolve":
		d.mu.Lock()
		path, ok := d.names[arg]
		d.mu.Unlock()
		if !ok {
			rpcFail(w, "could not resolve name")
			return
		}
		fmt.Fprintf(w, `{"Path":%q}`, path)
	case "pin/add", "pin/rm":
		d.mu.Lock()
		d.pins[arg] = cmd == "pin/add"
		d.mu.Unlock()
		fmt.Fprintf(w, `{"Pins":[%q]}`, arg)
	case "pubsub/pub":
		data := readFile(d.t, r)
		d.mu.Lock()
		for _, ch := range d.subs[arg] {
			ch <- data
		}
		d.mu.Unlock()
	case "pubsub/sub":
		ch := make(chan []byte, 16)
		d.mu.Lock()
		d.subs[arg] = append(d.subs[arg], ch)
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case data := <-ch:
				enc, err := multibase.Encode(multibase.Base64url, data)
				require.NoError(d.t, err)
				msg, err := json.Marshal(map[string]any{"from": d.self.String(), "data": enc, "seqno": "uAQ", "topicIDs": []string{arg}})
				require.NoError(d.t, err)
				_, _ = w.Write(append(msg, '\n'))
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	default:
		http.NotFound(w, r)
	}
}

func dial(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	logger, _ := nulllog.NewNullLogger()
	c, err := Dial(context.Background(), srv.URL, Options{Logger: logger})
	require.NoError(t, err)
	return c
}

func TestDialLearnsIdentity(t *testing.T) {
	d, srv := newFakeDaemon(t)
	c := dial(t, srv)
	require.Equal(t, d.self, c.Self())
}

func TestStoreFetchMatchesSum(t *testing.T) {
	ctx := context.Background()
	d, srv := newFakeDaemon(t)
	c := dial(t, srv)

	data := []byte(`{"body":"advertisement"}`)
	got, err := c.Store(ctx, data)
	require.NoError(t, err)
	want, err := overlay.Sum(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, "raw", d.args["block/put"]["cid-codec"][0])

	rc, err := c.Fetch(ctx, got)
	require.NoError(t, err)
	fetched, err := overlay.ReadAll(rc, 1<<10)
	require.NoError(t, err)
	require.Equal(t, data, fetched)

	missing, err := overlay.Sum([]byte("nope"))
	require.NoError(t, err)
	_, err = c.Fetch(ctx, missing)
	require.ErrorIs(t, err, overlay.ErrNotFound)
}

func TestNamesAndPins(t *testing.T) {
	ctx := context.Background()
	d, srv := newFakeDaemon(t)
	c := dial(t, srv)

	_, err := c.ResolveName(ctx, c.Self())
	require.ErrorIs(t, err, overlay.ErrNameNotFound)

	x, err := c.Store(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, c.PublishName(ctx, x))
	require.Equal(t, "true", d.args["name/publish"]["allow-offline"][0])

	got, err := c.ResolveName(ctx, c.Self())
	require.NoError(t, err)
	require.Equal(t, x, got)

	require.NoError(t, c.Pin(ctx, x))
	require.True(t, d.pins[x.String()])
	require.NoError(t, c.Unpin(ctx, x))
	require.False(t, d.pins[x.String()])
}

func TestPubSubRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, srv := newFakeDaemon(t)
	c := dial(t, srv)

	sub, err := c.Subscribe(ctx, "golobby-lobby/1")
	require.NoError(t, err)
	defer sub.Cancel()

	// the subscribe handler registers asynchronously
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for topic := range d.subs {
		_, raw, err := multibase.Decode(topic)
		require.NoError(t, err)
		require.Equal(t, "golobby-lobby/1", string(raw))
	}

	payload := []byte(`{"kind":"beacon","body":{"world":"w-1"}}`)
	require.NoError(t, c.Publish(ctx, "golobby-lobby/1", payload))

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.Next(wctx)
	require.NoError(t, err)
	require.Equal(t, d.self, msg.From)
	require.Equal(t, payload, msg.Data)

	sub.Cancel()
	_, err = sub.Next(wctx)
	require.ErrorIs(t, err, overlay.ErrClosed)
}

func TestRPCErrorsAreWrapped(t *testing.T) {
	_, srv := newFakeDaemon(t)
	c := dial(t, srv)
	c.base += "/broken"
	_, err := c.Store(context.Background(), []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "block/put")
}
