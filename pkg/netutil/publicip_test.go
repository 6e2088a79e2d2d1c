package netutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func answer(body string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		fmt.Fprintln(w, body)
	}
}

func TestPublicIPFirstValidAnswerWins(t *testing.T) {
	r := &Resolver{Services: []string{
		serve(t, answer("<html>busy</html>", 0)),
		serve(t, answer("192.168.1.10", 0)),
		serve(t, answer("8.8.8.8", 50*time.Millisecond)),
		serve(t, answer("1.1.1.1", 5*time.Second)),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ip, err := r.PublicIP(ctx)
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", ip.String())
}

func TestPublicIPAllFail(t *testing.T) {
	r := &Resolver{Services: []string{
		serve(t, func(w http.ResponseWriter, r *http.Request) { http.Error(w, "down", http.StatusBadGateway) }),
		serve(t, answer("10.0.0.1", 0)),
	}}
	_, err := r.PublicIP(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Contains(t, err.Error(), "not public")
}

func TestPublicAddrs(t *testing.T) {
	addrs, err := PublicAddrs(net.ParseIP("203.0.113.7"), 4001)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "/ip4/203.0.113.7/tcp/4001", addrs[0].String())
	require.Equal(t, "/ip4/203.0.113.7/udp/4001/quic-v1", addrs[1].String())

	addrs, err = PublicAddrs(net.ParseIP("2001:db8::1"), 4001)
	require.NoError(t, err)
	require.Equal(t, "/ip6/2001:db8::1/tcp/4001", addrs[0].String())
}
