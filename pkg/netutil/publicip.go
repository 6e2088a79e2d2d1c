// Package netutil finds the address other peers can reach this node on.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// DefaultServices answer a plain-text GET with the caller's address.
var DefaultServices = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
}

const (
	lookupTimeout = 10 * time.Second
	maxAnswer    = 256
)

// Resolver races the echo services for the public IP.
type Resolver struct {
	Services []string
	Client   *http.Client
	Pool     *taskpool.Pool
}

// PublicIP returns the first valid answer. A service answering with
// something that is not a public IP counts as a failure.
func (r *Resolver) PublicIP(ctx context.Context) (net.IP, error) {
	services := r.Services
	if len(services) == 0 {
		services = DefaultServices
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: lookupTimeout}
	}
	pool := r.Pool
	if pool == nil {
		pool = taskpool.New(len(services), nil)
		defer pool.Close()
	}

	var (
		mu      sync.Mutex
		answers = make(map[string]net.IP, len(services))
	)
	tasks := make([]taskpool.Named, len(services))
	for i, svc := range services {
		tasks[i] = taskpool.Named{
			Token: "public-ip:" + svc,
			Run: func(ctx context.Context) error {
				ip, err := askService(ctx, client, svc)
				if err != nil {
					return fmt.Errorf("%s: %w", svc, err)
				}
				mu.Lock()
				answers["public-ip:"+svc] = ip
				mu.Unlock()
				return nil
			},
		}
	}

	token, err := pool.Race(ctx, tasks)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return answers[token], nil
}

func askService(ctx context.Context, client *http.Client, url string) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswer))
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, fmt.Errorf("not an address: %q", strings.TrimSpace(string(body)))
	}
	m, err := manet.FromIP(ip)
	if err != nil {
		return nil, err
	}
	if !manet.IsPublicAddr(m) {
		return nil, fmt.Errorf("%s is not public", ip)
	}
	return ip, nil
}

// PublicAddrs turns an IP and the node's swarm port into the TCP and QUIC
// multiaddrs a beacon advertises.
func PublicAddrs(ip net.IP, port int) ([]multiaddr.Multiaddr, error) {
	base, err := manet.FromIP(ip)
	if err != nil {
		return nil, err
	}
	tcp, err := multiaddr.NewMultiaddr(fmt.Sprintf("/tcp/%d", port))
	if err != nil {
		return nil, err
	}
	quic, err := multiaddr.NewMultiaddr(fmt.Sprintf("/udp/%d/quic-v1", port))
	if err != nil {
		return nil, err
	}
	return []multiaddr.Multiaddr{base.Encapsulate(tcp), base.Encapsulate(quic)}, nil
}
