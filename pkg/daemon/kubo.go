package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const stopTimeout = 10 * time.Second

// KuboOptions configure a Kubo controller.
type KuboOptions struct {
	Executable string
	// RepoPath is the daemon repository. Empty means $IPFS_PATH or ~/.ipfs.
	RepoPath  string
	APIHost   string
	APIPort   int
	SwarmPort int

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Kubo controls an external Kubo (go-ipfs) daemon through its command line
// and HTTP RPC API.
type Kubo struct {
	exe    string
	repo   string
	host   string
	client *http.Client
	log    logrus.FieldLogger

	mu    sync.Mutex
	api   int
	swarm int
	cmd   *exec.Cmd
	exit  chan struct{}
}

// NewKubo resolves the executable and repository. It fails with
// NoExecutable when the binary cannot be found.
func NewKubo(opts KuboOptions) (*Kubo, error) {
	if opts.Executable == "" {
		opts.Executable = "ipfs"
	}
	exe, err := exec.LookPath(opts.Executable)
	if err != nil {
		return nil, &Error{Kind: NoExecutable, Op: "lookup " + opts.Executable, Err: err}
	}
	repo := opts.RepoPath
	if repo == "" {
		repo = os.Getenv("IPFS_PATH")
	}
	if repo == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &Error{Kind: NoRepository, Op: "locate repository", Err: err}
		}
		repo = filepath.Join(home, ".ipfs")
	}
	if opts.APIHost == "" {
		opts.APIHost = "127.0.0.1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Kubo{
		exe:    exe,
		repo:   repo,
		host:   opts.APIHost,
		client: opts.HTTPClient,
		log:    opts.Logger.WithField("component", "kubo"),
		api:    opts.APIPort,
		swarm:  opts.SwarmPort,
	}, nil
}

func (k *Kubo) Ports() (api, swarm int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.api, k.swarm
}

// APIURL is the base URL of the RPC API.
func (k *Kubo) APIURL() string {
	api, _ := k.Ports()
	return "http://" + net.JoinHostPort(k.host, strconv.Itoa(api))
}

// APIAddr is the RPC API address in multiaddr form.
func (k *Kubo) APIAddr() (multiaddr.Multiaddr, error) {
	api, _ := k.Ports()
	return tcpAddr(k.host, api)
}

// Identity reads the peer id from the repository config.
func (k *Kubo) Identity(_ context.Context) (peer.ID, error) {
	data, err := os.ReadFile(filepath.Join(k.repo, "config"))
	if err != nil {
		return "", &Error{Kind: NoRepository, Op: "read " + k.repo, Err: err}
	}
	var cfg struct {
		Identity struct {
			PeerID string
		}
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", &Error{Kind: NoRepository, Op: "parse repository config", Err: err}
	}
	id, err := peer.Decode(cfg.Identity.PeerID)
	if err != nil {
		return "", &Error{Kind: NoRepository, Op: "parse repository identity", Err: err}
	}
	return id, nil
}

// Ask calls /api/v0/id on the configured API port.
func (k *Kubo) Ask(ctx context.Context) (peer.ID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.APIURL()+"/api/v0/id", nil)
	if err != nil {
		return "", err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: PortSquatted, Op: "ask", Err: fmt.Errorf("api port answered %s", resp.Status)}
	}
	var out struct {
		ID string
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Kind: PortSquatted, Op: "ask", Err: fmt.Errorf("api port answered with something else: %w", err)}
	}
	id, err := peer.Decode(out.ID)
	if err != nil {
		return "", &Error{Kind: PortSquatted, Op: "ask", Err: err}
	}
	return id, nil
}

// SetPorts rewrites Addresses.API and Addresses.Swarm in the repository.
func (k *Kubo) SetPorts(ctx context.Context, api, swarm int) error {
	apiAddr, err := tcpAddr(k.host, api)
	if err != nil {
		return err
	}
	tcp, err := tcpAddr("0.0.0.0", swarm)
	if err != nil {
		return err
	}
	quic, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", swarm))
	if err != nil {
		return err
	}
	swarmAddrs, err := json.Marshal([]string{tcp.String(), quic.String()})
	if err != nil {
		return err
	}

	if _, err := k.run(ctx, "config", "Addresses.API", apiAddr.String()); err != nil {
		return err
	}
	if _, err := k.run(ctx, "config", "--json", "Addresses.Swarm", string(swarmAddrs)); err != nil {
		return err
	}
	k.mu.Lock()
	k.api, k.swarm = api, swarm
	k.mu.Unlock()
	return nil
}

// DisableGateway removes every gateway listener.
func (k *Kubo) DisableGateway(ctx context.Context) error {
	_, err := k.run(ctx, "config", "--json", "Addresses.Gateway", "[]")
	return err
}

// Start launches the daemon with pubsub and IPNS-over-pubsub enabled.
func (k *Kubo) Start(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cmd != nil {
		return nil
	}
	cmd := exec.Command(k.exe, "daemon", "--enable-pubsub-experiment", "--enable-namesys-pubsub")
	cmd.Env = append(os.Environ(), "IPFS_PATH="+k.repo)
	if err := cmd.Start(); err != nil {
		return &Error{Kind: CommandFailed, Op: "start daemon", Err: err}
	}
	exit := make(chan struct{})
	go func() {
		err := cmd.Wait()
		k.log.WithError(err).Debug("daemon exited")
		close(exit)
	}()
	k.cmd, k.exit = cmd, exit
	k.log.WithField("pid", cmd.Process.Pid).Info("daemon started")
	return nil
}

// Stop interrupts a daemon started by Start and kills it if it has not
// exited within stopTimeout.
func (k *Kubo) Stop(ctx context.Context) error {
	k.mu.Lock()
	cmd, exit := k.cmd, k.exit
	k.cmd, k.exit = nil, nil
	k.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &Error{Kind: CommandFailed, Op: "stop daemon", Err: err}
	}
	select {
	case <-exit:
		return nil
	case <-time.After(stopTimeout):
	case <-ctx.Done():
	}
	_ = cmd.Process.Kill()
	<-exit
	return nil
}

// Restart stops the daemon if we started it and starts it again.
func (k *Kubo) Restart(ctx context.Context) error {
	if err := k.Stop(ctx); err != nil {
		return err
	}
	return k.Start(ctx)
}

func (k *Kubo) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, k.exe, args...)
	cmd.Env = append(os.Environ(), "IPFS_PATH="+k.repo)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, &Error{Kind: CommandFailed, Op: fmt.Sprintf("%s %v", filepath.Base(k.exe), args), Err: fmt.Errorf("%w: %s", err, bytes.TrimSpace(out.Bytes()))}
	}
	return out.Bytes(), nil
}

func tcpAddr(host string, port int) (multiaddr.Multiaddr, error) {
	proto := "ip4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		proto = "ip6"
	} else if ip == nil {
		proto = "dns"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port))
}
