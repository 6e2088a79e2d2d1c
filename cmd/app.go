package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/baderanaas/GoLobby/pkg/config"
	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/baderanaas/GoLobby/pkg/daemon"
	"github.com/baderanaas/GoLobby/pkg/directory"
	"github.com/baderanaas/GoLobby/pkg/kubo"
	"github.com/baderanaas/GoLobby/pkg/libp2p"
	"github.com/baderanaas/GoLobby/pkg/logging"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const agreementKeyFile = "agreement.key"

// app holds what every subcommand shares.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	identity crypto.PrivKey
	dir      *directory.Directory

	closers []func() error
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	identity, err := libp2p.LoadIdentity(cfg.IdentityDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	dir, err := directory.Open(cfg.DirectoryDir(), directory.Options{Logger: log, Metrics: m})
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		identity: identity,
		dir:      dir,
	}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered closers in reverse order.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// agreementKey loads the node's X25519 private key, creating it on first
// use.
func (a *app) agreementKey() ([]byte, error) {
	path := filepath.Join(a.cfg.DataDir, agreementKeyFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("corrupt agreement key %s: %w", path, err)
		}
		if _, err := lcrypto.AgreementPublic(priv); err != nil {
			return nil, fmt.Errorf("corrupt agreement key %s: %w", path, err)
		}
		return priv, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	priv, _, err := lcrypto.NewAgreementKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save agreement key: %w", err)
	}
	return priv, nil
}

// overlayNet connects the configured backend. The embedded node is also
// returned so callers can use it for NAT assistance.
func (a *app) overlayNet(ctx context.Context) (overlay.Network, *libp2p.Node, error) {
	switch a.cfg.Backend {
	case config.BackendKubo:
		n, err := a.dialKubo(ctx)
		return n, nil, err
	default:
		node, err := a.startNode(ctx)
		if err != nil {
			return nil, nil, err
		}
		return node, node, nil
	}
}

func (a *app) startNode(ctx context.Context) (*libp2p.Node, error) {
	bootstrap, err := a.cfg.BootstrapPeers()
	if err != nil {
		return nil, err
	}
	node, err := libp2p.NewNode(libp2p.Options{
		Port:      a.cfg.ListenPort,
		Identity:  a.identity,
		BlocksDir: a.cfg.BlocksDir(),
		Bootstrap: bootstrap,
		Logger:    a.log,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(node.Close)
	if err := node.Bootstrap(ctx, true); err != nil {
		return nil, err
	}
	return node, nil
}

// dialKubo makes sure the local daemon answers on a port that belongs to it
// and connects the RPC client.
func (a *app) dialKubo(ctx context.Context) (*kubo.Client, error) {
	kc := a.cfg.Kubo
	ctrl, err := daemon.NewKubo(daemon.KuboOptions{
		Executable: kc.Executable,
		RepoPath:   kc.RepoPath,
		APIHost:    kc.APIHost,
		APIPort:    kc.APIPort,
		SwarmPort:  kc.SwarmPort,
		Logger:     a.log,
	})
	if err != nil {
		return nil, err
	}

	rem := daemon.NewRemediator(ctrl, daemon.NewBannedPorts(kc.BannedPorts...), daemon.RemediatorOptions{
		APIRange:       daemon.PortRange{Min: kc.APIPortRange.Min, Max: kc.APIPortRange.Max},
		SwarmRange:     daemon.PortRange{Min: kc.SwarmPortRange.Min, Max: kc.SwarmPortRange.Max},
		VerifyAttempts: kc.VerifyAttempts,
		VerifyInterval: kc.VerifyInterval,
		SettleTime:     kc.SettleTime,
		Logger:         a.log,
		Metrics:        a.metrics,
	})

	if err := a.startDaemon(ctx, ctrl, rem); err != nil {
		return nil, err
	}
	return kubo.Dial(ctx, ctrl.APIURL(), kubo.Options{Logger: a.log})
}

// daemonProcess is a controller that can also launch and stop the daemon.
type daemonProcess interface {
	daemon.Controller
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// startDaemon starts the daemon if nothing answers and moves it off
// squatted ports. Whatever process gets started on the way, by Start or by
// a remediation restart, is stopped when the app closes.
func (a *app) startDaemon(ctx context.Context, ctrl daemonProcess, rem *daemon.Remediator) error {
	a.onClose(func() error { return ctrl.Stop(context.Background()) })

	err := rem.Verify(ctx)
	if daemon.KindOf(err) == daemon.Unresponsive {
		a.log.Info("daemon not running, starting it")
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
	}
	_, err = rem.Remediate(ctx)
	return err
}
