package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/config"
	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/baderanaas/GoLobby/pkg/libp2p"
	"github.com/baderanaas/GoLobby/pkg/netutil"
	"github.com/baderanaas/GoLobby/pkg/presence"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the lobby and advertise the hosted world",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func (a *app) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, node, err := a.overlayNet(ctx)
	if err != nil {
		return fmt.Errorf("failed to start overlay: %w", err)
	}
	agreement, err := a.agreementKey()
	if err != nil {
		return err
	}

	doc, err := newDocumentSource(a.cfg)
	if err != nil {
		return err
	}
	beacons := newBeaconSource(a.cfg, node)
	if !a.cfg.Presence.Firewalled {
		go beacons.resolvePublicAddrs(ctx)
	}

	opts := presence.Options{
		Topic:               a.cfg.Topic,
		AnnounceRefreshTime: a.cfg.Presence.AnnounceRefreshTime,
		ListenRefreshTime:   a.cfg.Presence.ListenRefreshTime,
		AdvertiseInterval:   a.cfg.Advertisement.Interval,
		FetchTimeout:        a.cfg.Presence.FetchTimeout,
		MaxFetches:          a.cfg.Presence.MaxFetches,
		Signer:              a.identity,
		AgreementKey:        agreement,
		Document:            doc.Document,
		Beacon:              beacons.Beacon,
		Logger:              a.log,
		Metrics:             a.metrics,
	}
	if node != nil {
		opts.HolePuncher = node
	}
	proto, err := presence.New(net, a.dir, opts)
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("metrics server failed")
			}
		}()
		a.onClose(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
		a.log.WithField("addr", a.cfg.MetricsAddr).Info("serving metrics")
	}

	proto.Start(ctx)
	a.log.WithField("peer", net.Self()).Info("joined lobby, press Ctrl+C to leave")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-hup:
			cfg, err := loadConfig()
			if err == nil {
				err = doc.Reload(cfg)
			}
			if err != nil {
				a.log.WithError(err).Warn("failed to reload advertisement")
				continue
			}
			a.log.Info("advertisement reloaded")
			proto.Announcer().Refresh()
		}
	}

	a.log.Info("leaving lobby")
	return proto.Close()
}

// documentSource builds the advertisement from configuration. Keys, owner
// and timestamp are filled in by the announcer.
type documentSource struct {
	mu  sync.Mutex
	doc advert.Document
}

func newDocumentSource(cfg *config.Config) (*documentSource, error) {
	d := &documentSource{}
	if err := d.Reload(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload replaces the advertised fields.
func (d *documentSource) Reload(cfg *config.Config) error {
	ad := cfg.Advertisement
	rating, err := advert.ParseContent(ad.Rating)
	if err != nil {
		return err
	}
	perms, err := advert.ParsePermissions(ad.Permissions)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.doc = advert.Document{
		Name:         ad.Name,
		Description:  ad.Description,
		Icon:         ad.Icon,
		Rating:       rating,
		Permissions:  perms,
		CustomNotice: ad.CustomNotice,
		Admins:       ad.Admins,
		MinVersion:   ad.MinVersion,
	}
	d.mu.Unlock()
	return nil
}

func (d *documentSource) Document() (advert.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := d.doc
	doc.Admins = append([]string(nil), d.doc.Admins...)
	return doc, nil
}

// beaconSource describes the hosted session for each beacon.
type beaconSource struct {
	cfg  *config.Config
	node *libp2p.Node

	mu     sync.Mutex
	public []multiaddr.Multiaddr
}

func newBeaconSource(cfg *config.Config, node *libp2p.Node) *beaconSource {
	return &beaconSource{cfg: cfg, node: node}
}

// resolvePublicAddrs learns the public IP once so other peers can punch
// through to us.
func (b *beaconSource) resolvePublicAddrs(ctx context.Context) {
	if b.node == nil || b.cfg.ListenPort == 0 {
		return
	}
	r := &netutil.Resolver{}
	ip, err := r.PublicIP(ctx)
	if err != nil {
		return
	}
	addrs, err := netutil.PublicAddrs(ip, b.cfg.ListenPort)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.public = addrs
	b.mu.Unlock()
}

func (b *beaconSource) Beacon() *advert.Beacon {
	status := advert.StatusOnline
	if b.cfg.Presence.Firewalled {
		status = status.With(advert.StatusFirewalled)
	} else {
		status = status.With(advert.StatusPublic)
	}
	beacon := &advert.Beacon{
		WorldID:   b.cfg.World.ID,
		WorldName: b.cfg.World.Name,
		Users:     lcrypto.Fingerprints(b.cfg.Users, b.cfg.Topic),
		Status:    status,
	}
	if b.node != nil {
		for _, addr := range b.node.Addrs() {
			beacon.Addrs = append(beacon.Addrs, addr.String())
		}
		b.mu.Lock()
		for _, addr := range b.public {
			beacon.Addrs = append(beacon.Addrs, addr.String()+"/p2p/"+b.node.Self().String())
		}
		b.mu.Unlock()
	}
	return beacon
}
