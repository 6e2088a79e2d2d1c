package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/logging"
	"github.com/baderanaas/GoLobby/pkg/pipeline"
	"github.com/baderanaas/GoLobby/pkg/presence"
	"github.com/baderanaas/GoLobby/pkg/rendezvous"
	"github.com/baderanaas/GoLobby/pkg/social"
	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	peersAll     bool
	searchWorld  string
	searchOnline bool
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the hosts in the local directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var cutoff time.Time
		if !peersAll {
			cutoff = time.Now().Add(-a.cfg.Presence.RecencyCutoff)
		}
		entries, err := a.dir.Entries(cutoff)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tNAME\tWORLD\tONLINE\tLAST SEEN")
		now := time.Now()
		for _, e := range entries {
			name, world := "-", "-"
			if doc := e.Document(); doc != nil {
				name = doc.Name
			}
			if e.Beacon != nil && e.Beacon.WorldName != "" {
				world = e.Beacon.WorldName
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				logging.ShortID(e.PeerID.String()), name, world,
				e.Online(now, a.cfg.Presence.OnlineWindow),
				e.Latest().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <peer-id>",
	Short: "Drop a host from the local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := peer.Decode(args[0])
		if err != nil {
			return fmt.Errorf("invalid peer id: %w", err)
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.dir.Forget(id); err != nil {
			return err
		}
		fmt.Printf("Forgot %s\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Rank the known hosts and pick one to join",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return a.search(ctx)
	},
}

func init() {
	peersCmd.Flags().BoolVar(&peersAll, "all", false, "Include hosts not heard from within the recency cutoff")
	searchCmd.Flags().StringVar(&searchWorld, "world", "", "World to look for (defaults to the configured world)")
	searchCmd.Flags().BoolVar(&searchOnline, "online", false, "Join the overlay and fetch missing advertisements first")
	rootCmd.AddCommand(peersCmd, forgetCmd, searchCmd)
}

func (a *app) search(ctx context.Context) error {
	policy, err := a.localPolicy()
	if err != nil {
		return err
	}
	policies := rendezvous.NewStaticPolicies()
	if a.cfg.World.ID != "" {
		rating, err := advert.ParseContent(a.cfg.World.Content)
		if err != nil {
			return err
		}
		policies.Set(a.cfg.World.ID, rendezvous.WorldPolicy{Rating: rating})
	}

	friends, err := social.Open(a.cfg.FriendsPath())
	if err != nil {
		return err
	}

	self, err := peer.IDFromPrivateKey(a.identity)
	if err != nil {
		return err
	}
	progress := func(ev pipeline.Event) {
		a.log.WithFields(logrus.Fields{"stage": ev.Caption, "progress": fmt.Sprintf("%.0f%%", ev.Progress*100)}).Debug(ev.Pipeline)
	}
	opts := rendezvous.Options{
		Policies:     policies,
		OnlineWindow: a.cfg.Presence.OnlineWindow,
		OnProgress:   progress,
		Logger:       a.log,
		Metrics:      a.metrics,
	}
	if searchOnline {
		net, _, err := a.overlayNet(ctx)
		if err != nil {
			return fmt.Errorf("failed to start overlay: %w", err)
		}
		self = net.Self()
		pool := taskpool.New(a.cfg.Presence.MaxFetches, nil)
		a.onClose(func() error { pool.Close(); return nil })
		opts.Names = net
		opts.Pool = pool
		opts.Refresher = presence.NewRefresher(net, a.dir, pool, presence.RefresherOptions{
			FetchTimeout: a.cfg.Presence.FetchTimeout,
			Logger:       a.log,
			Metrics:      a.metrics,
			OnProgress:   progress,
		})
	}

	world := a.cfg.World.ID
	if searchWorld != "" {
		world = searchWorld
	}
	res, err := rendezvous.NewSearcher(a.dir, opts).Search(ctx, rendezvous.Query{
		WorldID: world,
		Policy:  policy,
		Friends: friends.Fingerprints(a.cfg.Topic),
		Cutoff:  time.Now().Add(-a.cfg.Presence.RecencyCutoff),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tNAME\tSCORE\tSTATUS")
	for _, c := range res.Candidates {
		name := "-"
		if doc := c.Entry.Document(); doc != nil {
			name = doc.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", logging.ShortID(c.Entry.PeerID.String()), name, c.Score, c.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	action, target := rendezvous.Decide(res, self)
	switch action {
	case rendezvous.Connect:
		fmt.Printf("\nJoin %s", target)
		if e := res.Winner.Entry; e.Beacon != nil && len(e.Beacon.Addrs) > 0 {
			fmt.Printf(" at %s", strings.Join(e.Beacon.Addrs, ", "))
		}
		fmt.Println()
	case rendezvous.SelfHost:
		fmt.Printf("\nNo host for world %q, host it locally\n", world)
	case rendezvous.AlreadySatisfied:
		fmt.Println("\nThis node is already the best host")
	default:
		fmt.Println("\nNo eligible host")
	}
	return nil
}

func (a *app) localPolicy() (rendezvous.Policy, error) {
	prefer, err := advert.ParseContent(a.cfg.Policy.Prefer)
	if err != nil {
		return rendezvous.Policy{}, err
	}
	avoid, err := advert.ParseContent(a.cfg.Policy.Avoid)
	if err != nil {
		return rendezvous.Policy{}, err
	}
	return rendezvous.Policy{
		Prefer:            prefer,
		Avoid:             avoid,
		AllowCustomNotice: a.cfg.Policy.AllowCustomNotice,
		Version:           a.cfg.ProtocolVersion,
	}, nil
}
