package rendezvous

import (
	"context"
	"fmt"
	"time"

	"github.com/baderanaas/GoLobby/pkg/directory"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/pipeline"
	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOnlineWindow  = 5 * time.Minute
	DefaultSearchTimeout = time.Minute
)

// Query describes what the caller is looking for.
type Query struct {
	// WorldID restricts the search to hosts of one world. Empty matches any.
	WorldID string
	Policy  Policy
	// Friends are the fingerprints of the local friend list.
	Friends []string
	// Cutoff drops peers not heard from since. Zero keeps everyone.
	Cutoff time.Time
}

// Result is the outcome of a search.
type Result struct {
	Query      Query
	Candidates []Candidate
	Winner     *Candidate
}

// NameResolver maps a peer to the CID of its current advertisement.
type NameResolver interface {
	ResolveName(ctx context.Context, id peer.ID) (cid.Cid, error)
}

// Refresher fetches, verifies and caches one advertisement.
type Refresher interface {
	Fetch(ctx context.Context, id peer.ID, c cid.Cid) error
}

// Options configure a Searcher. Names, Refresher and Pool are optional
// together: without them peers lacking a cached advertisement stay as they
// are.
type Options struct {
	Policies     PolicyResolver
	Names        NameResolver
	Refresher    Refresher
	Pool         *taskpool.Pool
	OnlineWindow time.Duration
	Timeout      time.Duration
	OnProgress   func(pipeline.Event)

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Searcher ranks the peers of a directory for a query.
type Searcher struct {
	dir  *directory.Directory
	opts Options
	log  logrus.FieldLogger
}

func NewSearcher(dir *directory.Directory, opts Options) *Searcher {
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSearchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Searcher{dir: dir, opts: opts, log: opts.Logger.WithField("component", "rendezvous")}
}

type search struct {
	query       Query
	worldPolicy *WorldPolicy
	entries     []*directory.Entry
	result      *Result
}

// Search resolves the world policy, snapshots the directory and ranks it.
func (s *Searcher) Search(ctx context.Context, q Query) (*Result, error) {
	exec := pipeline.New("rendezvous", pipeline.Options{
		Timeout:    s.opts.Timeout,
		OnProgress: s.opts.OnProgress,
		Logger:     s.opts.Logger,
		Metrics:    s.opts.Metrics,
	},
		pipeline.Stage[*search]{Caption: "resolving world policy", Weight: 1, Run: s.resolve},
		pipeline.Stage[*search]{Caption: "collecting hosts", Weight: 3, Run: s.snapshot},
		pipeline.Stage[*search]{Caption: "ranking hosts", Weight: 1, Run: s.rank},
	)
	res, err := exec.Run(ctx, &search{query: q}, nil)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Context.result, nil
}

func (s *Searcher) resolve(ctx context.Context, job *search, _ *pipeline.Step) error {
	if job.query.WorldID == "" || s.opts.Policies == nil {
		return nil
	}
	p, err := s.opts.Policies.ResolvePolicy(ctx, job.query.WorldID)
	if err != nil {
		return fmt.Errorf("resolve policy of world %s: %w", job.query.WorldID, err)
	}
	job.worldPolicy = p
	return nil
}

func (s *Searcher) snapshot(ctx context.Context, job *search, step *pipeline.Step) error {
	entries, err := s.dir.Entries(job.query.Cutoff)
	if err != nil {
		return err
	}
	step.Progress(0.3)

	missing := s.refreshTasks(entries)
	if len(missing) > 0 {
		step.SetCaption(fmt.Sprintf("fetching %d advertisements", len(missing)))
		if err := s.opts.Pool.All(ctx, missing); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Debug("some advertisements could not be refreshed")
		}
		for i, e := range entries {
			if e.Document() != nil {
				continue
			}
			if fresh, err := s.dir.Lookup(e.PeerID); err == nil && fresh != nil {
				entries[i] = fresh
			}
		}
	}
	job.entries = entries
	return nil
}

func (s *Searcher) refreshTasks(entries []*directory.Entry) []taskpool.Named {
	if s.opts.Names == nil || s.opts.Refresher == nil || s.opts.Pool == nil {
		return nil
	}
	var tasks []taskpool.Named
	for _, e := range entries {
		if e.Document() != nil {
			continue
		}
		id := e.PeerID
		tasks = append(tasks, taskpool.Named{
			Token: id.String(),
			Run: func(ctx context.Context) error {
				c, err := s.opts.Names.ResolveName(ctx, id)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", id, err)
				}
				return s.opts.Refresher.Fetch(ctx, id, c)
			},
		})
	}
	return tasks
}

func (s *Searcher) rank(_ context.Context, job *search, _ *pipeline.Step) error {
	friends := make(map[string]struct{}, len(job.query.Friends))
	for _, fp := range job.query.Friends {
		friends[fp] = struct{}{}
	}
	scorer := &Scorer{
		Policy:       job.query.Policy,
		World:        job.query.WorldID,
		WorldPolicy:  job.worldPolicy,
		Friends:      friends,
		OnlineWindow: s.opts.OnlineWindow,
		Now:          s.opts.Clock.Now(),
	}
	ranked := scorer.Rank(job.entries)
	job.result = &Result{Query: job.query, Candidates: ranked, Winner: Winner(ranked)}

	log := s.log.WithFields(logrus.Fields{"world": job.query.WorldID, "candidates": len(ranked)})
	if w := job.result.Winner; w != nil {
		log.WithFields(logrus.Fields{"winner": w.Entry.PeerID, "score": w.Score}).Info("selected host")
	} else {
		log.Info("no eligible host")
	}
	return nil
}

// Action is what the caller should do with a search result.
type Action int

const (
	// NoMatch: nothing qualified and no world was requested.
	NoMatch Action = iota
	// SelfHost: nothing qualified for the requested world; host it locally.
	SelfHost
	// AlreadySatisfied: the winner is this node.
	AlreadySatisfied
	// Connect: join the winner.
	Connect
)

func (a Action) String() string {
	switch a {
	case NoMatch:
		return "no match"
	case SelfHost:
		return "self host"
	case AlreadySatisfied:
		return "already satisfied"
	case Connect:
		return "connect"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decide maps a result to the follow-up action for the node self.
func Decide(r *Result, self peer.ID) (Action, peer.ID) {
	if r == nil || r.Winner == nil {
		if r != nil && r.Query.WorldID != "" {
			return SelfHost, ""
		}
		return NoMatch, ""
	}
	if r.Winner.Entry.PeerID == self {
		return AlreadySatisfied, self
	}
	return Connect, r.Winner.Entry.PeerID
}
