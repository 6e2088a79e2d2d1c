package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	lcrypto "github.com/baderanaas/GoLobby/pkg/crypto"
	"github.com/baderanaas/GoLobby/pkg/directory"
	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/baderanaas/GoLobby/pkg/pipeline"
	"github.com/baderanaas/GoLobby/pkg/taskpool"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// DefaultFetchTimeout bounds a single advertisement download.
const DefaultFetchTimeout = 20 * time.Second

// RefresherOptions configure a Refresher.
type RefresherOptions struct {
	FetchTimeout time.Duration
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
	OnProgress   func(pipeline.Event)
}

// Refresher downloads, verifies and caches peer advertisements, with at
// most one fetch in flight per peer and CID.
type Refresher struct {
	net      overlay.Network
	dir      *directory.Directory
	pool     *taskpool.Pool
	inflight *InFlight
	opts     RefresherOptions
	log      logrus.FieldLogger
}

// NewRefresher wires a refresher. Fetches run on pool.
func NewRefresher(net overlay.Network, dir *directory.Directory, pool *taskpool.Pool, opts RefresherOptions) *Refresher {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Refresher{
		net:      net,
		dir:      dir,
		pool:     pool,
		inflight: NewInFlight(opts.Clock),
		opts:     opts,
		log:      opts.Logger.WithField("component", "refresh"),
	}
}

// InFlight exposes the de-duplication table.
func (r *Refresher) InFlight() *InFlight { return r.inflight }

// Trigger handles "refresh advertisement for id at c". The mark is taken
// before any I/O; the fetch itself runs on the task pool. It returns the
// decision taken and, for Fetch, the queued job.
func (r *Refresher) Trigger(ctx context.Context, id peer.ID, c cid.Cid) (Decision, *taskpool.Job) {
	switch d := r.inflight.Begin(id, c); d {
	case Skip:
		return d, nil
	case Touch:
		r.touch(id)
		return d, nil
	default:
		if e, err := r.dir.Lookup(id); err == nil && e != nil && e.Cid.Equals(c) {
			// already cached from an earlier run
			r.touch(id)
			return Touch, nil
		}
		job := r.pool.Submit(ctx, id.String(), func(ctx context.Context) error {
			return r.fetch(ctx, id, c)
		})
		return d, job
	}
}

// Fetch downloads and caches the advertisement synchronously, unless a
// fetch for the same (id, c) is already in flight.
func (r *Refresher) Fetch(ctx context.Context, id peer.ID, c cid.Cid) error {
	if r.inflight.Begin(id, c) != Fetch {
		return nil
	}
	return r.fetch(ctx, id, c)
}

func (r *Refresher) touch(id peer.ID) {
	if _, err := r.dir.TouchAdvertisement(id); err != nil {
		r.log.WithError(err).WithField("peer", id).Warn("failed to touch cached advertisement")
	}
}

type refreshJob struct {
	peer   peer.ID
	cid    cid.Cid
	data   []byte
	signed *advert.SignedDocument
}

func (r *Refresher) fetch(ctx context.Context, id peer.ID, c cid.Cid) error {
	log := r.log.WithFields(logrus.Fields{"peer": id, "cid": c})
	started := r.opts.Clock.Now()

	exec := pipeline.New("advertisement-refresh", pipeline.Options{
		Timeout:    2 * r.opts.FetchTimeout,
		OnProgress: r.opts.OnProgress,
		Logger:     r.opts.Logger,
		Metrics:    r.opts.Metrics,
	},
		pipeline.Stage[*refreshJob]{Caption: "fetching advertisement", Weight: 3, Run: r.download},
		pipeline.Stage[*refreshJob]{Caption: "verifying advertisement", Weight: 1, Run: r.verify},
		pipeline.Stage[*refreshJob]{Caption: "caching advertisement", Weight: 1, Run: r.store},
	)

	res, err := exec.Run(ctx, &refreshJob{peer: id, cid: c}, nil)
	if err == nil {
		err = res.Err
	}
	elapsed := r.opts.Clock.Since(started).Seconds()
	if err != nil {
		r.inflight.Clear(id, c)
		result := "failed"
		if errors.Is(err, advert.ErrWrongSigner) || errors.Is(err, advert.ErrKeyMismatch) || errors.Is(err, advert.ErrMalformed) {
			result = "rejected"
			if pinned := r.dir.PinnedKey(id); pinned != nil {
				log = log.WithField("pinnedKey", lcrypto.KeyFingerprint(pinned))
			}
			log.WithError(err).Info("rejected advertisement")
		} else {
			log.WithError(err).Debug("advertisement fetch failed")
		}
		r.opts.Metrics.AdFetched(result, elapsed)
		return err
	}
	r.opts.Metrics.AdFetched("ok", elapsed)
	log.WithField("key", lcrypto.KeyFingerprint(res.Context.signed.Document().SigningKey)).Debug("advertisement cached")
	return nil
}

func (r *Refresher) download(ctx context.Context, job *refreshJob, step *pipeline.Step) error {
	ctx, cancel := r.opts.Clock.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	rc, err := r.net.Fetch(ctx, job.cid)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", job.cid, err)
	}
	counted := &countingReader{r: rc, onRead: func(n int64) {
		step.SetCaption(fmt.Sprintf("fetching advertisement (%d bytes)", n))
		step.Progress(float64(n) / float64(advert.MaxDocumentBytes))
	}}
	data, err := overlay.ReadAll(struct {
		io.Reader
		io.Closer
	}{counted, rc}, advert.MaxDocumentBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", advert.ErrMalformed, err)
	}
	if err := overlay.Verify(job.cid, data); err != nil {
		return fmt.Errorf("%w: %v", advert.ErrMalformed, err)
	}
	job.data = data
	return nil
}

func (r *Refresher) verify(_ context.Context, job *refreshJob, _ *pipeline.Step) error {
	signed, err := advert.Open(job.data, job.peer, r.dir.PinnedKey(job.peer))
	if err != nil {
		return err
	}
	job.signed = signed
	return nil
}

func (r *Refresher) store(_ context.Context, job *refreshJob, _ *pipeline.Step) error {
	_, err := r.dir.StoreAdvertisement(job.peer, job.signed, job.cid)
	return err
}

type countingReader struct {
	r      io.Reader
	n      int64
	onRead func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.onRead(c.n)
	}
	return n, err
}
