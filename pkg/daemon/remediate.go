package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	DefaultVerifyAttempts = 5
	DefaultVerifyInterval = time.Second
	DefaultSettleTime     = 3 * time.Second
	maxRounds             = 3
)

// Controller manages the local overlay daemon.
type Controller interface {
	// Identity is the peer id of the node the controller manages.
	Identity(ctx context.Context) (peer.ID, error)
	// Ask asks whatever answers on the API port who it is. A port that
	// answers with something other than a daemon is reported as
	// PortSquatted.
	Ask(ctx context.Context) (peer.ID, error)
	Ports() (api, swarm int)
	SetPorts(ctx context.Context, api, swarm int) error
	DisableGateway(ctx context.Context) error
	Restart(ctx context.Context) error
}

// RemediatorOptions configure a Remediator.
type RemediatorOptions struct {
	APIRange       PortRange
	SwarmRange     PortRange
	VerifyAttempts int
	VerifyInterval time.Duration
	SettleTime     time.Duration

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Remediator makes sure the daemon's API port belongs to our node before the
// overlay is used, moving the daemon to fresh ports when it does not.
type Remediator struct {
	ctrl   Controller
	banned *BannedPorts
	opts   RemediatorOptions
	log    logrus.FieldLogger
}

func NewRemediator(ctrl Controller, banned *BannedPorts, opts RemediatorOptions) *Remediator {
	if banned == nil {
		banned = NewBannedPorts()
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = DefaultVerifyAttempts
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = DefaultVerifyInterval
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = DefaultSettleTime
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Remediator{ctrl: ctrl, banned: banned, opts: opts, log: opts.Logger.WithField("component", "daemon")}
}

// Banned exposes the banned-port set.
func (r *Remediator) Banned() *BannedPorts { return r.banned }

// Verify queries the API port up to VerifyAttempts times. It returns nil when
// our own node answers, a PortSquatted error as soon as anything else does,
// and Unresponsive when nothing answers.
func (r *Remediator) Verify(ctx context.Context) error {
	want, err := r.ctrl.Identity(ctx)
	if err != nil {
		return err
	}
	var last error
	for i := 0; i < r.opts.VerifyAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.opts.Clock.After(r.opts.VerifyInterval):
			}
		}
		got, err := r.ctrl.Ask(ctx)
		if err != nil {
			if errors.Is(err, ErrPortSquatted) {
				return err
			}
			last = err
			continue
		}
		if got != want {
			api, _ := r.ctrl.Ports()
			return &Error{Kind: PortSquatted, Op: "verify", Err: fmt.Errorf("port %d answered as %s, expected %s", api, got, want)}
		}
		return nil
	}
	return &Error{Kind: Unresponsive, Op: "verify", Err: last}
}

// Remediate verifies the daemon and, while its API port is squatted, bans
// the current ports, moves API and swarm to fresh ports from their ranges,
// disables the gateway, restarts and verifies again. It reports whether the
// ports were changed. ErrPortsExhausted and every error other than
// PortSquatted are returned as is and must stop startup.
func (r *Remediator) Remediate(ctx context.Context) (bool, error) {
	changed := false
	for round := 0; ; round++ {
		err := r.Verify(ctx)
		if err == nil {
			if changed {
				r.opts.Metrics.Remediation("remediated")
			} else {
				r.opts.Metrics.Remediation("ok")
			}
			return changed, nil
		}
		if !errors.Is(err, ErrPortSquatted) {
			r.opts.Metrics.Remediation("failed")
			return changed, err
		}
		if round == maxRounds {
			r.opts.Metrics.Remediation("failed")
			return changed, err
		}

		api, swarm := r.ctrl.Ports()
		r.log.WithError(err).WithFields(logrus.Fields{"api": api, "swarm": swarm}).Warn("daemon port squatted, moving daemon")
		r.banned.Ban(api, swarm)

		newAPI, err := r.banned.Pick(r.opts.APIRange)
		if err != nil {
			r.opts.Metrics.Remediation("exhausted")
			return changed, err
		}
		newSwarm, err := r.banned.Pick(r.opts.SwarmRange, newAPI)
		if err != nil {
			r.opts.Metrics.Remediation("exhausted")
			return changed, err
		}

		if err := r.move(ctx, newAPI, newSwarm); err != nil {
			r.opts.Metrics.Remediation("failed")
			return changed, err
		}
		changed = true
		r.log.WithFields(logrus.Fields{"api": newAPI, "swarm": newSwarm}).Info("daemon moved to new ports")
	}
}

func (r *Remediator) move(ctx context.Context, api, swarm int) error {
	if err := r.ctrl.SetPorts(ctx, api, swarm); err != nil {
		return err
	}
	if err := r.ctrl.DisableGateway(ctx); err != nil {
		return err
	}
	if err := r.ctrl.Restart(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.opts.Clock.After(r.opts.SettleTime):
		return nil
	}
}
