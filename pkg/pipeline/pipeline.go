package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when an executor is asked to run while a run is active.
var ErrBusy = errors.New("pipeline already running")

// Outcome is how a run ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Stage is one step of a pipeline. Weight 0 counts as 1.
type Stage[C any] struct {
	Caption string
	Weight  int
	Run     func(ctx context.Context, c C, step *Step) error
}

// Event is a progress notification. Progress is in [0,1].
type Event struct {
	Pipeline string
	Stage    int
	Caption  string
	Progress float64
}

// Result is delivered once per run.
type Result[C any] struct {
	RunID   string
	Outcome Outcome
	Context C
	Err     error
}

// Options configure an executor.
type Options struct {
	// Timeout is the deadline shared by all stages of a run. Zero means none.
	Timeout    time.Duration
	OnProgress func(Event)
	Logger     logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// Executor runs an ordered list of stages over a shared context value.
// An executor runs one pipeline at a time.
type Executor[C any] struct {
	name    string
	stages  []Stage[C]
	total   int
	opts    Options
	log     logrus.FieldLogger
	running atomic.Bool
}

// New creates an executor for the given stages.
func New[C any](name string, opts Options, stages ...Stage[C]) *Executor[C] {
	stages = append([]Stage[C](nil), stages...)
	total := 0
	for i := range stages {
		if stages[i].Weight <= 0 {
			stages[i].Weight = 1
		}
		total += stages[i].Weight
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor[C]{
		name:   name,
		stages: stages,
		total:  total,
		opts:   opts,
		log:    log.WithField("pipeline", name),
	}
}

// Name returns the pipeline name.
func (e *Executor[C]) Name() string { return e.name }

// Running reports whether a run is in progress.
func (e *Executor[C]) Running() bool { return e.running.Load() }

// Run executes the stages synchronously. When done is non-nil it receives the
// result exactly once before Run returns. ErrBusy is returned without calling
// done if another run is active.
func (e *Executor[C]) Run(ctx context.Context, c C, done func(Result[C])) (Result[C], error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result[C]{Context: c, Outcome: Failed, Err: ErrBusy}, ErrBusy
	}
	res := e.execute(ctx, c)
	e.running.Store(false)
	if done != nil {
		done(res)
	}
	return res, nil
}

// Handle is a run started with Start.
type Handle[C any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result[C]
}

// Start executes the stages on a new goroutine.
func (e *Executor[C]) Start(ctx context.Context, c C, done func(Result[C])) (*Handle[C], error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle[C]{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		res := e.execute(ctx, c)
		e.running.Store(false)
		h.result = res
		close(h.done)
		if done != nil {
			done(res)
		}
	}()
	return h, nil
}

// Cancel requests cancellation. The run observes it at the next stage
// boundary or inside a stage that honours its context.
func (h *Handle[C]) Cancel() { h.cancel() }

// Done is closed when the run has finished.
func (h *Handle[C]) Done() <-chan struct{} { return h.done }

// Wait blocks until the run has finished or ctx ends.
func (h *Handle[C]) Wait(ctx context.Context) (Result[C], error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result[C]{}, ctx.Err()
	}
}

func (e *Executor[C]) execute(ctx context.Context, c C) (res Result[C]) {
	res = Result[C]{RunID: uuid.NewString(), Context: c}
	log := e.log.WithField("run", res.RunID)

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Failed
			res.Err = fmt.Errorf("stage panicked: %v", r)
		}
		e.opts.Metrics.PipelineFinished(e.name, res.Outcome.String())
		log.WithField("outcome", res.Outcome).Debug("pipeline finished")
	}()

	completed := 0
	for i := range e.stages {
		stage := &e.stages[i]
		if err := ctx.Err(); err != nil {
			res.Outcome, res.Err = classify(err), err
			return res
		}

		step := &Step{exec: e.emit, index: i, caption: stage.Caption, weight: stage.Weight, completed: completed, total: e.total}
		step.report(0)

		if err := stage.Run(ctx, c, step); err != nil {
			log.WithError(err).WithField("stage", step.Caption()).Debug("stage failed")
			res.Outcome, res.Err = classify(err), err
			return res
		}

		completed += stage.Weight
		step.report(1)
	}
	res.Outcome = Succeeded
	return res
}

func (e *Executor[C]) emit(ev Event) {
	if e.opts.OnProgress == nil {
		return
	}
	ev.Pipeline = e.name
	e.opts.OnProgress(ev)
}

func classify(err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Failed
}

// Step lets a running stage report progress and change its caption.
type Step struct {
	exec      func(Event)
	index     int
	weight    int
	completed int
	total     int

	mu      sync.Mutex
	caption string
	local   float64
}

// Progress reports intra-stage progress in [0,1].
func (s *Step) Progress(local float64) {
	s.report(local)
}

// SetCaption replaces the stage caption and re-emits the current progress.
func (s *Step) SetCaption(caption string) {
	s.mu.Lock()
	s.caption = caption
	local := s.local
	s.mu.Unlock()
	s.report(local)
}

// Caption returns the current caption.
func (s *Step) Caption() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caption
}

func (s *Step) report(local float64) {
	if local < 0 {
		local = 0
	} else if local > 1 {
		local = 1
	}
	s.mu.Lock()
	s.local = local
	caption := s.caption
	s.mu.Unlock()

	progress := 0.0
	if s.total > 0 {
		progress = (float64(s.completed) + local*float64(s.weight)) / float64(s.total)
	}
	s.exec(Event{Stage: s.index, Caption: caption, Progress: progress})
}
