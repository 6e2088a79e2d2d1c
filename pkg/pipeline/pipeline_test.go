package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type job struct {
	visited []string
}

func record(name string) func(context.Context, *job, *Step) error {
	return func(_ context.Context, j *job, _ *Step) error {
		j.visited = append(j.visited, name)
		return nil
	}
}

type progressLog struct {
	mu     sync.Mutex
	events []Event
}

func (p *progressLog) add(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestRunWeightedProgress(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var progress progressLog

	exec := New("download", Options{Logger: logger, OnProgress: progress.add},
		Stage[*job]{Caption: "resolve", Weight: 1, Run: record("resolve")},
		Stage[*job]{Caption: "fetch", Weight: 2, Run: func(_ context.Context, j *job, step *Step) error {
			step.Progress(0.5)
			step.SetCaption("fetch 512 B")
			j.visited = append(j.visited, "fetch")
			return nil
		}},
		Stage[*job]{Caption: "store", Weight: 0, Run: record("store")},
	)

	var calls int
	res, err := exec.Run(context.Background(), &job{}, func(Result[*job]) { calls++ })
	require.NoError(t, err)
	require.Equal(t, 1, calls, "completion callback must fire exactly once")
	require.Equal(t, Succeeded, res.Outcome)
	require.Equal(t, []string{"resolve", "fetch", "store"}, res.Context.visited)

	// total weight = 1 + 2 + 1
	var got []float64
	for _, ev := range progress.events {
		got = append(got, ev.Progress)
		require.GreaterOrEqual(t, ev.Progress, 0.0)
		require.LessOrEqual(t, ev.Progress, 1.0)
	}
	require.Equal(t, []float64{0, 0.25, 0.25, 0.5, 0.5, 0.75, 0.75, 1}, got)
	require.Equal(t, "fetch 512 B", progress.events[4].Caption)
	require.Equal(t, "fetch 512 B", progress.events[5].Caption)
}

func TestRunAbortsOnStageError(t *testing.T) {
	boom := errors.New("boom")
	exec := New("upload", Options{},
		Stage[*job]{Caption: "a", Run: record("a")},
		Stage[*job]{Caption: "b", Run: func(context.Context, *job, *Step) error { return boom }},
		Stage[*job]{Caption: "c", Run: record("c")},
	)

	var got Result[*job]
	res, err := exec.Run(context.Background(), &job{}, func(r Result[*job]) { got = r })
	require.NoError(t, err)
	require.Equal(t, Failed, res.Outcome)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, []string{"a"}, res.Context.visited, "the partially mutated context is delivered")
	require.Equal(t, res.RunID, got.RunID)
}

func TestCancellationCheckedBeforeEachStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := New("search", Options{},
		Stage[*job]{Caption: "a", Run: func(_ context.Context, j *job, _ *Step) error {
			j.visited = append(j.visited, "a")
			cancel()
			return nil // synchronous stage ignores ctx
		}},
		Stage[*job]{Caption: "b", Run: record("b")},
	)

	res, err := exec.Run(ctx, &job{}, nil)
	require.NoError(t, err)
	require.Equal(t, Canceled, res.Outcome)
	require.Equal(t, []string{"a"}, res.Context.visited)
}

func TestTimeoutFailsRun(t *testing.T) {
	exec := New("slow", Options{Timeout: 20 * time.Millisecond},
		Stage[*job]{Caption: "wait", Run: func(ctx context.Context, _ *job, _ *Step) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	res, err := exec.Run(context.Background(), &job{}, nil)
	require.NoError(t, err)
	require.Equal(t, Failed, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestStartWaitCancelAndBusy(t *testing.T) {
	entered := make(chan struct{})
	exec := New("async", Options{},
		Stage[*job]{Caption: "block", Run: func(ctx context.Context, _ *job, _ *Step) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	done := make(chan Result[*job], 1)
	h, err := exec.Start(context.Background(), &job{}, func(r Result[*job]) { done <- r })
	require.NoError(t, err)
	<-entered

	require.True(t, exec.Running())
	_, err = exec.Run(context.Background(), &job{}, nil)
	require.ErrorIs(t, err, ErrBusy)
	_, err = exec.Start(context.Background(), &job{}, nil)
	require.ErrorIs(t, err, ErrBusy)

	h.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Canceled, res.Outcome)
	require.Equal(t, Canceled, (<-done).Outcome)

	// the executor is reusable once the run finished
	_, err = exec.Run(context.Background(), &job{}, nil)
	require.NoError(t, err)
}

func TestPanicBecomesFailure(t *testing.T) {
	exec := New("panicky", Options{},
		Stage[*job]{Caption: "explode", Run: func(context.Context, *job, *Step) error { panic("kaboom") }},
	)
	res, err := exec.Run(context.Background(), &job{}, nil)
	require.NoError(t, err)
	require.Equal(t, Failed, res.Outcome)
	require.False(t, exec.Running())
}

func TestOutcomeMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	exec := New("counted", Options{Metrics: m}, Stage[*job]{Caption: "a", Run: record("a")})
	_, err := exec.Run(context.Background(), &job{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("counted", "succeeded")))
}
