package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
)

// blockingJob lets a test hold a run open while a second trigger arrives.
type blockingJob struct {
	mu      sync.Mutex
	runs    int
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (j *blockingJob) Run(ctx context.Context) RunSummary {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	if j.panics {
		panic("wild pointer")
	}
	if j.started != nil {
		close(j.started)
		<-j.release
	}
	return RunSummary{Notified: 1}
}

func (j *blockingJob) runCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func TestTryRun_NoOverlap(t *testing.T) {
	job := &blockingJob{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sched := NewScheduler(job, time.Hour, clock.NewFrozen(time.Now()), zap.NewNop())

	go sched.TryRun(context.Background())
	<-job.started

	// Second trigger while the first run is in flight must be refused.
	if _, ran := sched.TryRun(context.Background()); ran {
		t.Error("overlapping run must be skipped")
	}
	close(job.release)

	// After the first run drains, the guard resets.
	deadline := time.After(time.Second)
	for {
		if _, ran := sched.TryRun(context.Background()); ran {
			break
		}
		select {
		case <-deadline:
			t.Fatal("guard never released after run completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := job.runCount(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestTryRun_ContainsPanic(t *testing.T) {
	job := &blockingJob{panics: true}
	sched := NewScheduler(job, time.Hour, clock.NewFrozen(time.Now()), zap.NewNop())

	summary, ran := sched.TryRun(context.Background())
	if !ran {
		t.Fatal("the run should have been admitted")
	}
	if !summary.Failed {
		t.Error("a panicking run must surface as failed")
	}

	// The guard must be released so later ticks still run.
	job.panics = false
	if _, ran := sched.TryRun(context.Background()); !ran {
		t.Error("scheduler must keep running after a contained panic")
	}
}

func TestUntilNextBoundary_AlignsToInterval(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 5, 1, 7, 42, 10, 0, time.UTC))
	sched := NewScheduler(&blockingJob{}, time.Hour, clk, zap.NewNop())

	got := sched.untilNextBoundary()
	want := 17*time.Minute + 50*time.Second
	if got != want {
		t.Errorf("first run delay = %v, want %v (next top of the hour)", got, want)
	}
}

func TestUntilNextBoundary_FractionalOffsetZone(t *testing.T) {
	// A zone offset that is not a whole hour. Absolute-time truncation
	// would aim for :30 local here; the boundary must be the local top of
	// the hour.
	loc := time.FixedZone("UTC+03:30", 3*3600+30*60)
	clk := clock.NewFrozen(time.Date(2026, 5, 1, 10, 42, 10, 0, loc))
	sched := NewScheduler(&blockingJob{}, time.Hour, clk, zap.NewNop())

	got := sched.untilNextBoundary()
	want := 17*time.Minute + 50*time.Second
	if got != want {
		t.Errorf("first run delay = %v, want %v (11:00 local)", got, want)
	}
}

func TestLogSender_AlwaysSucceeds(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	err := s.Send(context.Background(), Email{To: "x@example.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("log sender should never fail: %v", err)
	}
}
