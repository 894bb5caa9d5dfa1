package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/quality"
)

type fakeRunner struct {
	mu    sync.Mutex
	specs []config.JobSpec
	ran   chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan string, 16)}
}

func (f *fakeRunner) Run(_ context.Context, spec *config.JobSpec) (*pipeline.JobResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, *spec)
	f.mu.Unlock()
	f.ran <- spec.Source.Location
	return &pipeline.JobResult{JobID: "job-1", Name: spec.Name, Status: pipeline.StateCompleted}, nil
}

type fakeQuality struct {
	runs chan string
}

func (f *fakeQuality) EvaluateStored(_ context.Context, trigger string) (*quality.Report, error) {
	f.runs <- trigger
	return &quality.Report{ID: "r1", OverallScore: 1, GatePassed: true}, nil
}

func spec(name string) *config.JobSpec {
	return &config.JobSpec{
		Name:        name,
		DataType:    "property",
		MappingName: "county",
		Source:      config.SourceSpec{Kind: "file", Location: "/data/parcels.csv"},
	}
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run")
		return ""
	}
}

func TestScheduledJobRuns(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, nil, zaptest.NewLogger(t))

	sp := spec("nightly")
	sp.Schedule = "@every 1s"
	require.NoError(t, s.AddJob(sp))
	assert.Equal(t, []string{"job:nightly"}, s.Entries())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, "/data/parcels.csv", waitFor(t, runner.ran))
}

func TestScheduledQualityRuns(t *testing.T) {
	q := &fakeQuality{runs: make(chan string, 4)}
	s := New(newFakeRunner(), q, zaptest.NewLogger(t))
	require.NoError(t, s.AddQuality("@every 1s"))

	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, "schedule", waitFor(t, q.runs))
}

func TestAddJobRejectsBadEntries(t *testing.T) {
	s := New(newFakeRunner(), nil, zaptest.NewLogger(t))

	err := s.AddJob(spec("unscheduled"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	bad := spec("bad")
	bad.Schedule = "every tuesday"
	err = s.AddJob(bad)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	ok := spec("ok")
	ok.Schedule = "0 2 * * *"
	require.NoError(t, s.AddJob(ok))
	err = s.AddJob(ok)
	assert.True(t, errors.IsKind(err, errors.KindAlreadyExists))

	assert.Error(t, s.AddQuality("@hourly"), "no quality engine")
}

func TestDropWatcherRunsJobPerFile(t *testing.T) {
	dir := t.TempDir()
	done := filepath.Join(t.TempDir(), "done")
	runner := newFakeRunner()

	w, err := NewDropWatcher(spec("drop"), runner, WatchOptions{
		Dir:      dir,
		Pattern:  "*.csv",
		Debounce: 50 * time.Millisecond,
		DoneDir:  done,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-errc)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))
	path := filepath.Join(dir, "levy.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	assert.Equal(t, path, waitFor(t, runner.ran))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(done, "levy.csv"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.specs, 1)
	assert.Equal(t, "drop", runner.specs[0].Name)
}

func TestNewDropWatcherValidates(t *testing.T) {
	_, err := NewDropWatcher(spec("x"), newFakeRunner(), WatchOptions{}, zaptest.NewLogger(t))
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	_, err = NewDropWatcher(spec("x"), newFakeRunner(), WatchOptions{Dir: t.TempDir(), Pattern: "[a-"}, zaptest.NewLogger(t))
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
