package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/subfeed/internal/metrics"
	"github.com/ytget/subfeed/internal/model"
)

const testTimeout = 5 * time.Second

// fakeFetcher records calls and can hold, fail or panic per video
type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	active    int
	maxActive int

	started   chan string
	hold      map[string]chan struct{}
	holdAll   chan struct{}
	ignoreCtx bool
	fail      map[string]error
	panicOn   string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		started: make(chan string, 100),
		hold:    make(map[string]chan struct{}),
		fail:    make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, video *model.Video, destDir string) (string, error) {
	f.mu.Lock()
	f.calls[video.ID]++
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	hold := f.hold[video.ID]
	if hold == nil {
		hold = f.holdAll
	}
	failErr := f.fail[video.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- video.ID

	if hold != nil {
		if f.ignoreCtx {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if video.ID == f.panicOn {
		panic("boom")
	}
	if failErr != nil {
		return "", failErr
	}
	return filepath.Join(destDir, video.ID+".mp3"), nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeFetcher) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(testTimeout):
			t.Fatalf("Expected %d fetches to start, got %d", n, i)
		}
	}
}

func testVideo(id string, duration int) *model.Video {
	v := model.NewVideo(id)
	v.Title = "Video " + id
	v.DurationSeconds = duration
	return v
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("coordinator did not become idle")
	}
}

func TestNewCoordinator_Defaults(t *testing.T) {
	c := NewCoordinator(newFakeFetcher())

	assert.Equal(t, DefaultMaxParallel, c.maxParallel)
	assert.Equal(t, DefaultItemTimeout, c.itemTimeout)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, c.Active())
	waitIdle(t, c)
}

func TestClampParallel(t *testing.T) {
	tests := []struct {
		in       int
		expected int
	}{
		{-1, MinParallel},
		{0, MinParallel},
		{1, 1},
		{4, 4},
		{10, 10},
		{50, MaxParallel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, clampParallel(tt.in), "clampParallel(%d)", tt.in)
	}
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "Accepted", Accepted.String())
	assert.Equal(t, "SkippedTooLong", SkippedTooLong.String())
	assert.Equal(t, "Decision(42)", Decision(42).String())
}

func TestSubmit_SkipsUnknownDuration(t *testing.T) {
	fetcher := newFakeFetcher()
	m := metrics.New(nil)
	c := NewCoordinator(fetcher, WithMetrics(m))

	var updates int
	c.SetUpdateCallback(func(*model.Video) { updates++ })

	v := testVideo("live", 0)
	assert.Equal(t, SkippedUnknownDuration, c.Submit(v, t.TempDir(), 500))

	waitIdle(t, c)
	assert.Equal(t, 0, fetcher.callCount("live"))
	assert.Equal(t, model.DownloadNotStarted, v.DownloadState())
	assert.Equal(t, 0, updates)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues(metrics.OutcomeSkipped)))
}

func TestSubmit_LengthFilter(t *testing.T) {
	tests := []struct {
		name        string
		duration    int
		maxDuration int
		expected    Decision
	}{
		{name: "too long", duration: 501, maxDuration: 500, expected: SkippedTooLong},
		{name: "at limit", duration: 500, maxDuration: 500, expected: Accepted},
		{name: "short", duration: 30, maxDuration: 500, expected: Accepted},
		{name: "filter disabled", duration: 7200, maxDuration: 0, expected: Accepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newFakeFetcher()
			c := NewCoordinator(fetcher)
			v := testVideo("v", tt.duration)

			assert.Equal(t, tt.expected, c.Submit(v, t.TempDir(), tt.maxDuration))
			waitIdle(t, c)

			if tt.expected == Accepted {
				assert.Equal(t, model.DownloadSucceeded, v.DownloadState())
			} else {
				assert.Equal(t, 0, fetcher.callCount("v"))
				assert.Equal(t, model.DownloadNotStarted, v.DownloadState())
			}
		})
	}
}

func TestSubmit_RejectsInvalidVideo(t *testing.T) {
	c := NewCoordinator(newFakeFetcher())
	assert.Equal(t, Rejected, c.Submit(nil, t.TempDir(), 0))
	assert.Equal(t, Rejected, c.Submit(testVideo("", 60), t.TempDir(), 0))
}

func TestSubmit_Success(t *testing.T) {
	c := NewCoordinator(newFakeFetcher())
	dest := t.TempDir()
	v := testVideo("abc", 60)

	require.Equal(t, Accepted, c.Submit(v, dest, 500))
	waitIdle(t, c)

	assert.Equal(t, model.DownloadSucceeded, v.DownloadState())
	assert.Equal(t, filepath.Join(dest, "abc.mp3"), v.DownloadPath())
	assert.Empty(t, v.LastError())
}

func TestSubmit_AlreadyInFlight(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdAll = make(chan struct{})
	c := NewCoordinator(fetcher, WithMaxParallel(1))
	dest := t.TempDir()

	running := testVideo("running", 60)
	queued := testVideo("queued", 60)
	require.Equal(t, Accepted, c.Submit(running, dest, 0))
	require.Equal(t, Accepted, c.Submit(queued, dest, 0))
	fetcher.waitStarted(t, 1)

	assert.Equal(t, model.DownloadInProgress, running.DownloadState())
	assert.Equal(t, AlreadyInFlight, c.Submit(running, dest, 0))
	assert.Equal(t, AlreadyInFlight, c.Submit(queued, dest, 0))
	assert.Equal(t, 1, c.Pending())

	close(fetcher.holdAll)
	waitIdle(t, c)

	assert.Equal(t, 1, fetcher.callCount("running"))
	assert.Equal(t, 1, fetcher.callCount("queued"))
	assert.Equal(t, model.DownloadSucceeded, running.DownloadState())
	assert.Equal(t, model.DownloadSucceeded, queued.DownloadState())
}

func TestSubmit_InProgressElsewhere(t *testing.T) {
	fetcher := newFakeFetcher()
	c := NewCoordinator(fetcher)
	v := testVideo("busy", 60)
	require.True(t, v.TryStart())

	assert.Equal(t, AlreadyInFlight, c.Submit(v, t.TempDir(), 0))
	assert.Equal(t, 0, fetcher.callCount("busy"))
}

func TestCoordinator_BoundsConcurrency(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdAll = make(chan struct{})
	c := NewCoordinator(fetcher, WithMaxParallel(2))
	dest := t.TempDir()

	var videos []*model.Video
	for i := 0; i < 6; i++ {
		v := testVideo(fmt.Sprintf("v%d", i), 60)
		videos = append(videos, v)
		require.Equal(t, Accepted, c.Submit(v, dest, 0))
	}
	fetcher.waitStarted(t, 2)

	assert.Equal(t, 2, c.Active())
	assert.Equal(t, 4, c.Pending())

	close(fetcher.holdAll)
	waitIdle(t, c)

	assert.Equal(t, 2, fetcher.peak())
	for _, v := range videos {
		assert.Equal(t, model.DownloadSucceeded, v.DownloadState(), v.ID)
	}
}

func TestCoordinator_NoHeadOfLineBlocking(t *testing.T) {
	fetcher := newFakeFetcher()
	slowRelease := make(chan struct{})
	fetcher.hold["slow"] = slowRelease
	c := NewCoordinator(fetcher, WithMaxParallel(2))
	dest := t.TempDir()

	slow := testVideo("slow", 60)
	fast := []*model.Video{testVideo("f1", 60), testVideo("f2", 60), testVideo("f3", 60)}

	require.Equal(t, Accepted, c.Submit(slow, dest, 0))
	for _, v := range fast {
		require.Equal(t, Accepted, c.Submit(v, dest, 0))
	}

	require.Eventually(t, func() bool {
		for _, v := range fast {
			if v.DownloadState() != model.DownloadSucceeded {
				return false
			}
		}
		return true
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, model.DownloadInProgress, slow.DownloadState())

	close(slowRelease)
	waitIdle(t, c)
	assert.Equal(t, model.DownloadSucceeded, slow.DownloadState())
}

func TestCoordinator_FailureIsIsolated(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fail["bad"] = errors.New("video unavailable")
	m := metrics.New(nil)
	c := NewCoordinator(fetcher, WithMetrics(m))
	dest := t.TempDir()

	bad := testVideo("bad", 60)
	good := testVideo("good", 60)
	require.Equal(t, Accepted, c.Submit(bad, dest, 0))
	require.Equal(t, Accepted, c.Submit(good, dest, 0))
	waitIdle(t, c)

	assert.Equal(t, model.DownloadFailed, bad.DownloadState())
	assert.Contains(t, bad.LastError(), "video unavailable")
	assert.Equal(t, model.DownloadSucceeded, good.DownloadState())
	assert.Equal(t, 1, fetcher.callCount("bad"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues(metrics.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues(metrics.OutcomeSucceeded)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DownloadsActive))
}

func TestCoordinator_ResubmitAfterFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fail["flaky"] = errors.New("HTTP Error 429")
	c := NewCoordinator(fetcher)
	dest := t.TempDir()
	v := testVideo("flaky", 60)

	require.Equal(t, Accepted, c.Submit(v, dest, 0))
	waitIdle(t, c)
	require.Equal(t, model.DownloadFailed, v.DownloadState())

	fetcher.mu.Lock()
	delete(fetcher.fail, "flaky")
	fetcher.mu.Unlock()

	require.Equal(t, Accepted, c.Submit(v, dest, 0))
	waitIdle(t, c)
	assert.Equal(t, model.DownloadSucceeded, v.DownloadState())
	assert.Empty(t, v.LastError())
	assert.Equal(t, 2, fetcher.callCount("flaky"))
}

func TestCoordinator_PanicSettlesFailed(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.panicOn = "crash"
	c := NewCoordinator(fetcher)
	dest := t.TempDir()

	crash := testVideo("crash", 60)
	after := testVideo("after", 60)
	require.Equal(t, Accepted, c.Submit(crash, dest, 0))
	require.Equal(t, Accepted, c.Submit(after, dest, 0))
	waitIdle(t, c)

	assert.Equal(t, model.DownloadFailed, crash.DownloadState())
	assert.Contains(t, crash.LastError(), ErrFetcherPanic.Error())
	assert.Equal(t, model.DownloadSucceeded, after.DownloadState())
}

func TestCoordinator_ItemTimeout(t *testing.T) {
	for _, ignoreCtx := range []bool{false, true} {
		t.Run(fmt.Sprintf("ignoreCtx=%v", ignoreCtx), func(t *testing.T) {
			fetcher := newFakeFetcher()
			fetcher.holdAll = make(chan struct{})
			fetcher.ignoreCtx = ignoreCtx
			defer close(fetcher.holdAll)

			c := NewCoordinator(fetcher, WithItemTimeout(20*time.Millisecond))
			v := testVideo("stuck", 60)
			require.Equal(t, Accepted, c.Submit(v, t.TempDir(), 0))
			waitIdle(t, c)

			assert.Equal(t, model.DownloadFailed, v.DownloadState())
			assert.Contains(t, v.LastError(), context.DeadlineExceeded.Error())
		})
	}
}

func TestCoordinator_AbandonedFetchBlocksResubmit(t *testing.T) {
	fetcher := newFakeFetcher()
	release := make(chan struct{})
	fetcher.hold["stuck"] = release
	fetcher.ignoreCtx = true

	c := NewCoordinator(fetcher, WithItemTimeout(20*time.Millisecond))
	dest := t.TempDir()
	v := testVideo("stuck", 60)
	require.Equal(t, Accepted, c.Submit(v, dest, 0))
	waitIdle(t, c)
	require.Equal(t, model.DownloadFailed, v.DownloadState())

	// the first fetch is still running
	assert.Equal(t, AlreadyInFlight, c.Submit(v, dest, 0))
	assert.Equal(t, 1, fetcher.callCount("stuck"))

	close(release)
	require.Eventually(t, func() bool {
		return c.Submit(v, dest, 0) == Accepted
	}, testTimeout, 5*time.Millisecond)
	waitIdle(t, c)

	assert.Equal(t, model.DownloadSucceeded, v.DownloadState())
	assert.Equal(t, 2, fetcher.callCount("stuck"))
	assert.Equal(t, 1, fetcher.peak())
}

func TestCoordinator_RateLimit(t *testing.T) {
	fetcher := newFakeFetcher()
	c := NewCoordinator(fetcher, WithMaxParallel(3), WithRateLimit(30*time.Millisecond, 1))
	dest := t.TempDir()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.Equal(t, Accepted, c.Submit(testVideo(fmt.Sprintf("r%d", i), 60), dest, 0))
	}
	waitIdle(t, c)

	// the first start is free, the next two wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCoordinator_Callbacks(t *testing.T) {
	c := NewCoordinator(newFakeFetcher())

	var mu sync.Mutex
	var states []model.DownloadState
	c.SetUpdateCallback(func(v *model.Video) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, v.DownloadState())
	})
	idle := make(chan struct{}, 4)
	c.SetIdleCallback(func() { idle <- struct{}{} })

	v := testVideo("cb", 60)
	require.Equal(t, Accepted, c.Submit(v, t.TempDir(), 0))

	select {
	case <-idle:
	case <-time.After(testTimeout):
		t.Fatal("idle callback not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.DownloadState{model.DownloadInProgress, model.DownloadSucceeded}, states)
	assert.Len(t, idle, 0)
}

func TestShutdown_WaitsForRunning(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdAll = make(chan struct{})
	c := NewCoordinator(fetcher)
	v := testVideo("a", 60)
	require.Equal(t, Accepted, c.Submit(v, t.TempDir(), 0))
	fetcher.waitStarted(t, 1)

	result := make(chan error, 1)
	go func() { result <- c.Shutdown(context.Background()) }()

	select {
	case err := <-result:
		t.Fatalf("Shutdown returned before the download finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, Rejected, c.Submit(testVideo("late", 60), t.TempDir(), 0))

	close(fetcher.holdAll)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Shutdown did not return")
	}
	assert.Equal(t, model.DownloadSucceeded, v.DownloadState())
}

func TestShutdown_AbortsAndFailsQueued(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdAll = make(chan struct{})
	defer close(fetcher.holdAll)
	c := NewCoordinator(fetcher, WithMaxParallel(1))
	dest := t.TempDir()

	running := testVideo("running", 60)
	queued := []*model.Video{testVideo("q1", 60), testVideo("q2", 60)}
	require.Equal(t, Accepted, c.Submit(running, dest, 0))
	for _, v := range queued {
		require.Equal(t, Accepted, c.Submit(v, dest, 0))
	}
	fetcher.waitStarted(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, model.DownloadFailed, running.DownloadState())
	for _, v := range queued {
		assert.Equal(t, model.DownloadFailed, v.DownloadState(), v.ID)
		assert.Equal(t, model.ErrCoordinatorClosed.Error(), v.LastError())
		assert.Equal(t, 0, fetcher.callCount(v.ID))
	}
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 0, c.Pending())
	waitIdle(t, c)
}

func TestClose_AbortsUnresponsiveFetcher(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdAll = make(chan struct{})
	fetcher.ignoreCtx = true
	defer close(fetcher.holdAll)
	c := NewCoordinator(fetcher)

	v := testVideo("hung", 60)
	require.Equal(t, Accepted, c.Submit(v, t.TempDir(), 0))
	fetcher.waitStarted(t, 1)

	require.NoError(t, c.Close())
	assert.Equal(t, model.DownloadFailed, v.DownloadState())
	assert.Equal(t, Rejected, c.Submit(testVideo("after", 60), t.TempDir(), 0))
}

func TestClose_Idempotent(t *testing.T) {
	c := NewCoordinator(newFakeFetcher())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
