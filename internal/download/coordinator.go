package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ytget/subfeed/internal/metrics"
	"github.com/ytget/subfeed/internal/model"
)

// Coordinator limits
const (
	DefaultMaxParallel = 2
	MinParallel        = 1
	MaxParallel        = 10
	DefaultItemTimeout = 30 * time.Minute
	JobIDPrefix        = "dl-"
)

// ErrFetcherPanic marks a failure caused by a panicking fetcher
var ErrFetcherPanic = errors.New("fetcher panicked")

// Decision is the outcome of a submission
type Decision int

const (
	// Accepted means the video was queued for a worker
	Accepted Decision = iota
	// SkippedUnknownDuration covers live streams, premieres and unreleased videos
	SkippedUnknownDuration
	// SkippedTooLong means the video exceeds the caller's length limit
	SkippedTooLong
	// AlreadyInFlight means the video is queued or being downloaded
	AlreadyInFlight
	// Rejected means the coordinator is shut down
	Rejected
)

var decisionNames = map[Decision]string{
	Accepted:               "Accepted",
	SkippedUnknownDuration: "SkippedUnknownDuration",
	SkippedTooLong:         "SkippedTooLong",
	AlreadyInFlight:        "AlreadyInFlight",
	Rejected:               "Rejected",
}

func (d Decision) String() string {
	if name, ok := decisionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// job is one accepted submission
type job struct {
	id      string
	video   *model.Video
	destDir string
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMaxParallel sets the worker bound, clamped to [MinParallel, MaxParallel]
func WithMaxParallel(n int) Option {
	return func(c *Coordinator) {
		c.maxParallel = clampParallel(n)
	}
}

// WithItemTimeout bounds a single download. Zero or negative disables it.
func WithItemTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.itemTimeout = d
	}
}

// WithRateLimit paces worker starts to at most one per interval, with the
// given burst
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(c *Coordinator) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), max(burst, 1))
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Coordinator handles download operations for feed videos
type Coordinator struct {
	fetcher     Fetcher
	maxParallel int
	itemTimeout time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics

	baseCtx context.Context
	abort   context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	queue       []*job
	inflight    map[string]*job     // queued or running, by video id
	abandoned   map[string]struct{} // fetches still running after their job settled
	activeCount int
	closed      bool
	idle        chan struct{} // closed while there is no work
	onUpdate    func(*model.Video)
	onIdle      func()
}

// NewCoordinator creates a coordinator that downloads through fetcher
func NewCoordinator(fetcher Fetcher, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	c := &Coordinator{
		fetcher:     fetcher,
		maxParallel: DefaultMaxParallel,
		itemTimeout: DefaultItemTimeout,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		logger:      slog.Default(),
		baseCtx:     ctx,
		abort:       cancel,
		inflight:    make(map[string]*job),
		abandoned:   make(map[string]struct{}),
		idle:        idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c
}

// SetUpdateCallback sets the function called on every download state change
func (c *Coordinator) SetUpdateCallback(callback func(*model.Video)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = callback
}

// SetIdleCallback sets the function called whenever the last queued or
// running download settles
func (c *Coordinator) SetIdleCallback(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdle = callback
}

// Submit applies the duration filters and queues video for download.
// A maxDurationSeconds of zero or less disables the length filter.
// Skipped videos keep their download state.
func (c *Coordinator) Submit(video *model.Video, destDir string, maxDurationSeconds int) Decision {
	if video == nil || video.ID == "" {
		return Rejected
	}
	if video.DurationSeconds <= 0 {
		c.skip(video, SkippedUnknownDuration)
		return SkippedUnknownDuration
	}
	if maxDurationSeconds > 0 && video.DurationSeconds > maxDurationSeconds {
		c.skip(video, SkippedTooLong)
		return SkippedTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Rejected
	}
	if _, exists := c.inflight[video.ID]; exists || video.DownloadState() == model.DownloadInProgress {
		return AlreadyInFlight
	}
	if _, stale := c.abandoned[video.ID]; stale {
		return AlreadyInFlight
	}

	j := &job{id: JobIDPrefix + uuid.NewString(), video: video, destDir: destDir}
	c.inflight[video.ID] = j
	c.queue = append(c.queue, j)
	select {
	case <-c.idle:
		c.idle = make(chan struct{})
	default:
	}

	c.logger.Debug("download queued",
		slog.String("job_id", j.id),
		slog.String("video_id", video.ID),
		slog.Int("queued", len(c.queue)))

	c.startNextPendingLocked()
	return Accepted
}

// Pending returns the number of queued downloads
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Active returns the number of running downloads
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCount
}

// Wait blocks until nothing is queued or running
func (c *Coordinator) Wait() {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	<-idle
}

// Shutdown stops accepting submissions and fails every queued video with
// ErrCoordinatorClosed. It then waits for running downloads; if ctx ends
// first they are aborted and settle as failed before Shutdown returns.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	queued := c.queue
	c.queue = nil
	for _, j := range queued {
		delete(c.inflight, j.video.ID)
	}
	c.mu.Unlock()

	for _, j := range queued {
		j.video.MarkFailed(model.ErrCoordinatorClosed)
		c.metrics.Downloads.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.notifyUpdate(j.video)
	}
	if len(queued) > 0 {
		c.logger.Info("queued downloads cancelled", slog.Int("count", len(queued)))
		c.checkIdle()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.abort()
		return nil
	case <-ctx.Done():
	}

	c.logger.Warn("aborting running downloads", slog.Int("active", c.Active()))
	c.abort()
	<-done
	return ctx.Err()
}

// Close shuts down immediately, aborting running downloads
func (c *Coordinator) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startNextPendingLocked starts queued jobs while there is capacity.
// c.mu must be held.
func (c *Coordinator) startNextPendingLocked() {
	for c.activeCount < c.maxParallel && len(c.queue) > 0 {
		j := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.activeCount++
		c.wg.Add(1)
		go c.runJob(j)
	}
}

// runJob downloads one video and settles its state
func (c *Coordinator) runJob(j *job) {
	defer c.finishJob(j)

	logger := c.logger.With(slog.String("job_id", j.id), slog.String("video_id", j.video.ID))
	if !j.video.TryStart() {
		logger.Warn("video already downloading elsewhere")
		return
	}
	c.metrics.DownloadsActive.Inc()
	defer c.metrics.DownloadsActive.Dec()
	c.notifyUpdate(j.video)

	logger.Info("download started", slog.String("title", j.video.DisplayTitle()))
	started := time.Now()
	path, err := c.fetch(j)
	elapsed := time.Since(started)
	c.metrics.DownloadDuration.Observe(elapsed.Seconds())

	if err != nil {
		j.video.MarkFailed(err)
		c.metrics.Downloads.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Warn("download failed", slog.Duration("elapsed", elapsed), slog.Any("error", err))
	} else {
		j.video.MarkSucceeded(path)
		c.metrics.Downloads.WithLabelValues(metrics.OutcomeSucceeded).Inc()
		logger.Info("download finished", slog.String("path", path), slog.Duration("elapsed", elapsed))
	}
	c.notifyUpdate(j.video)
}

type fetchResult struct {
	path string
	err  error
}

// fetch runs the fetcher under the item timeout. It returns as soon as the
// job context ends even if the fetcher ignores it; the video then stays
// abandoned until the fetcher actually returns.
func (c *Coordinator) fetch(j *job) (string, error) {
	ctx, cancel := c.jobContext()
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for download slot: %w", err)
	}

	id := j.video.ID
	done := make(chan fetchResult, 1)
	var finished, detached bool // guarded by c.mu
	go func() {
		var res fetchResult
		defer func() {
			if r := recover(); r != nil {
				res = fetchResult{err: fmt.Errorf("%w: %v", ErrFetcherPanic, r)}
			}
			c.mu.Lock()
			finished = true
			if detached {
				delete(c.abandoned, id)
			}
			c.mu.Unlock()
			done <- res
		}()
		res.path, res.err = c.fetcher.Fetch(ctx, j.video, j.destDir)
	}()

	select {
	case res := <-done:
		return res.path, res.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if finished {
		c.mu.Unlock()
		res := <-done
		return res.path, res.err
	}
	detached = true
	c.abandoned[id] = struct{}{}
	c.mu.Unlock()

	c.logger.Warn("fetcher ignored cancellation",
		slog.String("job_id", j.id),
		slog.String("video_id", id))
	return "", fmt.Errorf("download aborted: %w", ctx.Err())
}

func (c *Coordinator) jobContext() (context.Context, context.CancelFunc) {
	if c.itemTimeout > 0 {
		return context.WithTimeout(c.baseCtx, c.itemTimeout)
	}
	return context.WithCancel(c.baseCtx)
}

// finishJob releases the worker slot and starts the next queued job
func (c *Coordinator) finishJob(j *job) {
	c.mu.Lock()
	c.activeCount--
	delete(c.inflight, j.video.ID)
	c.startNextPendingLocked()
	c.mu.Unlock()

	c.checkIdle()
	c.wg.Done()
}

// checkIdle marks the coordinator idle and fires the idle callback once the
// last job settles
func (c *Coordinator) checkIdle() {
	c.mu.Lock()
	if len(c.inflight) > 0 || c.activeCount > 0 {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.idle:
		c.mu.Unlock()
		return
	default:
	}
	close(c.idle)
	onIdle := c.onIdle
	c.mu.Unlock()

	if onIdle != nil {
		onIdle()
	}
}

// skip records a filtered submission
func (c *Coordinator) skip(video *model.Video, decision Decision) {
	c.metrics.Downloads.WithLabelValues(metrics.OutcomeSkipped).Inc()
	c.logger.Debug("download skipped",
		slog.String("video_id", video.ID),
		slog.String("reason", decision.String()),
		slog.Int("duration_seconds", video.DurationSeconds))
}

// notifyUpdate calls the update callback if set
func (c *Coordinator) notifyUpdate(video *model.Video) {
	c.mu.Lock()
	onUpdate := c.onUpdate
	c.mu.Unlock()
	if onUpdate != nil {
		onUpdate(video)
	}
}

func clampParallel(n int) int {
	return min(max(n, MinParallel), MaxParallel)
}
