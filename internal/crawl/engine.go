package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ytget/subfeed/internal/browser"
	"github.com/ytget/subfeed/internal/feed"
	"github.com/ytget/subfeed/internal/metrics"
	"github.com/ytget/subfeed/internal/model"
	"github.com/ytget/subfeed/internal/platform"
)

// Defaults
const (
	DefaultFeedURL        = "https://www.youtube.com/feed/subscriptions"
	DefaultSettleInterval = 3 * time.Second
	DefaultStallThreshold = 3
	RunIDPrefix           = "crawl-"
)

// AgeCutoff selects which video is compared against the age limit
type AgeCutoff int

const (
	// AgeCutoffLastRecord compares the last record of the latest snapshot,
	// assuming the feed is rendered newest-first
	AgeCutoffLastRecord AgeCutoff = iota
	// AgeCutoffOldest compares the oldest video collected so far
	AgeCutoffOldest
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	FeedURL string
	// SettleInterval is the wait after each scroll. Negative disables it.
	SettleInterval time.Duration
	StallThreshold int
	AgeCutoff      AgeCutoff
	// Now supplies the reference instant for relative upload times
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result is the outcome of one crawl. Videos holds whatever was collected,
// including on failure.
type Result struct {
	RunID      string
	Videos     *model.VideoSet
	StopReason model.StopReason
	Iterations int
}

// Engine drives a browser session through the scroll/extract loop
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an engine with the given options
func NewEngine(opts Options) *Engine {
	if opts.FeedURL == "" {
		opts.FeedURL = DefaultFeedURL
	}
	if opts.SettleInterval == 0 {
		opts.SettleInterval = DefaultSettleInterval
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{opts: opts, logger: logger, metrics: m}
}

// crawlState is the mutable state of one run
type crawlState struct {
	videos     *model.VideoSet
	iterations int
	stallCount int
	lastRecord *model.Video
}

// Crawl collects up to maxVideos videos from the feed, stopping early once a
// video uploaded at or before maxAge is seen. The engine owns session and
// closes it on every exit path.
func (e *Engine) Crawl(ctx context.Context, session browser.Session, maxVideos int, maxAge time.Time) (*Result, error) {
	defer func() {
		if err := session.Close(); err != nil {
			e.logger.Warn("close browser session", slog.Any("error", err))
		}
	}()

	result := &Result{
		RunID:  RunIDPrefix + uuid.NewString(),
		Videos: model.NewVideoSet(),
	}
	logger := e.logger.With(slog.String("run_id", result.RunID))

	reason, err := e.run(ctx, session, maxVideos, maxAge, result, logger)
	result.StopReason = reason
	e.metrics.CrawlStops.WithLabelValues(reason.String()).Inc()

	if err != nil {
		logger.Warn("crawl stopped",
			slog.String("reason", reason.String()),
			slog.Int("videos", result.Videos.Len()),
			slog.Any("error", err))
		return result, err
	}
	logger.Info("crawl finished",
		slog.String("reason", reason.String()),
		slog.Int("videos", result.Videos.Len()),
		slog.Int("iterations", result.Iterations))
	return result, nil
}

// CrawlSource runs the crawl loop over a pre-captured page source without a
// browser
func (e *Engine) CrawlSource(ctx context.Context, pageSource string, maxVideos int, maxAge time.Time) (*Result, error) {
	return e.Crawl(ctx, browser.NewStaticSession(pageSource), maxVideos, maxAge)
}

func (e *Engine) run(ctx context.Context, session browser.Session, maxVideos int, maxAge time.Time, result *Result, logger *slog.Logger) (model.StopReason, error) {
	if maxVideos <= 0 {
		return model.StopMaxVideosReached, nil
	}

	state := &crawlState{videos: result.Videos}
	defer func() { result.Iterations = state.iterations }()

	if err := session.Navigate(ctx, e.opts.FeedURL); err != nil {
		return e.failure(ctx, err)
	}

	for {
		source, err := session.CurrentSource(ctx)
		if err != nil {
			return e.failure(ctx, err)
		}

		records, err := feed.Extract(source)
		if err != nil {
			return e.failure(ctx, err)
		}

		state.iterations++
		e.metrics.CrawlIterations.Inc()
		added := e.accumulate(state, records, maxVideos)
		e.metrics.VideosDiscovered.Add(float64(added))

		logger.Debug("crawl iteration",
			slog.Int("iteration", state.iterations),
			slog.Int("records", len(records)),
			slog.Int("new", added),
			slog.Int("total", state.videos.Len()))

		if state.videos.Len() >= maxVideos {
			return model.StopMaxVideosReached, nil
		}
		if e.reachedMaxAge(state, maxAge) {
			return model.StopMaxAgeReached, nil
		}

		if added == 0 {
			state.stallCount++
			if state.stallCount >= e.opts.StallThreshold {
				return model.StopStalled, nil
			}
		} else {
			state.stallCount = 0
		}

		if err := session.ScrollToBottom(ctx); err != nil {
			return e.failure(ctx, err)
		}
		if err := e.settle(ctx); err != nil {
			return model.StopCanceled, err
		}
	}
}

// accumulate merges one snapshot's records into the state and returns the
// number of newly inserted videos. Records without an id cannot be keyed and
// are dropped.
func (e *Engine) accumulate(state *crawlState, records []feed.Record, maxVideos int) int {
	now := e.opts.Now()

	// merge repeated ids within this snapshot first
	var order []string
	var lastID string
	merged := make(map[string]*feed.Record)
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		lastID = rec.ID
		if existing, ok := merged[rec.ID]; ok {
			existing.Merge(rec)
			continue
		}
		r := rec
		merged[rec.ID] = &r
		order = append(order, rec.ID)
	}

	added := 0
	for _, id := range order {
		video := toVideo(*merged[id], now)
		if existing, ok := state.videos.Get(id); ok {
			existing.Merge(video)
			continue
		}
		if state.videos.Len() >= maxVideos {
			continue
		}
		state.videos.Add(video)
		added++
	}

	// the age cutoff follows the last record in extraction order, not the
	// first occurrence of its id
	state.lastRecord = nil
	if last, ok := state.videos.Get(lastID); ok {
		state.lastRecord = last
	}
	return added
}

func (e *Engine) reachedMaxAge(state *crawlState, maxAge time.Time) bool {
	if maxAge.IsZero() {
		return false
	}

	var candidate *model.Video
	switch e.opts.AgeCutoff {
	case AgeCutoffOldest:
		candidate = state.videos.Oldest()
	default:
		candidate = state.lastRecord
	}
	return candidate != nil && !candidate.UploadedAt.After(maxAge)
}

// settle waits for the page to render the next batch
func (e *Engine) settle(ctx context.Context) error {
	if e.opts.SettleInterval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.opts.SettleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failure classifies an error raised by the session or the extractor
func (e *Engine) failure(ctx context.Context, err error) (model.StopReason, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return model.StopCanceled, err
	}
	return model.StopSourceError, fmt.Errorf("%w: %w", model.ErrSourceError, err)
}

func toVideo(rec feed.Record, now time.Time) *model.Video {
	v := model.NewVideo(rec.ID)
	v.Title = rec.Title
	v.Author = rec.Author
	v.AuthorID = rec.AuthorID
	v.ThumbnailURL = rec.Thumbnail
	v.AuthorThumbnailURL = rec.AuthorThumbnail
	v.PublishedText = rec.Published
	v.UploadedAt = platform.ResolveRelativeTime(rec.Published, now)
	v.DurationSeconds = platform.ParseDuration(rec.Duration)
	return v
}
