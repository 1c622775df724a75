package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ytget/subfeed/internal/browser"
	"github.com/ytget/subfeed/internal/config"
	"github.com/ytget/subfeed/internal/crawl"
	"github.com/ytget/subfeed/internal/download"
	"github.com/ytget/subfeed/internal/metrics"
	"github.com/ytget/subfeed/internal/model"
	"github.com/ytget/subfeed/internal/platform"
	"github.com/ytget/subfeed/internal/transcode"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

const AppName = "subfeed"

// Exit codes
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitSessionSetup = 2
	ExitUsage        = 64
)

const shutdownTimeout = 15 * time.Second

// options holds the command line; zero values defer to settings
type options struct {
	envFile     string
	maxVideos   int
	maxAge      time.Duration
	maxDuration int
	dest        string
	profile     string
	sourceFile  string
	saveSource  string
	noDownload  bool
	parallel    int
	interval    time.Duration
	metricsAddr string
	showBrowser bool
	installDeps bool
	version     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	opts := &options{}
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.envFile, "env-file", "", "Environment file to load (default .env if present)")
	fs.IntVar(&opts.maxVideos, "max-videos", 0, "Maximum number of videos to collect")
	fs.DurationVar(&opts.maxAge, "max-age", 0, "Stop once an upload older than this is seen, e.g. 72h")
	fs.IntVar(&opts.maxDuration, "max-duration", 0, "Skip videos longer than this many seconds")
	fs.StringVar(&opts.dest, "dest", "", "Directory for downloaded mp3 files")
	fs.StringVar(&opts.profile, "profile", "", "Chrome user data directory with a signed-in session")
	fs.StringVar(&opts.sourceFile, "source-file", "", "Read a saved feed page instead of launching a browser")
	fs.StringVar(&opts.saveSource, "save-source", "", "Write the last crawled feed page to this file for -source-file")
	fs.BoolVar(&opts.noDownload, "no-download", false, "List videos without downloading")
	fs.IntVar(&opts.parallel, "parallel", 0, "Maximum parallel downloads (1-10)")
	fs.DurationVar(&opts.interval, "download-interval", 0, "Minimum gap between download starts, 0 disables pacing")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&opts.showBrowser, "show-browser", false, "Run Chrome with a visible window")
	fs.BoolVar(&opts.installDeps, "install-ytdlp", false, "Download a yt-dlp binary before starting")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs, nil
}

// applyFlags copies explicitly passed flags over the environment settings
func applyFlags(fs *flag.FlagSet, opts *options, settings *config.Settings) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-videos":
			settings.SetMaxVideos(opts.maxVideos)
		case "max-age":
			settings.SetMaxAge(opts.maxAge)
		case "max-duration":
			settings.SetMaxDuration(opts.maxDuration)
		case "dest":
			settings.SetDownloadDirectory(opts.dest)
		case "profile":
			settings.SetProfileDir(opts.profile)
		case "parallel":
			settings.SetMaxParallelDownloads(opts.parallel)
		case "download-interval":
			settings.SetDownloadInterval(opts.interval)
		case "metrics-addr":
			settings.SetMetricsAddr(opts.metricsAddr)
		}
	})
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if opts.version {
		fmt.Fprintf(stdout, "%s v%s\n", AppName, version)
		return ExitOK
	}

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		fmt.Fprintf(stderr, "failed to load env file: %v\n", err)
		return ExitUsage
	}
	settings := config.NewSettings(nil)
	applyFlags(fs, opts, settings)

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: settings.GetLogLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting", slog.String("app", AppName), slog.String("version", version))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	if addr := settings.GetMetricsAddr(); addr != "" {
		srv := serveMetrics(addr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.installDeps {
		if _, err := ytdlp.Install(ctx, nil); err != nil {
			logger.Error("install yt-dlp", slog.Any("error", err))
			return ExitFailure
		}
	}

	session, err := openSession(ctx, opts, settings, logger)
	if err != nil {
		logger.Error("open browser session", slog.Any("error", err))
		if errors.Is(err, model.ErrSessionSetupFailed) {
			return ExitSessionSetup
		}
		return ExitFailure
	}
	recorder := browser.NewRecordingSession(session)

	settle := settings.GetSettleInterval()
	if opts.sourceFile != "" {
		// a saved page never grows
		settle = -1
	}
	engine := crawl.NewEngine(crawl.Options{
		FeedURL:        settings.GetFeedURL(),
		SettleInterval: settle,
		StallThreshold: settings.GetStallThreshold(),
		AgeCutoff:      ageCutoff(settings.GetAgeCutoff()),
		Logger:         logger,
		Metrics:        m,
	})
	maxAge := time.Now().Add(-settings.GetMaxAge())
	result, err := engine.Crawl(ctx, recorder, settings.GetMaxVideos(), maxAge)
	printVideos(stdout, result.Videos.Videos())

	if opts.saveSource != "" {
		if err := saveSource(opts.saveSource, recorder.LastSource()); err != nil {
			logger.Error("save feed page", slog.String("path", opts.saveSource), slog.Any("error", err))
			return ExitFailure
		}
		logger.Info("feed page saved", slog.String("path", opts.saveSource))
	}

	if result.StopReason.IsError() {
		if result.Videos.Len() == 0 || result.StopReason == model.StopCanceled {
			return ExitFailure
		}
		logger.Warn("continuing with partial crawl result",
			slog.Int("videos", result.Videos.Len()), slog.Any("error", err))
	}

	if opts.noDownload {
		return ExitOK
	}
	return downloadAll(ctx, result.Videos.Videos(), settings, m, logger, stdout)
}

func openSession(ctx context.Context, opts *options, settings *config.Settings, logger *slog.Logger) (browser.Session, error) {
	if opts.sourceFile != "" {
		data, err := os.ReadFile(opts.sourceFile)
		if err != nil {
			return nil, fmt.Errorf("read source file: %w", err)
		}
		return browser.NewStaticSession(string(data)), nil
	}
	return browser.Launch(ctx, browser.LaunchOptions{
		ProfileDir: settings.GetProfileDir(),
		BrowserBin: settings.GetBrowserBin(),
		ShowWindow: opts.showBrowser,
		Logger:     logger,
	})
}

// saveSource writes a captured feed page so it can be replayed with -source-file
func saveSource(path, source string) error {
	if source == "" {
		return errors.New("no feed page was captured")
	}
	return os.WriteFile(path, []byte(source), 0o644)
}

func ageCutoff(policy string) crawl.AgeCutoff {
	if policy == config.AgeCutoffOldest {
		return crawl.AgeCutoffOldest
	}
	return crawl.AgeCutoffLastRecord
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	return srv
}

func printVideos(w io.Writer, videos []*model.Video) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPUBLISHED\tLENGTH\tCHANNEL\tTITLE\tID")
	for i, v := range videos {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, v.PublishedText, v.FormatDuration(), v.Author, v.DisplayTitle(), v.ID)
	}
	tw.Flush()
}

func downloadAll(ctx context.Context, videos []*model.Video, settings *config.Settings, m *metrics.Metrics, logger *slog.Logger, stdout io.Writer) int {
	dest := settings.GetDownloadDirectory()
	if err := platform.CreateDirectoryIfNotExists(dest); err != nil {
		logger.Error("create download directory", slog.String("dir", dest), slog.Any("error", err))
		return ExitFailure
	}

	fetcher := download.NewYTDLPFetcher(transcode.NewService(transcode.WithLogger(logger)), logger)
	coordinator := download.NewCoordinator(fetcher,
		download.WithMaxParallel(settings.GetMaxParallelDownloads()),
		download.WithItemTimeout(settings.GetItemTimeout()),
		download.WithRateLimit(settings.GetDownloadInterval(), 1),
		download.WithLogger(logger),
		download.WithMetrics(m),
	)
	return runDownloads(ctx, coordinator, videos, dest, settings.GetMaxDuration(), logger, stdout)
}

// runDownloads submits videos to d, reports each settled download on stdout
// and waits until all of them finish or ctx ends
func runDownloads(ctx context.Context, d download.Downloader, videos []*model.Video, dest string, maxDuration int, logger *slog.Logger, stdout io.Writer) int {
	var mu sync.Mutex
	d.SetUpdateCallback(func(v *model.Video) {
		if !v.DownloadState().IsFinished() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if v.DownloadState() == model.DownloadSucceeded {
			fmt.Fprintf(stdout, "downloaded  %s  %s\n", v.ID, v.DownloadPath())
		} else {
			fmt.Fprintf(stdout, "failed      %s  %s\n", v.ID, v.LastError())
		}
	})
	d.SetIdleCallback(func() {
		logger.Info("all videos have been downloaded")
	})

	decisions := make(map[download.Decision]int)
	for _, v := range videos {
		decisions[d.Submit(v, dest, maxDuration)]++
	}
	logger.Info("downloads submitted",
		slog.Int("accepted", decisions[download.Accepted]),
		slog.Int("unknown_duration", decisions[download.SkippedUnknownDuration]),
		slog.Int("too_long", decisions[download.SkippedTooLong]))

	idle := make(chan struct{})
	go func() {
		d.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Warn("download shutdown", slog.Any("error", err))
		}
	case <-ctx.Done():
		logger.Warn("interrupted, aborting downloads", slog.Int("active", d.Active()))
		d.Close()
	}

	failed := 0
	for _, v := range videos {
		if v.DownloadState() == model.DownloadFailed {
			failed++
		}
	}
	if failed > 0 {
		return ExitFailure
	}
	return ExitOK
}
