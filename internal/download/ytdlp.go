package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/ytget/subfeed/internal/model"
	"github.com/ytget/subfeed/internal/platform"
	"github.com/ytget/subfeed/internal/transcode"
)

// yt-dlp settings
const (
	AudioFormat             = "bestaudio"
	SourceSuffix            = ".source"
	DefaultProgressInterval = 5 * time.Second
)

// YTDLPFetcher downloads the best audio stream of a video with yt-dlp and
// transcodes it to <destDir>/<id>.mp3
type YTDLPFetcher struct {
	transcoder       Transcoder
	logger           *slog.Logger
	progressInterval time.Duration
}

// NewYTDLPFetcher creates a fetcher that hands downloads to transcoder
func NewYTDLPFetcher(transcoder Transcoder, logger *slog.Logger) *YTDLPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLPFetcher{
		transcoder:       transcoder,
		logger:           logger,
		progressInterval: DefaultProgressInterval,
	}
}

// Fetch downloads and transcodes video, returning the mp3 path
func (f *YTDLPFetcher) Fetch(ctx context.Context, video *model.Video, destDir string) (string, error) {
	if err := platform.CreateDirectoryIfNotExists(destDir); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}

	stem := video.ID + SourceSuffix
	dl := ytdlp.New().
		Format(AudioFormat).
		NoPlaylist().
		ForceOverwrites().
		Output(filepath.Join(destDir, stem+".%(ext)s"))

	dl.ProgressFunc(f.progressInterval, func(update ytdlp.ProgressUpdate) {
		f.logProgress(video, &update)
	})

	result, err := dl.Run(ctx, video.URL())
	if err != nil {
		return "", fmt.Errorf("yt-dlp %s: %w", video.ID, err)
	}

	source := extractedFilename(result)
	if source == "" {
		source, err = platform.FindDownloadedFile(destDir, stem)
		if err != nil {
			return "", err
		}
	}
	return f.finish(ctx, video, destDir, source)
}

// finish transcodes the downloaded source and removes it
func (f *YTDLPFetcher) finish(ctx context.Context, video *model.Video, destDir, source string) (string, error) {
	output := transcode.OutputPath(destDir, video.ID)
	if err := f.transcoder.ToMP3(ctx, source, output); err != nil {
		return "", fmt.Errorf("transcode %s: %w", video.ID, err)
	}
	if err := os.Remove(source); err != nil {
		f.logger.Warn("remove source file", slog.String("path", source), slog.Any("error", err))
	}
	return output, nil
}

// logProgress reports yt-dlp progress at debug level
func (f *YTDLPFetcher) logProgress(video *model.Video, update *ytdlp.ProgressUpdate) {
	attrs := []any{slog.String("video_id", video.ID)}
	if update.TotalBytes > 0 {
		percent := float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100
		attrs = append(attrs, slog.Int("percent", int(percent)))
	}
	if eta := update.ETA(); eta > 0 {
		attrs = append(attrs, slog.Duration("eta", eta))
	}
	f.logger.Debug("download progress", attrs...)
}

// extractedFilename returns the file yt-dlp reported writing, if any
func extractedFilename(result *ytdlp.Result) string {
	if result == nil {
		return ""
	}
	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 || info[0].Filename == nil {
		return ""
	}
	return *info[0].Filename
}
