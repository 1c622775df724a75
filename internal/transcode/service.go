// Package transcode converts downloaded audio to mp3 with ffmpeg.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpeg constants for mp3 output
const (
	// Audio codec settings
	AudioCodec   = "libmp3lame"
	AudioBitrate = "128k"

	// Executable and I/O constants
	FFmpegCommand       = "ffmpeg"
	FFprobeCommand      = "ffprobe"
	FFprobeLogLevel     = "error"
	FFprobeShowEntries  = "format=duration"
	FFprobeOutputFormat = "csv=p=0"
	ProgressPipeTarget  = "pipe:2"
	ProgressTimePrefix  = "out_time_us="
	OutputExtensionMP3  = ".mp3"

	// stderrTailLines is how much ffmpeg diagnostics an error carries
	stderrTailLines = 8
)

// ErrInputNotFound is returned when the source file does not exist
var ErrInputNotFound = errors.New("input file does not exist")

// Option configures a Service
type Option func(*Service)

// WithFFmpegPath overrides the ffmpeg executable
func WithFFmpegPath(path string) Option {
	return func(s *Service) { s.ffmpegPath = path }
}

// WithFFprobePath overrides the ffprobe executable
func WithFFprobePath(path string) Option {
	return func(s *Service) { s.ffprobePath = path }
}

// WithLogger sets the logger used for progress output
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service handles audio transcoding
type Service struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewService creates a new transcoding service
func NewService(opts ...Option) *Service {
	s := &Service{
		ffmpegPath:  FFmpegCommand,
		ffprobePath: FFprobeCommand,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ToMP3 transcodes inputPath to an mp3 at outputPath. A partial output file
// is removed on failure.
func (s *Service) ToMP3(ctx context.Context, inputPath, outputPath string) error {
	if _, err := os.Stat(inputPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrInputNotFound, inputPath)
		}
		return fmt.Errorf("stat input: %w", err)
	}

	// progress is best effort; a missing ffprobe only disables it
	duration, err := s.ProbeDuration(ctx, inputPath)
	if err != nil {
		s.logger.Debug("probe duration", slog.String("path", inputPath), slog.Any("error", err))
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath, s.BuildFFmpegArgs(inputPath, outputPath)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// stderr must be drained before Wait
	tail := s.monitorProgress(stderr, filepath.Base(outputPath), duration)
	if err := cmd.Wait(); err != nil {
		os.Remove(outputPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		if len(tail) > 0 {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.Join(tail, "; "))
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// BuildFFmpegArgs builds the ffmpeg command arguments
func (s *Service) BuildFFmpegArgs(inputPath, outputPath string) []string {
	return []string{
		"-y",            // Overwrite output file
		"-i", inputPath, // Input file
		"-vn",              // Drop any video stream
		"-c:a", AudioCodec, // Audio codec
		"-b:a", AudioBitrate, // Audio bitrate
		"-progress", ProgressPipeTarget, // Progress to stderr
		"-nostats", // No stats output
		outputPath, // Output file
	}
}

// ProbeDuration returns the media duration of filePath in seconds using
// ffprobe
func (s *Service) ProbeDuration(ctx context.Context, filePath string) (float64, error) {
	cmd := exec.CommandContext(ctx, s.ffprobePath, "-v", FFprobeLogLevel, "-show_entries", FFprobeShowEntries, "-of", FFprobeOutputFormat, filePath)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to run ffprobe: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return duration, nil
}

// monitorProgress consumes ffmpeg stderr, logging progress and returning the
// last diagnostic lines
func (s *Service) monitorProgress(stderr io.Reader, name string, totalDuration float64) []string {
	scanner := bufio.NewScanner(stderr)
	var tail []string
	lastPercent := -1

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Parse progress line: out_time_us=123456
		if strings.HasPrefix(line, ProgressTimePrefix) {
			percent, ok := progressPercent(strings.TrimPrefix(line, ProgressTimePrefix), totalDuration)
			if ok && percent/10 != lastPercent/10 {
				lastPercent = percent
				s.logger.Debug("transcode progress", slog.String("file", name), slog.Int("percent", percent))
			}
			continue
		}
		if isProgressField(line) {
			continue
		}

		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	return tail
}

func progressPercent(micros string, totalDuration float64) (int, bool) {
	if totalDuration <= 0 {
		return 0, false
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return 0, false
	}
	progress := float64(us) / 1e6 / totalDuration
	return int(min(progress, 1.0) * 100), true
}

// isProgressField reports whether line is a key=value line of -progress output
func isProgressField(line string) bool {
	key, _, found := strings.Cut(line, "=")
	if !found || key == "" {
		return false
	}
	for _, r := range key {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// OutputPath returns the mp3 path for a video id inside dir
func OutputPath(dir, videoID string) string {
	return filepath.Join(dir, videoID+OutputExtensionMP3)
}
