package download

import (
	"context"

	"github.com/ytget/subfeed/internal/model"
)

// Fetcher retrieves the audio of one video into destDir and returns the path
// of the final file. Fetch must return once ctx ends; a fetch that keeps
// running is abandoned, holds no worker slot, and blocks resubmission of its
// video until it returns.
type Fetcher interface {
	Fetch(ctx context.Context, video *model.Video, destDir string) (string, error)
}

// Transcoder converts a downloaded source file to mp3.
type Transcoder interface {
	ToMP3(ctx context.Context, inputPath, outputPath string) error
}

// Downloader defines the interface for the download coordinator.
type Downloader interface {
	SetUpdateCallback(func(*model.Video))
	SetIdleCallback(func())
	Submit(video *model.Video, destDir string, maxDurationSeconds int) Decision
	Pending() int
	Active() int
	Wait()
	Shutdown(ctx context.Context) error
	Close() error
}
