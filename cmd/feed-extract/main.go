// Command feed-extract prints the video records embedded in a saved
// subscription feed page, one JSON object per line. It reads the file named
// by its argument, or stdin.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ytget/subfeed/internal/feed"
	"github.com/ytget/subfeed/internal/platform"
)

type line struct {
	feed.Record
	UploadedAt      time.Time `json:"UploadedAt"`
	DurationSeconds int       `json:"DurationSeconds"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "feed-extract: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer, now time.Time) error {
	in := stdin
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	source, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read page source: %w", err)
	}

	records, err := feed.Extract(string(source))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	for _, rec := range records {
		out := line{
			Record:          rec,
			UploadedAt:      platform.ResolveRelativeTime(rec.Published, now),
			DurationSeconds: platform.ParseDuration(rec.Duration),
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}
