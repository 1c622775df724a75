package model

import (
	"fmt"
	"sync"
	"time"
)

// YouTubeVideoURLTemplate builds a watch URL from a video id
const YouTubeVideoURLTemplate = "https://www.youtube.com/watch?v=%s"

// Video is one discovered feed entry. Data fields are written by the crawl
// only; the download state is guarded and may be read from any goroutine.
type Video struct {
	ID                 string
	Title              string
	Author             string
	AuthorID           string
	ThumbnailURL       string
	AuthorThumbnailURL string
	PublishedText      string    // relative time as rendered by the feed, e.g. "3 days ago"
	UploadedAt         time.Time // resolved from PublishedText
	DurationSeconds    int       // 0 when the feed shows no duration (premieres, live)

	mu        sync.RWMutex
	state     DownloadState
	path      string
	lastError string
}

// NewVideo creates a video that has not been downloaded yet
func NewVideo(id string) *Video {
	return &Video{ID: id, state: DownloadNotStarted}
}

// URL returns the watch page of the video
func (v *Video) URL() string {
	return fmt.Sprintf(YouTubeVideoURLTemplate, v.ID)
}

// DownloadState returns the current download state
func (v *Video) DownloadState() DownloadState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state == "" {
		return DownloadNotStarted
	}
	return v.state
}

// DownloadPath returns the audio file location, empty until a download succeeds
func (v *Video) DownloadPath() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.path
}

// LastError returns the message of the last failed attempt
func (v *Video) LastError() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastError
}

// TryStart moves the video to InProgress. It returns false if another worker
// already owns it.
func (v *Video) TryStart() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == DownloadInProgress {
		return false
	}
	v.state = DownloadInProgress
	v.lastError = ""
	return true
}

// MarkSucceeded records a finished download
func (v *Video) MarkSucceeded(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = DownloadSucceeded
	v.path = path
	v.lastError = ""
}

// MarkFailed records a failed download. The path of an earlier success is kept.
func (v *Video) MarkFailed(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = DownloadFailed
	if err != nil {
		v.lastError = err.Error()
	}
}

// Merge fills empty fields of v from other. Non-empty fields are never
// overwritten.
func (v *Video) Merge(other *Video) {
	if other == nil || other.ID != v.ID {
		return
	}
	fill(&v.Title, other.Title)
	fill(&v.Author, other.Author)
	fill(&v.AuthorID, other.AuthorID)
	fill(&v.ThumbnailURL, other.ThumbnailURL)
	fill(&v.AuthorThumbnailURL, other.AuthorThumbnailURL)
	if v.PublishedText == "" && other.PublishedText != "" {
		v.PublishedText = other.PublishedText
		v.UploadedAt = other.UploadedAt
	}
	if v.UploadedAt.IsZero() {
		v.UploadedAt = other.UploadedAt
	}
	if v.DurationSeconds == 0 {
		v.DurationSeconds = other.DurationSeconds
	}
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

// DisplayTitle returns the title, or the id when the feed had none
func (v *Video) DisplayTitle() string {
	if v.Title != "" {
		return v.Title
	}
	return v.ID
}

// FormatDuration returns the duration as mm:ss or hh:mm:ss, or "--:--" if unknown
func (v *Video) FormatDuration() string {
	if v.DurationSeconds <= 0 {
		return "--:--"
	}

	hours := v.DurationSeconds / 3600
	minutes := (v.DurationSeconds % 3600) / 60
	seconds := v.DurationSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// VideoSet is an insertion-ordered collection of videos keyed by id.
// It is not safe for concurrent mutation.
type VideoSet struct {
	order []string
	byID  map[string]*Video
}

// NewVideoSet creates an empty set
func NewVideoSet() *VideoSet {
	return &VideoSet{byID: make(map[string]*Video)}
}

// Add inserts v unless its id is already present. It returns true when v was
// inserted.
func (s *VideoSet) Add(v *Video) bool {
	if v == nil || v.ID == "" {
		return false
	}
	if _, exists := s.byID[v.ID]; exists {
		return false
	}
	s.byID[v.ID] = v
	s.order = append(s.order, v.ID)
	return true
}

// Get returns the video with the given id
func (s *VideoSet) Get(id string) (*Video, bool) {
	v, ok := s.byID[id]
	return v, ok
}

// Len returns the number of videos
func (s *VideoSet) Len() int {
	return len(s.order)
}

// IDs returns the ids in first-seen order
func (s *VideoSet) IDs() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Videos returns the videos in first-seen order. The slice is new; the
// videos are shared.
func (s *VideoSet) Videos() []*Video {
	videos := make([]*Video, 0, len(s.order))
	for _, id := range s.order {
		videos = append(videos, s.byID[id])
	}
	return videos
}

// Oldest returns the video with the earliest UploadedAt, or nil if empty
func (s *VideoSet) Oldest() *Video {
	var oldest *Video
	for _, id := range s.order {
		v := s.byID[id]
		if oldest == nil || v.UploadedAt.Before(oldest.UploadedAt) {
			oldest = v
		}
	}
	return oldest
}
