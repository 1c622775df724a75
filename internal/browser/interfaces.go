package browser

import "context"

// Session is a single, exclusively owned browser tab
type Session interface {
	Navigate(ctx context.Context, url string) error
	CurrentSource(ctx context.Context) (string, error)
	ScrollToBottom(ctx context.Context) error
	Close() error
}
