package model

import "errors"

var (
	// ErrFeedDataNotFound is returned when a page source carries no parseable
	// feed seed data. An authentication wall looks the same as a changed page.
	ErrFeedDataNotFound = errors.New("feed data not found in page source")

	// ErrSourceError wraps any failure that ends a crawl attempt
	ErrSourceError = errors.New("feed source error")

	// ErrSessionSetupFailed is returned when the browser session cannot start
	ErrSessionSetupFailed = errors.New("browser session setup failed")

	// ErrCoordinatorClosed settles videos still queued when the download
	// coordinator shuts down
	ErrCoordinatorClosed = errors.New("download coordinator closed")
)
