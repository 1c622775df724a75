// Package crawl harvests the subscription feed: it navigates once, then
// repeatedly extracts, accumulates and scrolls until the requested number of
// videos is collected, an old enough upload is seen, or the page stops
// growing.
package crawl
