// Package browser provides the page sessions the crawler drives: a headless
// Chrome session bound to an existing user profile, and a static session
// that replays captured page sources.
package browser
