// Package platform contains OS integration and text-parsing glue shared by
// the crawler and the download pipeline: filesystem helpers, default browser
// profile locations, feed duration text and relative upload times.
package platform
