// Package download runs the bounded download pipeline for discovered feed
// videos. A Coordinator queues submitted videos and hands each to exactly one
// worker; the worker drives a Fetcher (yt-dlp via
// github.com/lrstanley/go-ytdlp, then ffmpeg) and settles the video's
// download state to Succeeded or Failed.
package download
