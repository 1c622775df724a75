// Package model defines domain data structures shared by the crawler and the
// download pipeline: feed videos, their download states, crawl stop reasons,
// and the error kinds surfaced to callers.
package model
