// Package feedtest builds subscription feed page fixtures shaped like the
// seed data the real page embeds.
package feedtest

import (
	"encoding/json"
	"fmt"
)

// ShelfSize is the number of tiles rendered per shelf in fixtures
const ShelfSize = 2

// Video describes one grid tile. Empty fields are left out of the node.
type Video struct {
	ID              string
	Title           string
	SimpleTitle     bool // render the title as simpleText instead of runs
	Author          string
	AuthorID        string
	AuthorThumbnail string
	Thumbnail       string
	Published       string
	Duration        string
}

// Numbered returns n videos with ids prefix0..prefixN-1, each published one
// hour after the next so the list is newest-first
func Numbered(prefix string, start, n int) []Video {
	videos := make([]Video, 0, n)
	for i := start; i < start+n; i++ {
		videos = append(videos, Video{
			ID:        fmt.Sprintf("%s%d", prefix, i),
			Title:     fmt.Sprintf("Video %d", i),
			Author:    "Channel",
			AuthorID:  "UC123",
			Published: fmt.Sprintf("%d hours ago", i+1),
			Duration:  "4:13",
		})
	}
	return videos
}

// Node renders the gridVideoRenderer body of v
func Node(v Video) map[string]any {
	node := map[string]any{}
	if v.ID != "" {
		node["videoId"] = v.ID
	}
	if v.Title != "" {
		if v.SimpleTitle {
			node["title"] = map[string]any{"simpleText": v.Title}
		} else {
			node["title"] = map[string]any{"runs": []any{map[string]any{"text": v.Title}}}
		}
	}
	if v.Author != "" {
		run := map[string]any{"text": v.Author}
		if v.AuthorID != "" {
			run["navigationEndpoint"] = map[string]any{
				"browseEndpoint": map[string]any{"browseId": v.AuthorID},
			}
		}
		node["shortBylineText"] = map[string]any{"runs": []any{run}}
	}
	if v.AuthorThumbnail != "" {
		node["channelThumbnail"] = thumbnails(v.AuthorThumbnail)
	}
	if v.Thumbnail != "" {
		node["thumbnail"] = thumbnails(v.Thumbnail)
	}
	if v.Published != "" {
		node["publishedTimeText"] = map[string]any{"simpleText": v.Published}
	}
	overlays := []any{map[string]any{"thumbnailOverlayNowPlayingRenderer": map[string]any{}}}
	if v.Duration != "" {
		overlays = append([]any{map[string]any{
			"thumbnailOverlayTimeStatusRenderer": map[string]any{
				"text":  map[string]any{"simpleText": v.Duration},
				"style": "DEFAULT",
			},
		}}, overlays...)
	}
	node["thumbnailOverlays"] = overlays
	return node
}

func thumbnails(url string) map[string]any {
	return map[string]any{"thumbnails": []any{
		map[string]any{"url": url, "width": 168},
		map[string]any{"url": url + "?hq", "width": 336},
	}}
}

// Data builds the seed document: videos are grouped into shelves nested
// several levels deep, the way the feed renders one shelf per day
func Data(videos ...Video) map[string]any {
	var sections []any
	for i := 0; i < len(videos); i += ShelfSize {
		end := min(i+ShelfSize, len(videos))
		var items []any
		for _, v := range videos[i:end] {
			items = append(items, map[string]any{"gridVideoRenderer": Node(v)})
		}
		sections = append(sections, map[string]any{
			"itemSectionRenderer": map[string]any{
				"contents": []any{map[string]any{
					"shelfRenderer": map[string]any{
						"title":   map[string]any{"runs": []any{map[string]any{"text": "Today"}}},
						"content": map[string]any{"gridRenderer": map[string]any{"items": items}},
					},
				}},
			},
		})
	}
	sections = append(sections, map[string]any{
		"continuationItemRenderer": map[string]any{"trigger": "CONTINUATION_TRIGGER_ON_ITEM_SHOWN"},
	})

	return map[string]any{
		"responseContext": map[string]any{"visitorData": "Cgt2aXNpdG9y"},
		"contents": map[string]any{
			"twoColumnBrowseResultsRenderer": map[string]any{
				"tabs": []any{map[string]any{
					"tabRenderer": map[string]any{
						"selected": true,
						"content": map[string]any{
							"sectionListRenderer": map[string]any{"contents": sections},
						},
					},
				}},
			},
		},
	}
}

// JSON returns the seed document as a string
func JSON(videos ...Video) string {
	b, err := json.Marshal(Data(videos...))
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Page returns an HTML page carrying the seed document the way the live feed
// does
func Page(videos ...Video) string {
	return WrapPage(`var ytInitialData = ` + JSON(videos...) + `;`)
}

// WrapPage embeds a script body in a minimal feed page
func WrapPage(script string) string {
	return `<!DOCTYPE html><html><head><title>Subscriptions - YouTube</title>` +
		`<script nonce="n1">var ytcfg = {"INNERTUBE_CONTEXT_CLIENT_NAME": 1};</script>` +
		`</head><body><ytd-app></ytd-app>` +
		`<script nonce="n2">` + script + `</script>` +
		`<script nonce="n3">if (window.ytcsi) { window.ytcsi.tick("pdr", null, ""); }</script>` +
		`</body></html>`
}
