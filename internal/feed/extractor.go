package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/ytget/subfeed/internal/model"
)

// Seed data markers
const (
	SeedVariable = "ytInitialData"
	GridKey      = "gridRenderer"
	GridVideoKey = "gridVideoRenderer"
)

// Field paths inside one grid video node. Alternatives are tried in order;
// live, premiere and short tiles do not share one schema.
var (
	idPaths              = []string{"videoId"}
	titlePaths           = []string{"title.runs.0.text", "title.simpleText", "title.accessibility.accessibilityData.label"}
	authorPaths          = []string{"shortBylineText.runs.0.text", "longBylineText.runs.0.text"}
	authorIDPaths        = []string{"shortBylineText.runs.0.navigationEndpoint.browseEndpoint.browseId", "longBylineText.runs.0.navigationEndpoint.browseEndpoint.browseId"}
	authorThumbnailPaths = []string{"channelThumbnail.thumbnails.0.url"}
	thumbnailPaths       = []string{"thumbnail.thumbnails.0.url"}
	publishedPaths       = []string{"publishedTimeText.simpleText", "publishedTimeText.runs.0.text"}
	durationPaths        = []string{"thumbnailOverlays.#.thumbnailOverlayTimeStatusRenderer.text.simpleText", "lengthText.simpleText"}
)

// seedAssignPattern matches both `var ytInitialData = ` and
// `window["ytInitialData"] = `
var seedAssignPattern = regexp.MustCompile(SeedVariable + `"?\]?\s*=\s*`)

var errMarkerAbsent = fmt.Errorf("%w: marker %s absent", model.ErrFeedDataNotFound, SeedVariable)

// Record holds the raw attributes of one grid video tile. Missing fields are
// empty strings.
type Record struct {
	ID              string
	Title           string
	Author          string
	AuthorID        string
	AuthorThumbnail string
	Thumbnail       string
	Published       string // relative time text, e.g. "3 days ago"
	Duration        string // overlay text, e.g. "12:34"
}

// Merge fills empty fields of r from other
func (r *Record) Merge(other Record) {
	fill(&r.Title, other.Title)
	fill(&r.Author, other.Author)
	fill(&r.AuthorID, other.AuthorID)
	fill(&r.AuthorThumbnail, other.AuthorThumbnail)
	fill(&r.Thumbnail, other.Thumbnail)
	fill(&r.Published, other.Published)
	fill(&r.Duration, other.Duration)
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

// Extract parses one page-source snapshot into records. It fails with
// model.ErrFeedDataNotFound when the seed data is absent or is not valid
// JSON. Records are not deduplicated.
func Extract(pageSource string) ([]Record, error) {
	blob, err := locateSeed(pageSource)
	if err != nil {
		return nil, err
	}

	var records []Record
	walk(gjson.ParseBytes(blob), false, func(node gjson.Result) {
		records = append(records, recordFrom(node))
	})
	return records, nil
}

// locateSeed returns the JSON document assigned to the seed variable
func locateSeed(source string) ([]byte, error) {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		// saved seed dump rather than a page
		return []byte(trimmed), nil
	}

	lastErr := errMarkerAbsent
	for _, text := range append(seedScripts(source), source) {
		blob, err := decodeAfterMarker(text)
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, errMarkerAbsent) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// seedScripts returns the bodies of <script> elements mentioning the seed
// variable
func seedScripts(source string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil
	}

	var scripts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if text := s.Text(); strings.Contains(text, SeedVariable) {
			scripts = append(scripts, text)
		}
	})
	return scripts
}

// decodeAfterMarker decodes the first complete JSON object following an
// assignment to the seed variable
func decodeAfterMarker(text string) ([]byte, error) {
	locs := seedAssignPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil, errMarkerAbsent
	}

	var lastErr error
	for _, loc := range locs {
		var raw json.RawMessage
		dec := json.NewDecoder(strings.NewReader(text[loc[1]:]))
		if err := dec.Decode(&raw); err != nil {
			lastErr = err
			continue
		}
		if len(raw) == 0 || raw[0] != '{' {
			lastErr = errors.New("assigned value is not an object")
			continue
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %s does not parse: %v", model.ErrFeedDataNotFound, SeedVariable, lastErr)
}

// walk visits, in document order, every grid video node below a grid
// renderer. Matched nodes are not descended into.
func walk(node gjson.Result, inGrid bool, emit func(gjson.Result)) {
	switch {
	case node.IsObject():
		node.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if inGrid && k == GridVideoKey && value.IsObject() {
				emit(value)
				return true
			}
			walk(value, inGrid || k == GridKey, emit)
			return true
		})
	case node.IsArray():
		node.ForEach(func(_, value gjson.Result) bool {
			walk(value, inGrid, emit)
			return true
		})
	}
}

func recordFrom(node gjson.Result) Record {
	return Record{
		ID:              firstString(node, idPaths),
		Title:           firstString(node, titlePaths),
		Author:          firstString(node, authorPaths),
		AuthorID:        firstString(node, authorIDPaths),
		AuthorThumbnail: firstString(node, authorThumbnailPaths),
		Thumbnail:       firstString(node, thumbnailPaths),
		Published:       firstString(node, publishedPaths),
		Duration:        firstString(node, durationPaths),
	}
}

// firstString returns the first non-empty string matched by paths. Queries
// with '#' yield arrays; their first non-empty string element is used.
func firstString(node gjson.Result, paths []string) string {
	for _, path := range paths {
		result := node.Get(path)
		if result.IsArray() {
			for _, item := range result.Array() {
				if item.Type == gjson.String && item.Str != "" {
					return item.Str
				}
			}
			continue
		}
		if result.Type == gjson.String && result.Str != "" {
			return result.Str
		}
	}
	return ""
}
