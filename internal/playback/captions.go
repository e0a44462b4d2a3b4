package playback

import (
	"cmp"
	"net/url"
	"slices"
	"strconv"

	"monobar/internal/upstream"
)

// Subtitle is a sidecar caption track offered to the player.
type Subtitle struct {
	Default bool   `json:"default,omitempty"`
	URL     string `json:"url"`
	HTML    string `json:"html"`
	Name    string `json:"name"`
	Format  string `json:"format"`
	Index   int    `json:"index"`
}

// Chapter is a chapter marker as a [Start, End) interval in whole seconds.
type Chapter struct {
	Title string `json:"title"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// defaultChapterSeconds is the length given to a final chapter when the
// item's duration is unknown.
const defaultChapterSeconds = 10

// BuildSubtitles lists the text subtitle streams of the item's first media
// source as sidecar URLs. Image-based subtitles are skipped.
func BuildSubtitles(baseURL string, item *upstream.Item) []Subtitle {
	out := []Subtitle{}
	if item == nil || len(item.MediaSources) == 0 {
		return out
	}

	source := item.MediaSources[0]
	for _, s := range source.MediaStreams {
		if !s.IsTextSubtitleStream {
			continue
		}
		q := url.Values{}
		q.Set("subIndex", strconv.Itoa(s.Index))
		q.Set("itemId", item.ID)
		q.Set("mediaSourceId", source.ID)
		q.Set("format", "vtt")

		out = append(out, Subtitle{
			Default: s.Index == 0,
			URL:     baseURL + "/watch/subtitle?" + q.Encode(),
			HTML:    s.DisplayTitle,
			Name:    s.DisplayTitle,
			Format:  "vtt",
			Index:   s.Index,
		})
	}
	return out
}

// BuildChapters converts tick-based chapter markers to second intervals.
// Each chapter ends where the next begins; the last ends at the item's
// runtime, or defaultChapterSeconds after its start when that is unknown.
func BuildChapters(chapters []upstream.Chapter, runTimeTicks int64) []Chapter {
	sorted := slices.Clone(chapters)
	slices.SortStableFunc(sorted, func(a, b upstream.Chapter) int {
		return cmp.Compare(a.StartPositionTicks, b.StartPositionTicks)
	})

	out := make([]Chapter, 0, len(sorted))
	for i, c := range sorted {
		start := c.StartPositionTicks / upstream.TicksPerSecond
		var end int64
		switch {
		case i+1 < len(sorted):
			end = sorted[i+1].StartPositionTicks / upstream.TicksPerSecond
		case runTimeTicks > 0:
			end = runTimeTicks / upstream.TicksPerSecond
		default:
			end = start + defaultChapterSeconds
		}
		out = append(out, Chapter{Title: c.Name, Start: start, End: end})
	}
	return out
}
