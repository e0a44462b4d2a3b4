package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"monobar/internal/upstream"
)

type cancelCall struct {
	DeviceID      string
	PlaySessionID string
}

// fakeUpstream is an in-process stand-in for the media server.
type fakeUpstream struct {
	mu sync.Mutex

	item    *upstream.Item
	itemErr error
	similar []map[string]any

	// playbackInfo overrides the default negotiation answer.
	playbackInfo func(req upstream.PlaybackInfoRequest) (*upstream.PlaybackInfo, error)
	manifest     func(ref string) (string, error)
	segment      func(ref string) (*http.Response, error)
	cancelErr    func(playSessionID string) error

	negotiations int
	infoCalls    []upstream.PlaybackInfoRequest
	manifestRefs []string
	segmentRefs  []string
	cancels      []cancelCall
	events       []upstream.PlaybackEvent
}

func newFakeUpstream(width, height int) *fakeUpstream {
	return &fakeUpstream{
		item: &upstream.Item{
			ID:     "item1",
			Name:   "Movie",
			Width:  width,
			Height: height,
			Raw:    map[string]any{"Id": "item1", "Name": "Movie"},
		},
	}
}

func (f *fakeUpstream) RequestPlaybackInfo(_ context.Context, req upstream.PlaybackInfoRequest) (*upstream.PlaybackInfo, error) {
	f.mu.Lock()
	f.infoCalls = append(f.infoCalls, req)
	f.negotiations++
	n := f.negotiations
	hook := f.playbackInfo
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	id := fmt.Sprintf("up-%d-%d", req.Profile.MaxStreamingBitrate, n)
	q := url.Values{}
	q.Set("DeviceId", "dev-1")
	q.Set("MediaSourceId", "ms1")
	q.Set("PlaySessionId", id)
	q.Set("VideoCodec", "h264")
	q.Set("api_key", "secret")
	return &upstream.PlaybackInfo{
		MediaSources: []upstream.MediaSource{{
			ID:             "ms1",
			TranscodingURL: "/videos/" + req.ItemID + "/master.m3u8?" + q.Encode(),
		}},
	}, nil
}

func (f *fakeUpstream) FetchManifest(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	f.manifestRefs = append(f.manifestRefs, ref)
	hook := f.manifest
	f.mu.Unlock()

	if hook != nil {
		return hook(ref)
	}
	return "", &upstream.StatusError{Op: "fetch manifest", StatusCode: http.StatusNotFound, Status: "404 Not Found"}
}

func (f *fakeUpstream) FetchSegment(ctx context.Context, ref string) (*http.Response, error) {
	f.mu.Lock()
	f.segmentRefs = append(f.segmentRefs, ref)
	hook := f.segment
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(ref)
	}
	return segmentResponse(http.StatusNotFound, ""), nil
}

func (f *fakeUpstream) CancelTranscode(_ context.Context, deviceID, playSessionID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, cancelCall{DeviceID: deviceID, PlaySessionID: playSessionID})
	hook := f.cancelErr
	f.mu.Unlock()

	if hook != nil {
		return hook(playSessionID)
	}
	return nil
}

func (f *fakeUpstream) GetItem(_ context.Context, itemID string) (*upstream.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.itemErr != nil {
		return nil, f.itemErr
	}
	return f.item, nil
}

func (f *fakeUpstream) GetSimilar(_ context.Context, itemID string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.similar, nil
}

func (f *fakeUpstream) FetchSubtitle(_ context.Context, itemID, mediaSourceID string, index int, format string) (string, error) {
	return fmt.Sprintf("WEBVTT\n\nNOTE %s/%s/%d.%s\n", itemID, mediaSourceID, index, format), nil
}

func (f *fakeUpstream) ReportPlaybackEvent(_ context.Context, ev upstream.PlaybackEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeUpstream) cancelled() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancelCall(nil), f.cancels...)
}

func (f *fakeUpstream) segmentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segmentRefs)
}

func segmentResponse(status int, body string) *http.Response {
	h := make(http.Header)
	if status == http.StatusOK {
		h.Set("Content-Type", "video/mp2t")
		h.Set("Content-Length", fmt.Sprint(len(body)))
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedClock is a settable time source.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
