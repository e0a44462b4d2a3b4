package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/emby/", Token: "tok", UserID: "u1"})
}

func TestClient_URL(t *testing.T) {
	c := New(Config{BaseURL: "http://emby:8096/emby/"})
	assert.Equal(t, "http://emby:8096/emby/videos/1/main.m3u8", c.URL("/videos/1/main.m3u8"))
	assert.Equal(t, "http://emby:8096/emby/videos/1/main.m3u8", c.URL("videos/1/main.m3u8"))
	assert.Equal(t, "https://cdn/x.ts", c.URL("https://cdn/x.ts"))
}

func TestRequestPlaybackInfo(t *testing.T) {
	var got playbackInfoBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/emby/Items/item-1/PlaybackInfo", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Emby-Token"))
		assert.Equal(t, "u1", r.URL.Query().Get("UserId"))
		assert.Equal(t, "2", r.URL.Query().Get("AudioStreamIndex"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"PlaySessionId":"ps-1","MediaSources":[{"Id":"ms-1","TranscodingUrl":"/videos/item-1/master.m3u8?DeviceId=dev"}]}`)
	})

	audio := 2
	info, err := c.RequestPlaybackInfo(context.Background(), PlaybackInfoRequest{
		ItemID:           "item-1",
		Profile:          NewDeviceProfile(3000000, 1280, 720),
		PlaySessionID:    "gen-1",
		AudioStreamIndex: &audio,
	})
	require.NoError(t, err)
	assert.Equal(t, "ps-1", info.PlaySessionID)
	require.Len(t, info.MediaSources, 1)
	assert.Equal(t, "/videos/item-1/master.m3u8?DeviceId=dev", info.MediaSources[0].TranscodingURL)

	assert.Equal(t, "gen-1", got.PlaySessionID)
	assert.Equal(t, 3000000, got.DeviceProfile.MaxStreamingBitrate)
	require.Len(t, got.DeviceProfile.CodecProfiles, 1)
	assert.Equal(t, "1280", got.DeviceProfile.CodecProfiles[0].Conditions[0].Value)
	assert.Equal(t, "720", got.DeviceProfile.CodecProfiles[0].Conditions[1].Value)
}

func TestClient_non2xx_is_unavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	_, err := c.GetItem(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "Service Unavailable", se.StatusText())
}

func TestClient_network_failure_is_unavailable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.FetchManifest(context.Background(), "/videos/1/main.m3u8")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchManifest_brotli(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = io.WriteString(bw, "#EXTM3U\n#EXT-X-VERSION:3\n")
		_ = bw.Close()
	})

	text, err := c.FetchManifest(context.Background(), "/videos/1/main.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n", text)
}

func TestGetItem_keeps_raw_document(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emby/Users/u1/Items/i9", r.URL.Path)
		_, _ = io.WriteString(w, `{"Id":"i9","Name":"Film","RunTimeTicks":600000000,"Overview":"text",
			"MediaStreams":[{"Type":"Video","Width":1920,"Height":1080}]}`)
	})

	item, err := c.GetItem(context.Background(), "i9")
	require.NoError(t, err)
	assert.Equal(t, "Film", item.Name)
	assert.Equal(t, "text", item.Raw["Overview"])
	w, h := item.SourceDimensions()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestFetchSegment_returns_non2xx_response(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	resp, err := c.FetchSegment(context.Background(), "/videos/1/hls1/main/0.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTranscode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/emby/Videos/ActiveEncodings", r.URL.Path)
		assert.Equal(t, "dev", r.URL.Query().Get("DeviceId"))
		assert.Equal(t, "ps", r.URL.Query().Get("PlaySessionId"))
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, c.CancelTranscode(context.Background(), "dev", "ps"))
}

func TestReportPlaybackEvent_paths(t *testing.T) {
	tests := []struct {
		kind      EventKind
		path      string
		eventName string
		paused    bool
	}{
		{EventPlay, "/emby/Sessions/Playing", "", false},
		{EventPause, "/emby/Sessions/Playing/Progress", "pause", true},
		{EventTimeUpdate, "/emby/Sessions/Playing/Progress", "timeupdate", false},
		{EventStop, "/emby/Sessions/Playing/Stopped", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.path, r.URL.Path)
				var body playbackEventBody
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "ps", body.PlaySessionID)
				assert.Equal(t, tt.eventName, body.EventName)
				assert.Equal(t, tt.paused, body.IsPaused)
				assert.EqualValues(t, 42, body.PositionTicks)
				w.WriteHeader(http.StatusNoContent)
			})
			err := c.ReportPlaybackEvent(context.Background(), PlaybackEvent{
				Kind: tt.kind, ItemID: "i", PlaySessionID: "ps", PositionTicks: 42,
			})
			assert.NoError(t, err)
		})
	}
}

func TestParseEventKind(t *testing.T) {
	k, ok := ParseEventKind("timeupdate")
	assert.True(t, ok)
	assert.Equal(t, EventTimeUpdate, k)

	_, ok = ParseEventKind("seek")
	assert.False(t, ok)
}
