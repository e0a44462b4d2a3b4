package playback

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMasterPlaylist(t *testing.T) {
	variants := []Variant{
		{Rendition: renditionTable[0], Bandwidth: 950000, URL: "http://proxy/watch/main/playlist?id=item1&genSessionId=g&label=360p"},
		{Rendition: renditionTable[1], Bandwidth: 1750000, URL: "http://proxy/watch/main/playlist?id=item1&genSessionId=g&label=480p"},
		{Rendition: renditionTable[2], Bandwidth: 3000000, URL: "http://proxy/watch/main/playlist?id=item1&genSessionId=g&label=720p"},
	}

	out := BuildMasterPlaylist(variants)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")

	require.Equal(t, "#EXTM3U", lines[0])
	require.Len(t, lines, 1+2*len(variants))
	for i, v := range variants {
		inf, uri := lines[1+2*i], lines[2+2*i]
		assert.True(t, strings.HasPrefix(inf, "#EXT-X-STREAM-INF:"), inf)
		assert.Equal(t, v.URL, uri)
	}
	assert.Equal(t, `#EXT-X-STREAM-INF:BANDWIDTH=950000,RESOLUTION=640x360,NAME="360p"`, lines[1])
	assert.Equal(t, `#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,NAME="720p"`, lines[5])
}

func TestBuildMasterPlaylist_empty(t *testing.T) {
	assert.Equal(t, "#EXTM3U\n", BuildMasterPlaylist(nil))
}

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     int
		ok       bool
	}{
		{
			name:     "first stream",
			manifest: "#EXTM3U\n#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2811000,RESOLUTION=1280x720\nmain.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=5\nother.m3u8\n",
			want:     2811000,
			ok:       true,
		},
		{
			name:     "average bandwidth is not bandwidth",
			manifest: "#EXT-X-STREAM-INF:AVERAGE-BANDWIDTH=100,BANDWIDTH=200\n",
			want:     200,
			ok:       true,
		},
		{
			name:     "crlf",
			manifest: "#EXTM3U\r\n#EXT-X-STREAM-INF:BANDWIDTH=1500000\r\nmain.m3u8\r\n",
			want:     1500000,
			ok:       true,
		},
		{name: "missing", manifest: "#EXTM3U\n#EXTINF:3,\n0.ts\n"},
		{name: "empty", manifest: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseBandwidth(tt.manifest)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRewriteMediaPlaylist(t *testing.T) {
	in := "#EXTM3U\n#EXT-X-TARGETDURATION:3\n#EXTINF:3.000000, nodesc\nhls1/main/0.ts?x=1\n\n#EXTINF:3.000000, nodesc\n  hls1/main/1.ts  \n#EXT-X-ENDLIST"

	var seen []string
	out := RewriteMediaPlaylist(in, func(uri string) string {
		seen = append(seen, uri)
		return "R(" + uri + ")"
	})

	assert.Equal(t, []string{"hls1/main/0.ts?x=1", "hls1/main/1.ts"}, seen)
	inLines, outLines := strings.Split(in, "\n"), strings.Split(out, "\n")
	require.Len(t, outLines, len(inLines))
	for i, line := range inLines {
		if strings.HasPrefix(line, "#") || line == "" {
			assert.Equal(t, line, outLines[i], "comment lines pass through verbatim")
		}
	}
	assert.Equal(t, "R(hls1/main/0.ts?x=1)", outLines[3])
}

func TestSegmentURL(t *testing.T) {
	params := url.Values{}
	params.Set("PlaySessionId", "up-1")
	params.Set("DeviceId", "dev-1")
	params.Set("videoId", "item1")
	params.Set("x", "override")

	t.Run("relative", func(t *testing.T) {
		got := SegmentURL("http://proxy", "main", "item1", "hls1/main/0.ts?x=1&runtimeTicks=0", params)
		u, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, "/watch/main/segment/hls1/main/0.ts", u.Path)
		q := u.Query()
		assert.Equal(t, "override", q.Get("x"))
		assert.Equal(t, "0", q.Get("runtimeTicks"))
		assert.Equal(t, "up-1", q.Get("PlaySessionId"))
		assert.Equal(t, "dev-1", q.Get("DeviceId"))
		assert.Equal(t, "item1", q.Get("videoId"))
	})

	t.Run("absolute", func(t *testing.T) {
		got := SegmentURL("http://proxy", "play", "item1", "http://emby:8096/emby/videos/item1/hls1/main/7.ts", params)
		u, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, "proxy", u.Host)
		assert.Equal(t, "/watch/play/segment/hls1/main/7.ts", u.Path)
	})
}

func TestForwardedParams(t *testing.T) {
	q := url.Values{}
	q.Set("DeviceId", "dev")
	q.Set("h264-profile", "high")
	q.Set("genSessionId", "g")
	q.Set("label", "720p")
	q.Set("Unknown", "x")

	got := ForwardedParams(q)
	assert.Equal(t, url.Values{"DeviceId": {"dev"}, "h264-profile": {"high"}}, got)

	up := upstreamParams(q)
	assert.Equal(t, url.Values{"DeviceId": {"dev"}, "h264-profile": {"high"}, "Unknown": {"x"}}, up)
	assert.Equal(t, "g", q.Get("genSessionId"), "input must not be modified")
}

func TestValidRelativePath(t *testing.T) {
	assert.True(t, validRelativePath("main.m3u8"))
	assert.True(t, validRelativePath("hls1/main/0.ts"))
	assert.False(t, validRelativePath(""))
	assert.False(t, validRelativePath("/etc/passwd"))
	assert.False(t, validRelativePath("../../Users"))
	assert.False(t, validRelativePath("hls1/../../x"))
}
