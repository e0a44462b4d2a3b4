package playback

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Query keys understood only by the proxy. They are never forwarded upstream.
const (
	paramItemID     = "id"
	paramVideoID    = "videoId"
	paramGenSession = "genSessionId"
	paramLabel      = "label"
	paramAudioTrack = "audioTrack"
)

var proxyOnlyParams = []string{paramItemID, paramVideoID, paramGenSession, paramLabel, paramAudioTrack}

// forwardedParams are the transcoding parameters carried from a variant URL
// into every upstream media playlist and segment request.
var forwardedParams = []string{
	"DeviceId", "MediaSourceId", "PlaySessionId", "api_key",
	"VideoCodec", "AudioCodec", "VideoBitrate", "AudioBitrate", "MaxWidth",
	"AudioStreamIndex", "SubtitleStreamIndex", "SubtitleMethod",
	"TranscodingMaxAudioChannels", "SegmentContainer", "MinSegments",
	"BreakOnNonKeyFrames", "SubtitleStreamIndexes", "ManifestSubtitles",
	"h264-profile", "h264-level", "TranscodeReasons",
}

// ForwardedParams returns the subset of q that is relayed upstream.
func ForwardedParams(q url.Values) url.Values {
	out := make(url.Values)
	for _, name := range forwardedParams {
		if v := q.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

// upstreamParams returns q without the proxy-only keys.
func upstreamParams(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	for _, k := range proxyOnlyParams {
		out.Del(k)
	}
	return out
}

// Variant is one entry of a master playlist.
type Variant struct {
	Rendition Rendition
	Bandwidth int
	URL       string
}

// BuildMasterPlaylist renders variants as an HLS master playlist, one
// stream-inf tag followed by its URL per variant, in the given order.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	for _, v := range variants {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=%q\n",
			v.Bandwidth, v.Rendition.MaxWidth, v.Rendition.MaxHeight, v.Rendition.Label))
		b.WriteString(v.URL)
		b.WriteString("\n")
	}

	return b.String()
}

var bandwidthAttr = regexp.MustCompile(`(?:^|[:,])BANDWIDTH=(\d+)`)

// ParseBandwidth returns the first BANDWIDTH attribute in an HLS manifest.
// AVERAGE-BANDWIDTH is not matched.
func ParseBandwidth(manifest string) (int, bool) {
	for _, line := range strings.Split(manifest, "\n") {
		m := bandwidthAttr.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// RewriteMediaPlaylist passes blank and comment lines through and replaces
// every URI line with rewrite(uri). Line count is preserved.
func RewriteMediaPlaylist(manifest string, rewrite func(uri string) string) string {
	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines[i] = rewrite(trimmed)
	}
	return strings.Join(lines, "\n")
}

// SegmentURL builds the proxy URL for one segment line of an upstream media
// playlist. The segment keeps its own query parameters; params override them.
// Absolute references are reduced to their path below /videos/{itemID}/.
func SegmentURL(baseURL, stage, itemID, segmentRef string, params url.Values) string {
	ref, err := url.Parse(segmentRef)
	if err != nil {
		ref = &url.URL{Path: segmentRef}
	}

	path := ref.EscapedPath()
	if prefix := "/videos/" + url.PathEscape(itemID) + "/"; strings.Contains(path, prefix) {
		path = path[strings.Index(path, prefix)+len(prefix):]
	}
	path = strings.TrimPrefix(path, "/")

	query := ref.Query()
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}

	return baseURL + "/watch/" + stage + "/segment/" + path + "?" + query.Encode()
}

// validRelativePath reports whether p is usable below /videos/{id}/.
func validRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
