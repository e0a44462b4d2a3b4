package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// NewDeviceProfile builds an HLS/h264/aac profile capped at the given
// bitrate and frame size.
func NewDeviceProfile(maxBitrate, maxWidth, maxHeight int) DeviceProfile {
	return DeviceProfile{
		MaxStaticBitrate:    maxBitrate,
		MaxStreamingBitrate: maxBitrate,
		TranscodingProfiles: []TranscodingProfile{{
			Container:           "ts",
			Type:                "Video",
			AudioCodec:          "aac",
			VideoCodec:          "h264",
			Context:             "Streaming",
			Protocol:            "hls",
			MaxAudioChannels:    "6",
			MinSegments:         "1",
			BreakOnNonKeyFrames: true,
			ManifestSubtitles:   "vtt",
		}},
		CodecProfiles: []CodecProfile{{
			Type:  "Video",
			Codec: "h264",
			Conditions: []ProfileCondition{
				{Condition: "LessThanEqual", Property: "Width", Value: strconv.Itoa(maxWidth)},
				{Condition: "LessThanEqual", Property: "Height", Value: strconv.Itoa(maxHeight)},
			},
		}},
	}
}

type playbackInfoBody struct {
	DeviceProfile    DeviceProfile `json:"DeviceProfile"`
	PlaySessionID    string        `json:"PlaySessionId,omitempty"`
	AudioStreamIndex *int          `json:"AudioStreamIndex,omitempty"`
}

// RequestPlaybackInfo asks the server for a transcoding session matching
// req.Profile.
func (c *Client) RequestPlaybackInfo(ctx context.Context, req PlaybackInfoRequest) (*PlaybackInfo, error) {
	q := url.Values{}
	q.Set("UserId", c.userID)
	q.Set("StartTimeTicks", "0")
	q.Set("IsPlayback", "true")
	q.Set("AutoOpenLiveStream", "true")
	q.Set("reqformat", "json")
	if req.AudioStreamIndex != nil {
		q.Set("AudioStreamIndex", strconv.Itoa(*req.AudioStreamIndex))
	}
	ref := fmt.Sprintf("/Items/%s/PlaybackInfo?%s", url.PathEscape(req.ItemID), q.Encode())

	body := playbackInfoBody{
		DeviceProfile:    req.Profile,
		PlaySessionID:    req.PlaySessionID,
		AudioStreamIndex: req.AudioStreamIndex,
	}
	var info PlaybackInfo
	if err := c.fetchJSON(ctx, "playback info", "POST", ref, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
