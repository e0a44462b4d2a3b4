package upstream

import "encoding/json"

// TicksPerSecond is the number of 100ns ticks in one second.
const TicksPerSecond = 10_000_000

// DeviceProfile is the capability profile sent with a playback-info request.
type DeviceProfile struct {
	MaxStaticBitrate    int                  `json:"MaxStaticBitrate"`
	MaxStreamingBitrate int                  `json:"MaxStreamingBitrate"`
	TranscodingProfiles []TranscodingProfile `json:"TranscodingProfiles"`
	CodecProfiles       []CodecProfile       `json:"CodecProfiles"`
}

// TranscodingProfile describes one transcode target the client accepts.
type TranscodingProfile struct {
	Container           string `json:"Container"`
	Type                string `json:"Type"`
	AudioCodec          string `json:"AudioCodec"`
	VideoCodec          string `json:"VideoCodec"`
	Context             string `json:"Context"`
	Protocol            string `json:"Protocol"`
	MaxAudioChannels    string `json:"MaxAudioChannels"`
	MinSegments         string `json:"MinSegments"`
	BreakOnNonKeyFrames bool   `json:"BreakOnNonKeyFrames"`
	ManifestSubtitles   string `json:"ManifestSubtitles"`
}

// CodecProfile constrains a codec through its Conditions.
type CodecProfile struct {
	Type       string             `json:"Type"`
	Codec      string             `json:"Codec"`
	Conditions []ProfileCondition `json:"Conditions"`
}

// ProfileCondition is a single property comparison inside a CodecProfile.
type ProfileCondition struct {
	Condition string `json:"Condition"`
	Property  string `json:"Property"`
	Value     string `json:"Value"`
}

// PlaybackInfoRequest asks the server to prepare a transcode for one item.
type PlaybackInfoRequest struct {
	ItemID           string
	Profile          DeviceProfile
	PlaySessionID    string
	AudioStreamIndex *int
}

// PlaybackInfo is the subset of the playback-info answer the proxy reads.
type PlaybackInfo struct {
	MediaSources  []MediaSource `json:"MediaSources"`
	PlaySessionID string        `json:"PlaySessionId"`
}

// MediaSource is one playable source of an item.
type MediaSource struct {
	ID             string        `json:"Id"`
	TranscodingURL string        `json:"TranscodingUrl"`
	Bitrate        int           `json:"Bitrate"`
	DeviceID       string        `json:"DeviceId"`
	MediaStreams   []MediaStream `json:"MediaStreams"`
}

// MediaStream is a video, audio or subtitle stream within a MediaSource.
type MediaStream struct {
	Index                int    `json:"Index"`
	Type                 string `json:"Type"`
	Codec                string `json:"Codec"`
	DisplayTitle         string `json:"DisplayTitle"`
	Language             string `json:"Language"`
	Width                int    `json:"Width"`
	Height               int    `json:"Height"`
	IsTextSubtitleStream bool   `json:"IsTextSubtitleStream"`
	IsExternal           bool   `json:"IsExternal"`
	IsDefault            bool   `json:"IsDefault"`
}

// Chapter is a chapter marker as the server reports it.
type Chapter struct {
	Name               string `json:"Name"`
	StartPositionTicks int64  `json:"StartPositionTicks"`
}

// Item is an item detail record. Raw keeps every field the server sent so
// handlers can pass the document through unchanged.
type Item struct {
	ID           string        `json:"Id"`
	Name         string        `json:"Name"`
	RunTimeTicks int64         `json:"RunTimeTicks"`
	Width        int           `json:"Width"`
	Height       int           `json:"Height"`
	MediaStreams []MediaStream `json:"MediaStreams"`
	MediaSources []MediaSource `json:"MediaSources"`
	Chapters     []Chapter     `json:"Chapters"`

	Raw map[string]any `json:"-"`
}

func decodeItem(b []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &item.Raw); err != nil {
		return nil, err
	}
	return &item, nil
}

// SourceDimensions returns the item's width and height, taken from the item
// record or, failing that, its first video stream.
func (it *Item) SourceDimensions() (width, height int) {
	width, height = it.Width, it.Height
	streams := it.MediaStreams
	if len(streams) == 0 && len(it.MediaSources) > 0 {
		streams = it.MediaSources[0].MediaStreams
	}
	for _, s := range streams {
		if s.Type != "Video" {
			continue
		}
		if width == 0 {
			width = s.Width
		}
		if height == 0 {
			height = s.Height
		}
		break
	}
	return width, height
}

// EventKind is a playback telemetry event.
type EventKind string

const (
	EventPlay       EventKind = "play"
	EventPause      EventKind = "pause"
	EventUnpause    EventKind = "unpause"
	EventTimeUpdate EventKind = "timeupdate"
	EventStop       EventKind = "stop"
)

// ParseEventKind validates s.
func ParseEventKind(s string) (EventKind, bool) {
	switch k := EventKind(s); k {
	case EventPlay, EventPause, EventUnpause, EventTimeUpdate, EventStop:
		return k, true
	}
	return "", false
}

// PlaybackEvent is one telemetry report.
type PlaybackEvent struct {
	Kind             EventKind
	ItemID           string
	MediaSourceID    string
	PlaySessionID    string
	PositionTicks    int64
	AudioStreamIndex *int
}
