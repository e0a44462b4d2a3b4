package upstream

import (
	"context"
	"net/http"
)

type playbackEventBody struct {
	ItemID           string `json:"ItemId,omitempty"`
	MediaSourceID    string `json:"MediaSourceId,omitempty"`
	PlaySessionID    string `json:"PlaySessionId"`
	PositionTicks    int64  `json:"PositionTicks"`
	IsPaused         bool   `json:"IsPaused"`
	EventName        string `json:"EventName,omitempty"`
	PlayMethod       string `json:"PlayMethod"`
	AudioStreamIndex *int   `json:"AudioStreamIndex,omitempty"`
}

func eventPath(kind EventKind) string {
	switch kind {
	case EventPlay:
		return "/Sessions/Playing"
	case EventStop:
		return "/Sessions/Playing/Stopped"
	default:
		return "/Sessions/Playing/Progress"
	}
}

// ReportPlaybackEvent forwards one telemetry event.
func (c *Client) ReportPlaybackEvent(ctx context.Context, ev PlaybackEvent) error {
	body := playbackEventBody{
		ItemID:           ev.ItemID,
		MediaSourceID:    ev.MediaSourceID,
		PlaySessionID:    ev.PlaySessionID,
		PositionTicks:    ev.PositionTicks,
		IsPaused:         ev.Kind == EventPause,
		PlayMethod:       "Transcode",
		AudioStreamIndex: ev.AudioStreamIndex,
	}
	if ev.Kind != EventPlay && ev.Kind != EventStop {
		body.EventName = string(ev.Kind)
	}
	_, err := c.fetch(ctx, "report "+string(ev.Kind), http.MethodPost, eventPath(ev.Kind), body)
	return err
}
