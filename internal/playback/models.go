package playback

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// SessionKey identifies a playback session: one item watched by one viewer.
type SessionKey struct {
	ItemID string
	Viewer string
}

func (k SessionKey) String() string {
	return k.ItemID + ":" + k.Viewer
}

// RenditionKey names one upstream transcode inside a session: a rendition
// label, suffixed with the audio track when one was selected ("720p+a2").
type RenditionKey string

// NewRenditionKey builds the key for label and an optional audio track.
func NewRenditionKey(label string, audioTrack *int) RenditionKey {
	if audioTrack == nil {
		return RenditionKey(label)
	}
	return RenditionKey(fmt.Sprintf("%s+a%d", label, *audioTrack))
}

// PlaybackSession is the proxy's record of one viewer's playback of one item.
type PlaybackSession struct {
	Key SessionKey

	// GeneratedSessionID is the client-visible correlation id.
	GeneratedSessionID string

	// UpstreamSessionIDs maps each negotiated rendition to the upstream
	// transcode session serving it. At most one id per key.
	UpstreamSessionIDs map[RenditionKey]string

	// DeviceID is the upstream device identity used to address cancellations.
	DeviceID string

	LastAccessed         time.Time
	LastAudioStreamIndex *int
}

// clone returns a deep copy safe to hand out of the registry.
func (s *PlaybackSession) clone() PlaybackSession {
	out := *s
	out.UpstreamSessionIDs = maps.Clone(s.UpstreamSessionIDs)
	if out.UpstreamSessionIDs == nil {
		out.UpstreamSessionIDs = make(map[RenditionKey]string)
	}
	if s.LastAudioStreamIndex != nil {
		idx := *s.LastAudioStreamIndex
		out.LastAudioStreamIndex = &idx
	}
	return out
}

// DistinctUpstreamIDs returns every recorded upstream id once, sorted.
func (s PlaybackSession) DistinctUpstreamIDs() []string {
	seen := make(map[string]struct{}, len(s.UpstreamSessionIDs))
	ids := make([]string, 0, len(s.UpstreamSessionIDs))
	for _, id := range s.UpstreamSessionIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Resolution is what a variant or segment request needs to reach its
// upstream transcode.
type Resolution struct {
	Key               SessionKey
	UpstreamSessionID string
	DeviceID          string
}
