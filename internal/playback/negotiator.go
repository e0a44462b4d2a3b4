package playback

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"monobar/internal/platform/metrics"
	"monobar/internal/upstream"
)

// PlaybackInfoRequester asks the upstream to prepare a transcode.
type PlaybackInfoRequester interface {
	RequestPlaybackInfo(ctx context.Context, req upstream.PlaybackInfoRequest) (*upstream.PlaybackInfo, error)
}

// Negotiation is one rendition successfully negotiated with the upstream.
type Negotiation struct {
	Rendition         Rendition
	RenditionKey      RenditionKey
	UpstreamSessionID string
	DeviceID          string

	// TranscodingRef is the upstream's transcoding URL as returned, and
	// TranscodingParams its query.
	TranscodingRef    string
	TranscodingParams url.Values
}

// Negotiator requests one upstream transcode per rendition and records the
// resulting session ids in the registry.
type Negotiator struct {
	up       PlaybackInfoRequester
	registry *Registry
	cancels  CancelQueue
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewNegotiator creates a negotiator. Superseded upstream ids are handed
// to cancels.
func NewNegotiator(up PlaybackInfoRequester, registry *Registry, cancels CancelQueue, log *slog.Logger, m *metrics.Metrics) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{up: up, registry: registry, cancels: cancels, log: log, metrics: m}
}

// Negotiate requests a transcode of itemID capped at rend and records it
// for key. Any previous transcode recorded for the same rendition and
// audio track is queued for cancellation. It fails with
// ErrNegotiationFailed when the upstream offers no usable transcode.
func (n *Negotiator) Negotiate(ctx context.Context, key SessionKey, itemID string, rend Rendition, generatedSessionID string, audioTrack *int) (*Negotiation, error) {
	info, err := n.up.RequestPlaybackInfo(ctx, upstream.PlaybackInfoRequest{
		ItemID:           itemID,
		Profile:          upstream.NewDeviceProfile(rend.MaxBitrate, rend.MaxWidth, rend.MaxHeight),
		PlaySessionID:    generatedSessionID,
		AudioStreamIndex: audioTrack,
	})
	if err != nil {
		n.metrics.IncNegotiation(rend.Label, metrics.ResultFailed)
		return nil, fmt.Errorf("negotiate %s: %w", rend.Label, err)
	}

	neg, err := extractNegotiation(info)
	if err != nil {
		n.metrics.IncNegotiation(rend.Label, metrics.ResultFailed)
		return nil, fmt.Errorf("negotiate %s: %w", rend.Label, err)
	}
	neg.Rendition = rend
	neg.RenditionKey = NewRenditionKey(rend.Label, audioTrack)

	sess, err := n.registry.RecordUpstreamSession(key, neg.RenditionKey, neg.UpstreamSessionID, neg.DeviceID,
		func(prevID, deviceID string) {
			n.log.Debug("superseding upstream session",
				"rendition", string(neg.RenditionKey),
				"previous", prevID,
				"current", neg.UpstreamSessionID)
			n.cancels.Enqueue(deviceID, prevID)
		})
	if err != nil {
		n.metrics.IncNegotiation(rend.Label, metrics.ResultFailed)
		return nil, fmt.Errorf("negotiate %s: %w", rend.Label, err)
	}
	neg.DeviceID = sess.DeviceID

	n.metrics.IncNegotiation(rend.Label, metrics.ResultOK)
	return neg, nil
}

// extractNegotiation reads the transcoding URL, upstream session id and
// device id out of a playback-info answer. Ids embedded in the
// transcoding URL are used when the answer does not carry them directly.
func extractNegotiation(info *upstream.PlaybackInfo) (*Negotiation, error) {
	if info == nil || len(info.MediaSources) == 0 {
		return nil, fmt.Errorf("%w: no media sources", ErrNegotiationFailed)
	}
	source := info.MediaSources[0]
	if source.TranscodingURL == "" {
		return nil, fmt.Errorf("%w: no transcoding url", ErrNegotiationFailed)
	}
	u, err := url.Parse(source.TranscodingURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad transcoding url: %w", ErrNegotiationFailed, err)
	}
	params := u.Query()

	id := params.Get("PlaySessionId")
	if id == "" {
		id = info.PlaySessionID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no play session id", ErrNegotiationFailed)
	}

	deviceID := source.DeviceID
	if deviceID == "" {
		deviceID = params.Get("DeviceId")
	}

	return &Negotiation{
		UpstreamSessionID: id,
		DeviceID:          deviceID,
		TranscodingRef:    source.TranscodingURL,
		TranscodingParams: params,
	}, nil
}
