package playback

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"

	"monobar/internal/platform/metrics"
	"monobar/internal/upstream"

	"github.com/sourcegraph/conc/iter"
	"golang.org/x/sync/errgroup"
)

// DefaultPlaylistFile is the media playlist requested when a variant URL
// names none.
const DefaultPlaylistFile = "main.m3u8"

// Upstream is everything the playback service needs from the media server.
type Upstream interface {
	PlaybackInfoRequester
	SegmentFetcher
	TranscodeCanceller
	FetchManifest(ctx context.Context, ref string) (string, error)
	GetItem(ctx context.Context, itemID string) (*upstream.Item, error)
	GetSimilar(ctx context.Context, itemID string) ([]map[string]any, error)
	FetchSubtitle(ctx context.Context, itemID, mediaSourceID string, index int, format string) (string, error)
	ReportPlaybackEvent(ctx context.Context, ev upstream.PlaybackEvent) error
}

// Service implements playback: session bookkeeping, rendition negotiation
// and manifest rewriting on top of the upstream media server.
type Service struct {
	up         Upstream
	registry   *Registry
	negotiator *Negotiator
	canceller  *Canceller
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewService returns a Service. Superseded transcodes are cancelled
// through canceller.
func NewService(up Upstream, registry *Registry, canceller *Canceller, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		up:         up,
		registry:   registry,
		negotiator: NewNegotiator(up, registry, canceller, log, m),
		canceller:  canceller,
		log:        log,
		metrics:    m,
	}
}

// Registry returns the session registry backing the service.
func (s *Service) Registry() *Registry {
	return s.registry
}

// PlayRequest starts playback of an item for a viewer.
type PlayRequest struct {
	ItemID   string
	Viewer   string
	DeviceID string
	BaseURL  string
}

// Play creates or reuses the viewer's session and returns the item
// document extended with subtitles, chapters and the master playlist URL.
func (s *Service) Play(ctx context.Context, req PlayRequest) (map[string]any, error) {
	if req.ItemID == "" {
		return nil, badRequest("Missing 'id' query parameter")
	}
	sess := s.registry.GetOrCreate(SessionKey{ItemID: req.ItemID, Viewer: req.Viewer}, "", req.DeviceID)

	item, err := s.up.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}

	out := maps.Clone(item.Raw)
	if out == nil {
		out = make(map[string]any)
	}
	out["subtitles"] = BuildSubtitles(req.BaseURL, item)
	out["chapters"] = BuildChapters(item.Chapters, item.RunTimeTicks)
	out["playbackUrl"] = masterURL(req.BaseURL, req.ItemID, sess.GeneratedSessionID)
	return out, nil
}

// Info returns the item document with its play URL and similar items,
// fetching both concurrently.
func (s *Service) Info(ctx context.Context, itemID, baseURL string) (map[string]any, error) {
	if itemID == "" {
		return nil, badRequest("Missing 'id' query parameter")
	}

	var (
		item    *upstream.Item
		similar []map[string]any
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		item, err = s.up.GetItem(gctx, itemID)
		return err
	})
	g.Go(func() error {
		var err error
		similar, err = s.up.GetSimilar(gctx, itemID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range similar {
		if id, ok := rec["Id"].(string); ok {
			rec["playUrl"] = playURL(baseURL, id)
		}
	}

	out := maps.Clone(item.Raw)
	if out == nil {
		out = make(map[string]any)
	}
	out["playUrl"] = playURL(baseURL, itemID)
	out["recommendation"] = similar
	return out, nil
}

// MasterRequest asks for the master playlist of a session.
type MasterRequest struct {
	ItemID             string
	GeneratedSessionID string
	Viewer             string
	DeviceID           string
	AudioStreamIndex   *int
	BaseURL            string
}

// MasterPlaylist negotiates every rendition allowed for the item's source
// resolution and returns a master playlist pointing at the proxy's variant
// URLs. Renditions that fail to negotiate are left out; it fails with
// ErrNoRenditions only when none succeed.
func (s *Service) MasterPlaylist(ctx context.Context, req MasterRequest) (string, error) {
	if req.ItemID == "" || req.GeneratedSessionID == "" {
		return "", badRequest("Missing 'id' or 'genSessionId' query parameter")
	}

	key := SessionKey{ItemID: req.ItemID, Viewer: req.Viewer}
	sess := s.registry.GetOrCreate(key, req.GeneratedSessionID, req.DeviceID)
	if req.AudioStreamIndex != nil {
		s.registry.SetLastAudioStreamIndex(key, req.AudioStreamIndex)
	}

	item, err := s.up.GetItem(ctx, req.ItemID)
	if err != nil {
		return "", err
	}
	width, height := item.SourceDimensions()
	renditions := AllowedRenditions(width, height)

	results := iter.Map(renditions, func(rend *Rendition) *Variant {
		return s.variant(ctx, key, sess.GeneratedSessionID, req, *rend)
	})

	variants := make([]Variant, 0, len(results))
	for _, v := range results {
		if v != nil {
			variants = append(variants, *v)
		}
	}
	if len(variants) == 0 {
		return "", ErrNoRenditions
	}

	s.log.Debug("master playlist built",
		slog.String("item_id", req.ItemID),
		slog.String("gen_session_id", sess.GeneratedSessionID),
		slog.Int("variants", len(variants)),
		slog.Int("source_width", width),
		slog.Int("source_height", height))
	return BuildMasterPlaylist(variants), nil
}

// variant negotiates one rendition and builds its master playlist entry,
// or returns nil when negotiation fails.
func (s *Service) variant(ctx context.Context, key SessionKey, generatedSessionID string, req MasterRequest, rend Rendition) *Variant {
	neg, err := s.negotiator.Negotiate(ctx, key, req.ItemID, rend, generatedSessionID, req.AudioStreamIndex)
	if err != nil {
		s.log.Warn("rendition negotiation failed",
			slog.String("item_id", req.ItemID),
			slog.String("rendition", rend.Label),
			slog.String("error", err.Error()))
		return nil
	}

	params := url.Values{}
	for k, v := range neg.TranscodingParams {
		params[k] = append([]string(nil), v...)
	}
	params.Set("PlaySessionId", neg.UpstreamSessionID)
	if neg.DeviceID != "" {
		params.Set("DeviceId", neg.DeviceID)
	}
	params.Set(paramItemID, req.ItemID)
	params.Set(paramGenSession, generatedSessionID)
	params.Set(paramLabel, rend.Label)
	if req.AudioStreamIndex != nil {
		params.Set(paramAudioTrack, strconv.Itoa(*req.AudioStreamIndex))
	}

	return &Variant{
		Rendition: rend,
		Bandwidth: s.advertisedBandwidth(ctx, neg),
		URL:       req.BaseURL + "/watch/main/playlist?" + params.Encode(),
	}
}

// advertisedBandwidth reads the bandwidth the upstream advertises for a
// negotiated transcode, falling back to the rendition's bitrate cap.
func (s *Service) advertisedBandwidth(ctx context.Context, neg *Negotiation) int {
	manifest, err := s.up.FetchManifest(ctx, neg.TranscodingRef)
	if err != nil {
		s.log.Debug("bandwidth lookup failed",
			slog.String("rendition", neg.Rendition.Label),
			slog.String("error", err.Error()))
		return neg.Rendition.MaxBitrate
	}
	if bw, ok := ParseBandwidth(manifest); ok {
		return bw
	}
	return neg.Rendition.MaxBitrate
}

// MediaRequest asks for one variant's media playlist.
type MediaRequest struct {
	ItemID             string
	GeneratedSessionID string
	Label              string
	AudioTrack         *int
	Stage              string
	Filename           string
	Query              url.Values
	BaseURL            string
}

// MediaPlaylist fetches the upstream media playlist of the session's
// transcode for the requested rendition and rewrites every segment line to
// a proxy segment URL. The recorded upstream id is used as is.
func (s *Service) MediaPlaylist(ctx context.Context, req MediaRequest) (string, error) {
	if req.ItemID == "" || req.GeneratedSessionID == "" || req.Label == "" {
		return "", badRequest("Missing 'id', 'genSessionId', or 'label' query parameter")
	}
	filename := req.Filename
	if filename == "" {
		filename = DefaultPlaylistFile
	}
	if !validRelativePath(filename) {
		return "", badRequest("Invalid playlist name")
	}

	res, err := s.registry.Resolve(req.GeneratedSessionID, req.ItemID, NewRenditionKey(req.Label, req.AudioTrack))
	if err != nil {
		return "", err
	}

	fwd := ForwardedParams(req.Query)
	fwd.Set("PlaySessionId", res.UpstreamSessionID)
	fwd.Set("DeviceId", res.DeviceID)

	manifest, err := s.up.FetchManifest(ctx, "/videos/"+url.PathEscape(req.ItemID)+"/"+filename+"?"+fwd.Encode())
	if err != nil {
		return "", err
	}

	segParams := url.Values{}
	for k, v := range fwd {
		segParams[k] = v
	}
	segParams.Set(paramVideoID, req.ItemID)
	segParams.Set(paramGenSession, req.GeneratedSessionID)
	segParams.Set(paramLabel, req.Label)
	if req.AudioTrack != nil {
		segParams.Set(paramAudioTrack, strconv.Itoa(*req.AudioTrack))
	}

	return RewriteMediaPlaylist(manifest, func(uri string) string {
		return SegmentURL(req.BaseURL, req.Stage, req.ItemID, uri, segParams)
	}), nil
}

// Subtitle fetches a subtitle stream as text.
func (s *Service) Subtitle(ctx context.Context, itemID, mediaSourceID string, index int, format string) (string, error) {
	if format == "" {
		format = "vtt"
	}
	if itemID == "" || mediaSourceID == "" {
		return "", badRequest("Missing 'subIndex', 'itemId', 'mediaSourceId', or 'format' query parameter")
	}
	return s.up.FetchSubtitle(ctx, itemID, mediaSourceID, index, format)
}

// Stop ends playback for id. An upstream session id cancels that
// transcode, dropping the session once it has none left. A generated
// session id cancels every transcode of the session and removes it.
func (s *Service) Stop(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", badRequest("Missing 'playSessionId' query parameter")
	}

	if sess, removed, ok := s.registry.DetachUpstreamSession(id); ok {
		s.canceller.CancelNow(ctx, sess.DeviceID, id)
		s.log.Info("stopped upstream session",
			slog.String("item_id", sess.Key.ItemID),
			slog.String("play_session_id", id),
			slog.Bool("session_removed", removed))
		return fmt.Sprintf("Playback session %s stopped", id), nil
	}

	removed, ok := s.registry.RemoveByGeneratedSessionID(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	ids := removed.DistinctUpstreamIDs()
	for _, upstreamID := range ids {
		s.canceller.CancelNow(ctx, removed.DeviceID, upstreamID)
	}
	s.log.Info("stopped playback session",
		slog.String("item_id", removed.Key.ItemID),
		slog.String("gen_session_id", id),
		slog.Int("upstream_sessions", len(ids)))
	return fmt.Sprintf("All playback sessions for %s stopped", id), nil
}

// EventRequest is a telemetry report from the player.
type EventRequest struct {
	Event         string `json:"event"`
	PlaySessionID string `json:"playSessionId"`
	PositionTicks int64  `json:"positionTicks"`
	ItemID        string `json:"itemId,omitempty"`
	Label         string `json:"label,omitempty"`
	MediaSourceID string `json:"mediaSourceId,omitempty"`
}

// Report forwards a telemetry event to the upstream under the session's
// upstream id. PlaySessionID may be a generated or an upstream id.
func (s *Service) Report(ctx context.Context, req EventRequest) error {
	kind, ok := upstream.ParseEventKind(req.Event)
	if !ok {
		return badRequest("Invalid 'event' value %q", req.Event)
	}
	if req.PlaySessionID == "" {
		return badRequest("Missing 'playSessionId'")
	}

	var (
		sess       PlaybackSession
		upstreamID string
	)
	if found, ok := s.registry.FindByGeneratedSessionID(req.PlaySessionID); ok {
		sess, upstreamID = found, pickUpstreamSession(found, req.Label)
	} else if found, _, ok := s.registry.FindByUpstreamSessionID(req.PlaySessionID); ok {
		sess, upstreamID = found, req.PlaySessionID
	}
	if upstreamID == "" {
		return ErrSessionNotFound
	}
	s.registry.Touch(sess.Key)

	itemID := req.ItemID
	if itemID == "" {
		itemID = sess.Key.ItemID
	}
	return s.up.ReportPlaybackEvent(ctx, upstream.PlaybackEvent{
		Kind:             kind,
		ItemID:           itemID,
		MediaSourceID:    req.MediaSourceID,
		PlaySessionID:    upstreamID,
		PositionTicks:    req.PositionTicks,
		AudioStreamIndex: sess.LastAudioStreamIndex,
	})
}

// pickUpstreamSession chooses the transcode a telemetry event refers to:
// the one for label when given, else the lowest rendition key.
func pickUpstreamSession(sess PlaybackSession, label string) string {
	if label != "" {
		if id := sess.UpstreamSessionIDs[NewRenditionKey(label, sess.LastAudioStreamIndex)]; id != "" {
			return id
		}
		if id := sess.UpstreamSessionIDs[RenditionKey(label)]; id != "" {
			return id
		}
	}
	keys := slices.Sorted(maps.Keys(sess.UpstreamSessionIDs))
	for _, k := range keys {
		if id := sess.UpstreamSessionIDs[k]; id != "" {
			return id
		}
	}
	return ""
}

func masterURL(baseURL, itemID, generatedSessionID string) string {
	q := url.Values{}
	q.Set(paramItemID, itemID)
	q.Set(paramGenSession, generatedSessionID)
	return baseURL + "/watch/master/playlist?" + q.Encode()
}

func playURL(baseURL, itemID string) string {
	q := url.Values{}
	q.Set("intent", "play")
	q.Set(paramItemID, itemID)
	return baseURL + "/watch?" + q.Encode()
}
