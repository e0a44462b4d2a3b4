package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"monobar/internal/platform/metrics"
	"monobar/internal/upstream"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// BaseURLs are the URL prefixes written into rewritten manifests.
// Dev is used for requests carrying "X-Environment: development".
type BaseURLs struct {
	Public string
	Dev    string
}

// Handler exposes playback HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	relay   *SegmentRelay
	urls    BaseURLs
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc *Service, relay *SegmentRelay, urls BaseURLs, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, relay: relay, urls: urls, log: log, metrics: m}
}

// Watch handles GET /watch?intent=play|info&id=.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, intent := q.Get("id"), q.Get("intent")
	if id == "" || intent == "" {
		h.writeError(w, r, badRequest("Missing 'id' or 'intent' query parameter"))
		return
	}

	var (
		doc map[string]any
		err error
	)
	switch intent {
	case "play":
		doc, err = h.svc.Play(r.Context(), PlayRequest{
			ItemID:   id,
			Viewer:   viewer(r),
			DeviceID: q.Get("DeviceId"),
			BaseURL:  h.baseURL(r),
		})
	case "info":
		doc, err = h.svc.Info(r.Context(), id, h.baseURL(r))
	default:
		err = badRequest("Invalid 'intent' parameter")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// MasterPlaylist handles GET /watch/master/playlist?id=&genSessionId=.
func (h *Handler) MasterPlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	audio, err := optionalInt(q.Get("AudioStreamIndex"), "AudioStreamIndex")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m3u8, err := h.svc.MasterPlaylist(r.Context(), MasterRequest{
		ItemID:             q.Get(paramItemID),
		GeneratedSessionID: q.Get(paramGenSession),
		Viewer:             viewer(r),
		DeviceID:           q.Get("DeviceId"),
		AudioStreamIndex:   audio,
		BaseURL:            h.baseURL(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writePlaylist(w, m3u8)
}

// MediaPlaylist handles GET /watch/{stage}/playlist.
func (h *Handler) MediaPlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	audio, err := optionalInt(q.Get(paramAudioTrack), paramAudioTrack)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m3u8, err := h.svc.MediaPlaylist(r.Context(), MediaRequest{
		ItemID:             q.Get(paramItemID),
		GeneratedSessionID: q.Get(paramGenSession),
		Label:              q.Get(paramLabel),
		AudioTrack:         audio,
		Stage:              chi.URLParam(r, "stage"),
		Filename:           q.Get("filename"),
		Query:              q,
		BaseURL:            h.baseURL(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writePlaylist(w, m3u8)
}

// Segment handles GET /watch/{stage}/segment/*.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	audio, err := optionalInt(q.Get(paramAudioTrack), paramAudioTrack)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.relay.Open(r.Context(), SegmentRequest{
		ItemID:             q.Get(paramVideoID),
		GeneratedSessionID: q.Get(paramGenSession),
		Label:              q.Get(paramLabel),
		AudioTrack:         audio,
		Path:               chi.URLParam(r, "*"),
		Query:              q,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.relay.Stream(w, resp); err != nil {
		h.log.Debug("segment stream interrupted",
			slog.String("path", chi.URLParam(r, "*")),
			slog.String("error", err.Error()))
	}
}

// Subtitle handles GET /watch/subtitle?subIndex=&itemId=&mediaSourceId=&format=.
func (h *Handler) Subtitle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := strconv.Atoi(q.Get("subIndex"))
	if err != nil || index < 0 {
		h.writeError(w, r, badRequest("Missing 'subIndex', 'itemId', 'mediaSourceId', or 'format' query parameter"))
		return
	}

	text, err := h.svc.Subtitle(r.Context(), q.Get("itemId"), q.Get("mediaSourceId"), index, q.Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/vtt")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

// StopSession handles DELETE /status?playSessionId=.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Stop(r.Context(), r.URL.Query().Get("playSessionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// ReportStatus handles POST /status.
// Body: { "event": "timeupdate", "playSessionId": "...", "positionTicks": 1200000000 }.
func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	var ev EventRequest
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.log.Debug("invalid status body", slog.String("error", err.Error()))
		h.writeError(w, r, badRequest("Invalid JSON body"))
		return
	}

	if err := h.svc.Report(r.Context(), ev); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Playback status reported"})
}

// DevelopmentNoCache disables caching for requests marked as coming from a
// development client.
func DevelopmentNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isDevelopment(r) {
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}
		next.ServeHTTP(w, r)
	})
}

func isDevelopment(r *http.Request) bool {
	return r.Header.Get("X-Environment") == "development"
}

func (h *Handler) baseURL(r *http.Request) string {
	if isDevelopment(r) && h.urls.Dev != "" {
		return h.urls.Dev
	}
	return h.urls.Public
}

// viewer identifies the client by network address. RemoteAddr has already
// been rewritten by middleware.RealIP when the server sits behind a proxy.
func viewer(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func optionalInt(raw, name string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, badRequest("Invalid '%s' query parameter", name)
	}
	return &n, nil
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq    *BadRequestError
		statusErr *upstream.StatusError
	)
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		h.log.Debug("client went away", slog.String("path", r.URL.Path))
		return
	case errors.As(err, &badReq):
		http.Error(w, badReq.Message, http.StatusBadRequest)
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, "Session not found; request the master playlist again", http.StatusNotFound)
	case errors.Is(err, ErrNoRenditions):
		h.log.Warn("no rendition negotiated", slog.String("path", r.URL.Path))
		http.Error(w, "No playable rendition available", http.StatusBadGateway)
	case errors.As(err, &statusErr):
		h.log.Info("upstream error",
			slog.String("path", r.URL.Path),
			slog.String("op", statusErr.Op),
			slog.Int("status", statusErr.StatusCode))
		http.Error(w, fmt.Sprintf("Error from media server during %s: %s", statusErr.Op, statusErr.StatusText()), statusErr.StatusCode)
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.log.Error("upstream unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, "Media server unavailable", http.StatusBadGateway)
	default:
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writePlaylist(w http.ResponseWriter, m3u8 string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
