package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"monobar/internal/platform/metrics"
	"monobar/internal/upstream"

	"github.com/avast/retry-go/v4"
)

// SegmentFetcher opens an upstream segment. The response is returned
// whatever its status; the caller closes the body.
type SegmentFetcher interface {
	FetchSegment(ctx context.Context, ref string) (*http.Response, error)
}

// RelayConfig bounds the wait for segments a live transcode has not
// produced yet.
type RelayConfig struct {
	Attempts int
	Delay    time.Duration
}

// SegmentRequest addresses one segment through the proxy.
type SegmentRequest struct {
	ItemID             string
	GeneratedSessionID string
	Label              string
	AudioTrack         *int
	Path               string
	Query              url.Values
}

// SegmentRelay resolves proxy segment requests to the session's upstream
// transcode and streams the bytes through unchanged.
type SegmentRelay struct {
	up       SegmentFetcher
	registry *Registry
	cfg      RelayConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewSegmentRelay creates a relay.
func NewSegmentRelay(up SegmentFetcher, registry *Registry, cfg RelayConfig, log *slog.Logger, m *metrics.Metrics) *SegmentRelay {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &SegmentRelay{up: up, registry: registry, cfg: cfg, log: log, metrics: m}
}

// Resolve returns the upstream reference for req using the session's
// current upstream id and device id. Query values naming either are
// overridden.
func (r *SegmentRelay) Resolve(req SegmentRequest) (string, error) {
	if req.ItemID == "" || req.GeneratedSessionID == "" || req.Label == "" {
		return "", badRequest("Missing 'videoId', 'genSessionId', or 'label' query parameter")
	}
	if !validRelativePath(req.Path) {
		return "", badRequest("Invalid segment path")
	}

	res, err := r.registry.Resolve(req.GeneratedSessionID, req.ItemID, NewRenditionKey(req.Label, req.AudioTrack))
	if err != nil {
		return "", err
	}

	q := upstreamParams(req.Query)
	q.Set("PlaySessionId", res.UpstreamSessionID)
	q.Set("DeviceId", res.DeviceID)

	return "/videos/" + url.PathEscape(req.ItemID) + "/" + req.Path + "?" + q.Encode(), nil
}

// Open resolves req and fetches the segment, retrying with a fixed delay
// while the upstream answers 404. Other statuses fail at once as
// *upstream.StatusError. On success the caller owns the response body.
// Cancelling ctx aborts both the wait and the transfer.
func (r *SegmentRelay) Open(ctx context.Context, req SegmentRequest) (*http.Response, error) {
	ref, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}

	resp, err := retry.DoWithData(
		func() (*http.Response, error) {
			return r.fetchOnce(ctx, ref)
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.Attempts)),
		retry.Delay(r.cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(segmentNotReady),
		retry.OnRetry(func(n uint, err error) {
			// retry-go also calls this after the last attempt.
			if int(n)+1 >= r.cfg.Attempts {
				return
			}
			r.metrics.IncSegmentRetries()
			r.log.Debug("segment not ready, retrying",
				"path", req.Path,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		r.metrics.IncSegmentRelays(metrics.ResultFailed)
		return nil, err
	}
	return resp, nil
}

func (r *SegmentRelay) fetchOnce(ctx context.Context, ref string) (*http.Response, error) {
	resp, err := r.up.FetchSegment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil, &upstream.StatusError{Op: "fetch segment", StatusCode: resp.StatusCode, Status: resp.Status}
}

func segmentNotReady(err error) bool {
	var se *upstream.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Stream copies an opened segment to w and closes the upstream body.
// Content type and length are preserved.
func (r *SegmentRelay) Stream(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp2t"
	}
	w.Header().Set("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, resp.Body); err != nil {
		r.metrics.IncSegmentRelays(metrics.ResultFailed)
		return err
	}
	r.metrics.IncSegmentRelays(metrics.ResultOK)
	return nil
}
