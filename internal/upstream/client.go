// Package upstream is a typed client for the Emby-compatible media server the
// proxy fronts. It covers playback negotiation, HLS manifest and segment
// fetches, transcode cancellation, item metadata and playback reporting.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// ErrUnavailable is matched by every failure to reach the media server or
// obtain a 2xx answer from it.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError reports a non-2xx answer. It matches ErrUnavailable.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned %s", e.Op, e.Status)
}

// Is reports ErrUnavailable as a match.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnavailable
}

// StatusText is the reason phrase without the numeric code.
func (e *StatusError) StatusText() string {
	if text := http.StatusText(e.StatusCode); text != "" {
		return text
	}
	return strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprint(e.StatusCode)))
}

const (
	headerToken          = "X-Emby-Token"
	defaultTimeout       = 15 * time.Second
	acceptEncodingHeader = "br, gzip"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server root including any path prefix, e.g. http://emby:8096/emby.
	BaseURL string
	Token   string
	UserID  string

	// Timeout bounds metadata and manifest calls and the wait for segment
	// response headers. Segment bodies are bounded only by the caller's context.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client talks to the media server.
type Client struct {
	baseURL string
	token   string
	userID  string
	api     *http.Client
	stream  *http.Client
	log     *slog.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		userID:  cfg.UserID,
		api:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		stream:  &http.Client{Transport: transport},
		log:     cfg.Logger,
	}
}

// URL resolves ref against the server root. Absolute http(s) references are
// returned unchanged.
func (c *Client) URL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return c.baseURL + "/" + strings.TrimPrefix(ref, "/")
}

func (c *Client) newRequest(ctx context.Context, method, ref string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(ref), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(headerToken, c.token)
	return req, nil
}

// do executes req on hc and converts transport failures and non-2xx answers
// into ErrUnavailable-matching errors. On success the caller owns resp.Body.
func (c *Client) do(hc *http.Client, op string, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		c.log.Debug("upstream non-2xx",
			slog.String("op", op),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// readBody returns the decoded body of a response requested with Accept-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// fetch performs a metadata-style call and returns the decoded body.
func (c *Client) fetch(ctx context.Context, op, method, ref string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding body: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, ref, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", acceptEncodingHeader)

	resp, err := c.do(c.api, op, req)
	if err != nil {
		return nil, err
	}
	b, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: reading body: %w", op, ErrUnavailable, err)
	}
	return b, nil
}

func (c *Client) fetchJSON(ctx context.Context, op, method, ref string, in, out any) error {
	b, err := c.fetch(ctx, op, method, ref, in)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: %w: decoding body: %w", op, ErrUnavailable, err)
	}
	return nil
}
