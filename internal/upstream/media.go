package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// FetchManifest returns the text of the HLS playlist at ref.
func (c *Client) FetchManifest(ctx context.Context, ref string) (string, error) {
	b, err := c.fetch(ctx, "fetch manifest", http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FetchSegment starts a segment download. The response is returned whatever
// its status so callers can act on "not produced yet" answers; the caller
// must close the body. Transport failures match ErrUnavailable.
func (c *Client) FetchSegment(ctx context.Context, ref string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	// Keep Content-Length intact for the relay.
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch segment: %w: %w", ErrUnavailable, err)
	}
	return resp, nil
}

// CancelTranscode stops the encoder identified by deviceID and playSessionID.
func (c *Client) CancelTranscode(ctx context.Context, deviceID, playSessionID string) error {
	q := url.Values{}
	q.Set("DeviceId", deviceID)
	q.Set("PlaySessionId", playSessionID)
	_, err := c.fetch(ctx, "cancel transcode", http.MethodDelete, "/Videos/ActiveEncodings?"+q.Encode(), nil)
	return err
}

// FetchSubtitle returns one subtitle stream converted to format (e.g. "vtt").
func (c *Client) FetchSubtitle(ctx context.Context, itemID, mediaSourceID string, index int, format string) (string, error) {
	ref := fmt.Sprintf("/Items/%s/%s/Subtitles/%s/Stream.%s",
		url.PathEscape(itemID), url.PathEscape(mediaSourceID), strconv.Itoa(index), url.PathEscape(format))
	b, err := c.fetch(ctx, "fetch subtitle", http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
