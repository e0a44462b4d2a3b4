package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// GetItem returns the item detail record for the configured user.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	ref := fmt.Sprintf("/Users/%s/Items/%s?fields=ShareLevel,MediaSources,MediaStreams,Chapters",
		url.PathEscape(c.userID), url.PathEscape(itemID))
	b, err := c.fetch(ctx, "get item", http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	item, err := decodeItem(b)
	if err != nil {
		return nil, fmt.Errorf("get item: %w: decoding body: %w", ErrUnavailable, err)
	}
	return item, nil
}

// GetSimilar returns up to twelve items similar to itemID as raw documents.
func (c *Client) GetSimilar(ctx context.Context, itemID string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("limit", "12")
	q.Set("UserId", c.userID)
	q.Set("fields", "ShareLevel")
	q.Set("EnableTotalRecordCount", "false")
	ref := fmt.Sprintf("/Items/%s/Similar?%s", url.PathEscape(itemID), q.Encode())

	var out struct {
		Items []map[string]any `json:"Items"`
	}
	if err := c.fetchJSON(ctx, "get similar", http.MethodGet, ref, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		return []map[string]any{}, nil
	}
	return out.Items, nil
}
