package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"txrelay/internal/peer"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	pushPath           = "/push"
	maxAckBody         = 4 << 10
	defaultHTTPTimeout = 30 * time.Second
)

// HTTPClient pushes envelopes to http:// and https:// peers with
// POST {peer}/push. Like Client, each call is a single attempt.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{client: client}
}

func (c *HTTPClient) Push(ctx context.Context, p peer.Peer, encoded []byte) error {
	if p.URI == nil || (p.URI.Scheme != SchemeHTTP && p.URI.Scheme != SchemeHTTPS) {
		return fmt.Errorf("http client cannot reach %q", p.String())
	}
	u := *p.URI
	u.Path = strings.TrimRight(u.Path, "/") + pushPath
	u.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: http %d: %s", ErrRemote, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
