package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Payload is the human-facing content of a push alert.
type Payload struct {
	Title string
	Body  string
}

type apsWrapper struct {
	Aps apsBody `json:"aps"`
}

type apsBody struct {
	Alert apsAlert `json:"alert"`
	Sound string   `json:"sound"`
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Client posts alerts to APNs. Go's default http.Transport negotiates
// HTTP/2 over TLS automatically when the server offers it via ALPN, which
// APNs does, so no separate HTTP/2 client library is needed.
type Client struct {
	httpClient *http.Client
	tokens     *ProviderTokenSource
	topic      string
	endpoint   string
}

// NewClient builds an APNs client. endpoint is the provider API host,
// e.g. https://api.push.apple.com or https://api.sandbox.push.apple.com.
func NewClient(tokens *ProviderTokenSource, bundleID, endpoint string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		topic:      bundleID,
		endpoint:   endpoint,
	}
}

// Send delivers a single alert to deviceToken.
func (c *Client) Send(ctx context.Context, deviceToken string, payload Payload) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("apns provider token: %w", err)
	}

	body, err := json.Marshal(apsWrapper{Aps: apsBody{
		Alert: apsAlert{Title: payload.Title, Body: payload.Body},
		Sound: "default",
	}})
	if err != nil {
		return fmt.Errorf("marshal apns payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", c.endpoint, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apns request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("apns rejected push: status %d", resp.StatusCode)
	}
	return nil
}
