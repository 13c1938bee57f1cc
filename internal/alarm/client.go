package alarm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SysModelVersion is the system model version we announce to the
// notification server.
const SysModelVersion = 73

const defaultHTTPTimeout = 20 * time.Second

// Client fetches missed-notification records from the push origin.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: defaultHTTPTimeout}}
}

// FetchMissed retrieves the missed-notification record for this device.
// The push identifier is addressed in the URL path as unpadded base64url.
// Returns ErrNotFound when the server holds no record, ErrNotAuthenticated
// on a credential rejection for userID, and a SuspensionError when the
// server asks us to back off.
func (c *Client) FetchMissed(ctx context.Context, origin, pushIdentifier, userID, lastProcessedID string) (*MissedNotification, error) {
	url := origin + "/rest/sys/missednotification/" +
		base64.RawURLEncoding.EncodeToString([]byte(pushIdentifier))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build missed notification request: %w", err)
	}
	req.Header.Set("v", strconv.Itoa(SysModelVersion))
	req.Header.Set("userId", userID)
	if lastProcessedID != "" {
		req.Header.Set("lastProcessedNotificationId", lastProcessedID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch missed notifications: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read missed notification response: %w", err)
		}
		return DecodeMissedNotification(body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		return nil, ErrNotAuthenticated
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, &SuspensionError{RetryAfter: retryAfter(resp)}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
}

const defaultSuspensionDelay = 10 * time.Second

// retryAfter reads the server's requested backoff in seconds, falling back
// to a conservative default when the header is absent or unreadable.
func retryAfter(resp *http.Response) time.Duration {
	for _, header := range []string{"Retry-After", "Suspension-Time"} {
		if v := resp.Header.Get(header); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultSuspensionDelay
}
