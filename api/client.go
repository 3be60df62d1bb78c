package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// ControlClient lets a separate process drive the stream endpoints of the
// serve process. The evaluate command uses it to stop decided accounts.
type ControlClient struct {
	http *resty.Client
}

func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ControlClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetHeader("Accept", "application/json"),
	}
}

func (c *ControlClient) StopStream(ctx context.Context, externalID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/v1/streams/" + url.PathEscape(externalID) + "/stop")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("stop stream: %s: %s", resp.Status(), apiErr.Error)
	}
	return out.Stopped, nil
}
