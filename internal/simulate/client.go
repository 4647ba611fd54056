package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// outcome of one submitted event.
type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeFailed
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client wraps http.Client with the service routes.
type client struct {
	http    *http.Client
	baseURL string
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (c *client) sessionURL(id, suffix string) string {
	return c.baseURL + "/sessions/" + url.PathEscape(id) + suffix
}

// health verifies the service answers on /healthz.
func (c *client) health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// postEvent submits ev and reports the outcome plus the rejection code.
func (c *client) postEvent(ctx context.Context, ev model.Event) (outcome, string) {
	body, err := model.EncodeEvent(ev)
	if err != nil {
		return outcomeFailed, ""
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/events", body)
	if err != nil {
		return outcomeFailed, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return outcomeAccepted, ""
	}
	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
		eb.Code = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return outcomeFailed, eb.Code
	}
	return outcomeRejected, eb.Code
}

// endSession sends the end signal for id.
func (c *client) endSession(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, c.sessionURL(id, "/end"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("end session %s returned %d", id, resp.StatusCode)
	}
	return nil
}

// summary fetches the summary of id; found is false while it is pending.
func (c *client) summary(ctx context.Context, id string) (model.Summary, bool, error) {
	var sum model.Summary
	resp, err := c.do(ctx, http.MethodGet, c.sessionURL(id, "/summary"), nil)
	if err != nil {
		return sum, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
			return sum, false, fmt.Errorf("decode summary: %w", err)
		}
		return sum, true, nil
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return sum, false, nil
	}
	return sum, false, fmt.Errorf("summary %s returned %d", id, resp.StatusCode)
}

func (c *client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}
