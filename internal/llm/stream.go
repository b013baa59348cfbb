package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"tokenrelay-gateway/pkg/types"
)

const maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload

type backendErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream posts body to the backend path for shape and returns the raw
// response body once a 2xx status is received. The caller owns the body.
// Any failure to get there wraps types.ErrUpstreamUnavailable.
func (c *Client) Stream(ctx context.Context, shape types.Shape, body []byte) (io.ReadCloser, error) {
	resp, err := c.post(ctx, shape, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, shape types.Shape, body []byte) (*http.Response, error) {
	if len(body) > maxRequestSize {
		return nil, fmt.Errorf("llmclient: request too large (%d bytes, max %d)", len(body), maxRequestSize)
	}

	url := c.cfg.BaseURL + c.cfg.pathFor(shape)

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llmclient: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.connectWithRetry(ctx, body, doOnce)
	if err != nil {
		c.logger.Error("upstream connect failed",
			zap.String("url", url),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var berr backendErrorResponse
	if err := json.Unmarshal(body, &berr); err == nil && berr.Error.Message != "" {
		c.logger.Error("upstream provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", berr.Error.Type),
			zap.String("error_message", berr.Error.Message),
		)
		return fmt.Errorf("%w: upstream %d: %s (%s)",
			types.ErrUpstreamUnavailable, resp.StatusCode, berr.Error.Message, berr.Error.Type)
	}

	c.logger.Error("upstream error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return fmt.Errorf("%w: upstream %d: %s",
		types.ErrUpstreamUnavailable, resp.StatusCode, truncate(string(body), 200))
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
