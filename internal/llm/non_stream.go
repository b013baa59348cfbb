package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tokenrelay-gateway/pkg/types"
)

const maxResponseSize = 16 * 1024 * 1024

// Fetch performs one non-incremental generation call and decodes the whole
// answer at once.
func (c *Client) Fetch(ctx context.Context, shape types.Shape, body []byte, dec Decoder) (types.TokenBatch, error) {
	start := time.Now()

	resp, err := c.post(ctx, shape, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", types.ErrUpstreamUnavailable, err)
	}

	tokens, err := dec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
	}

	c.logger.Debug("upstream fetch completed",
		zap.Int("tokens", len(tokens)),
		zap.Duration("duration", time.Since(start)),
	)
	return tokens, nil
}

// Models fetches the backend's model listing verbatim.
func (c *Client) Models(ctx context.Context) ([]byte, error) {
	url := c.cfg.BaseURL + c.cfg.ModelsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("llmclient: build models request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read models: %w", types.ErrUpstreamUnavailable, err)
	}
	return raw, nil
}
