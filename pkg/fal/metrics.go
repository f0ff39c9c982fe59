package fal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/splax/pipewatch/pkg/metrics"
)

// FetchMetrics polls the metrics endpoint once.
func (c *Client) FetchMetrics(ctx context.Context) (metrics.Snapshot, error) {
	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/metrics", nil)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	if msg, ok := upstreamError(raw); ok {
		return metrics.Snapshot{}, fmt.Errorf("%w: %s", ErrUpstream, msg)
	}
	snap, err := metrics.Decode(raw, c.now())
	if err != nil {
		if errors.Is(err, metrics.ErrMalformed) {
			return metrics.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return metrics.Snapshot{}, err
	}
	return snap, nil
}
