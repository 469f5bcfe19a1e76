// Package exchange implements the REST client for the venue's info endpoint
// and normalizes its snapshot responses into display-ready market records.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketfeed/internal/models"
	"marketfeed/internal/ratelimit"
	"marketfeed/logger"
)

const infoPath = "/info"

// Client talks to the venue's HTTP API. All calls acquire rate-limit tokens
// before touching the network and surface failures as *models.APIError.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *ratelimit.Bucket
	log        *logger.Log
}

// NewClient builds a REST client. The limiter is shared with any other
// callers hitting the same venue from this process.
func NewClient(baseURL string, timeout time.Duration, limiter *ratelimit.Bucket) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    limiter,
		log:        logger.GetLogger(),
	}
}

// doInfo posts one info query and decodes the response body into out.
func (c *Client) doInfo(ctx context.Context, queryType string, out interface{}) error {
	if err := c.limiter.WaitForTokens(ctx, ratelimit.ClassInfo, 1); err != nil {
		return err
	}

	endpoint := infoPath
	body, err := json.Marshal(infoRequest{Type: queryType})
	if err != nil {
		return models.NewAPIError(models.CodeBadResponse, endpoint, fmt.Sprintf("encode request: %v", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return models.NewAPIError(models.CodeNetwork, endpoint, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			apiErr := models.NewAPIError(models.CodeTimeout, endpoint,
				fmt.Sprintf("request timeout after %s", c.timeout))
			c.log.WithComponent("rest_client").WithError(apiErr).Warn("request timed out")
			return apiErr
		}
		return models.NewAPIError(models.CodeNetwork, endpoint, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewAPIError(fmt.Sprintf("%d", resp.StatusCode), endpoint,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewAPIError(models.CodeNetwork, endpoint, err.Error())
	}
	logger.IncrementSnapshotRead(len(data))
	if err := json.Unmarshal(data, out); err != nil {
		return models.NewAPIError(models.CodeBadResponse, endpoint,
			fmt.Sprintf("decode %s response: %v", queryType, err))
	}
	return nil
}

// decodeEnvelope splits the two-element positional [metadata, contexts]
// response and reports which section was malformed.
func decodeEnvelope(raw []json.RawMessage, queryType string, meta, ctxs interface{}) *models.APIError {
	if len(raw) != 2 {
		return models.NewAPIError(models.CodeBadResponse, infoPath,
			fmt.Sprintf("%s: expected [metadata, contexts] envelope, got %d sections", queryType, len(raw)))
	}
	if err := json.Unmarshal(raw[0], meta); err != nil {
		return models.NewAPIError(models.CodeBadResponse, infoPath,
			fmt.Sprintf("%s: invalid metadata section: %v", queryType, err))
	}
	if err := json.Unmarshal(raw[1], ctxs); err != nil {
		return models.NewAPIError(models.CodeBadResponse, infoPath,
			fmt.Sprintf("%s: invalid asset context section: %v", queryType, err))
	}
	return nil
}

// FetchPerpMarkets retrieves and normalizes the perpetual snapshot, sorted
// descending by 24h volume.
func (c *Client) FetchPerpMarkets(ctx context.Context) ([]models.PerpMarket, error) {
	var raw []json.RawMessage
	if err := c.doInfo(ctx, queryPerpMetaAndCtxs, &raw); err != nil {
		return nil, err
	}

	var meta PerpMeta
	var ctxs []PerpAssetCtx
	if apiErr := decodeEnvelope(raw, queryPerpMetaAndCtxs, &meta, &ctxs); apiErr != nil {
		return nil, apiErr
	}
	if meta.Universe == nil {
		return nil, models.NewAPIError(models.CodeBadResponse, infoPath,
			"metaAndAssetCtxs: missing universe in metadata")
	}

	markets := normalizePerpMarkets(meta, ctxs, c.log)
	c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"markets": len(markets),
		"query":   queryPerpMetaAndCtxs,
	}).Debug("perp snapshot fetched")
	return markets, nil
}

// FetchSpotMarkets retrieves and normalizes the spot snapshot, sorted
// descending by 24h volume.
func (c *Client) FetchSpotMarkets(ctx context.Context) ([]models.SpotMarket, error) {
	var raw []json.RawMessage
	if err := c.doInfo(ctx, querySpotMetaAndCtxs, &raw); err != nil {
		return nil, err
	}

	var meta SpotMeta
	var ctxs []SpotAssetCtx
	if apiErr := decodeEnvelope(raw, querySpotMetaAndCtxs, &meta, &ctxs); apiErr != nil {
		return nil, apiErr
	}
	if meta.Universe == nil {
		return nil, models.NewAPIError(models.CodeBadResponse, infoPath,
			"spotMetaAndAssetCtxs: missing universe in metadata")
	}
	if meta.Tokens == nil {
		return nil, models.NewAPIError(models.CodeBadResponse, infoPath,
			"spotMetaAndAssetCtxs: missing tokens in metadata")
	}

	markets := normalizeSpotMarkets(meta, ctxs, c.log)
	c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"markets": len(markets),
		"query":   querySpotMetaAndCtxs,
	}).Debug("spot snapshot fetched")
	return markets, nil
}

// FetchSpotMeta retrieves the bare spot metadata without pricing contexts.
func (c *Client) FetchSpotMeta(ctx context.Context) (*SpotMeta, error) {
	var meta SpotMeta
	if err := c.doInfo(ctx, querySpotMeta, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// HealthCheck reports whether the venue answers the perpetual metadata query.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.FetchPerpMarkets(ctx)
	return err == nil
}
