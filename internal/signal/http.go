package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/pkg/proto"
)

// HTTPSource polls the coordinator for the rolling upgrade status of every
// pool this node serves. The coordinator repeats the status on every poll, so
// each open window is delivered again and again until it changes.
type HTTPSource struct {
	baseURL   string
	authToken string
	nodeName  string
	client    *http.Client
}

// NewHTTPSource creates a source polling the coordinator at baseURL.
func NewHTTPSource(baseURL, authToken, nodeName string) *HTTPSource {
	return &HTTPSource{
		baseURL:   baseURL,
		authToken: authToken,
		nodeName:  nodeName,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Poll fetches the current status and converts it into signals. Pools with no
// upgrade in progress produce no signal.
func (s *HTTPSource) Poll(ctx context.Context) ([]Signal, error) {
	path := "/api/v1/rolling-upgrade?node=" + url.QueryEscape(s.nodeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.authToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll rolling upgrade: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result proto.RollingUpgradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sigs := make([]Signal, 0, len(result.Pools))
	for _, p := range result.Pools {
		if p.Status == proto.UpgradeStatusNone {
			continue
		}
		pool := block.PoolID(p.BlockPoolID)
		if err := pool.Validate(); err != nil {
			log.Warn().Err(err).Str("pool", p.BlockPoolID).Msg("ignoring upgrade status for invalid pool")
			continue
		}
		kind, err := ParseKind(p.Status)
		if err != nil {
			log.Warn().Err(err).Str("pool", p.BlockPoolID).Msg("ignoring unknown upgrade status")
			continue
		}
		sigs = append(sigs, Signal{Pool: pool, Kind: kind})
	}
	return sigs, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
