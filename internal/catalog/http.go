package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/fsindex"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/pkg/proto"
)

// RetryConfig configures retry behavior for ownership queries.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 200ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 2s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPOracle queries a catalog service over HTTP. A relation's owner is
// fetched with GET /api/v1/relations/{space}/{tenant}/{object}/owner;
// 404 means the relation is not in the catalog.
type HTTPOracle struct {
	baseURL   string
	authToken string
	retry     RetryConfig
	client    *http.Client
}

// NewHTTPOracle creates an oracle client for the catalog service.
func NewHTTPOracle(baseURL, authToken string) *HTTPOracle {
	return &HTTPOracle{
		baseURL:   baseURL,
		authToken: authToken,
		retry:     DefaultRetryConfig(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetRetryConfig overrides the default retry behavior.
func (o *HTTPOracle) SetRetryConfig(cfg RetryConfig) {
	o.retry = cfg
}

// Owner resolves the owning principal of rel. Transient transport
// errors are retried with exponential backoff before the query is
// reported as failed.
func (o *HTTPOracle) Owner(ctx context.Context, rel fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	backoff := o.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= o.retry.MaxRetries; attempt++ {
		owner, found, err := o.query(ctx, rel)
		if err == nil {
			return owner, found, nil
		}
		lastErr = err

		if attempt == o.retry.MaxRetries {
			break
		}

		log.Debug().
			Err(err).
			Str("relation", rel.String()).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Ownership query failed, retrying")

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > o.retry.MaxBackoff {
			backoff = o.retry.MaxBackoff
		}
	}

	return 0, false, fmt.Errorf("query owner of %s after %d attempts: %w", rel, o.retry.MaxRetries, lastErr)
}

func (o *HTTPOracle) query(ctx context.Context, rel fsindex.RelationID) (ledger.PrincipalID, bool, error) {
	url := fmt.Sprintf("%s/api/v1/relations/%d/%d/%d/owner", o.baseURL, rel.Space, rel.Tenant, rel.Object)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.authToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var result proto.OwnerResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return 0, false, fmt.Errorf("decode response: %w", err)
		}
		return ledger.PrincipalID(result.Owner), true, nil
	case http.StatusNotFound:
		return 0, false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return 0, false, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
}
