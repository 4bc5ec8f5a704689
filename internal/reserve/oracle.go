package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Oracle supplies the custodial holdings figure the verifier audits
// against. Implementations must honor the context deadline.
type Oracle interface {
	CurrentHoldings(ctx context.Context) (int64, error)
}

// HTTPOracle reads holdings from the custodian's balance endpoint.
// Expected response body: {"holdings": <fixed-point int64>}.
type HTTPOracle struct {
	url    string
	client *http.Client
}

func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (o *HTTPOracle) CurrentHoldings(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build holdings request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch holdings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("holdings endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Holdings int64 `json:"holdings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode holdings response: %w", err)
	}

	return body.Holdings, nil
}
