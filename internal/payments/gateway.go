// Package payments wraps the external payment provider. The core only
// needs two things from it: create a charge for a new goal's stake, and
// accept the provider's charge-completed webhook events.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable marks transport failures and provider 5xx responses,
// as opposed to the provider rejecting the charge itself.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Charge is the provider's handle for a pending stake payment. The
// PaymentURL is handed back to the user (QR code page, checkout link).
type Charge struct {
	ChargeID   string `json:"chargeId"`
	PaymentURL string `json:"paymentUrl"`
}

type ChargeRequest struct {
	GoalID      uuid.UUID `json:"goalId"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
}

// ChargeEvent is a provider webhook notification. Only completed
// charges matter to the core; everything else is ignored.
type ChargeEvent struct {
	Key      string `json:"key"`
	ChargeID string `json:"chargeId"`
	GoalID   string `json:"goalId"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

// Completed reports whether the event signals a successful charge.
func (e ChargeEvent) Completed() bool {
	return e.Key == "charge.complete" && e.Status == "successful"
}

type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

type HTTPGatewayConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPGateway talks to the payment provider's charge API with bounded
// retries.
type HTTPGateway struct {
	baseURL string
	path    string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment gateway base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/charges"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPGateway{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (g *HTTPGateway) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Charge{}, fmt.Errorf("gateway marshal request: %w", err)
	}

	attempts := g.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Charge{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+g.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Charge{}, fmt.Errorf("gateway build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if g.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
		}
		resp, err := g.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		} else {
			charge, parseErr := decodeCharge(resp)
			resp.Body.Close()
			if parseErr == nil {
				return charge, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Charge{}, fmt.Errorf("create charge failed: %w", lastErr)
}

func decodeCharge(resp *http.Response) (Charge, error) {
	if resp.StatusCode >= 500 {
		return Charge{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Charge{}, fmt.Errorf("payment gateway rejected charge: %s", resp.Status)
	}
	var charge Charge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return Charge{}, fmt.Errorf("payment gateway decode response: %w", err)
	}
	if charge.ChargeID == "" {
		return Charge{}, fmt.Errorf("payment gateway response missing charge id")
	}
	return charge, nil
}
