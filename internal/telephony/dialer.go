package telephony

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"campaign-dialer/internal/config"
)

// Lead identifies one contact to dial.
type Lead struct {
	ID       string `json:"lead_id"`
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// Dialer places calls with the telephony provider. Placing a call is
// fire-and-forget: the terminal outcome arrives later via webhook.
type Dialer interface {
	PlaceCall(ctx context.Context, lead Lead) (callRef string, err error)
	AbortCall(ctx context.Context, callRef string) error
}

// ProviderClient is the HTTP implementation of Dialer.
type ProviderClient struct {
	http *resty.Client
}

type placeCallResponse struct {
	CallReference string `json:"call_reference"`
}

// NewProviderClient builds a client against the provider REST API.
func NewProviderClient(cfg config.Config) *ProviderClient {
	client := resty.New().
		SetBaseURL(cfg.TelephonyBaseURL).
		SetTimeout(cfg.TelephonyTimeout)
	if cfg.TelephonyToken != "" {
		client.SetAuthToken(cfg.TelephonyToken)
	}
	return &ProviderClient{http: client}
}

// PlaceCall asks the provider to dial the lead and returns its call reference.
func (c *ProviderClient) PlaceCall(ctx context.Context, lead Lead) (string, error) {
	var out placeCallResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(lead).
		SetResult(&out).
		Post("/v1/calls")
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return "", fmt.Errorf("place call: provider returned %d", resp.StatusCode())
	}
	if out.CallReference == "" {
		return "", fmt.Errorf("place call: provider returned no call reference")
	}
	return out.CallReference, nil
}

// AbortCall requests a best-effort hangup of an in-flight call.
func (c *ProviderClient) AbortCall(ctx context.Context, callRef string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/v1/calls/" + callRef + "/abort")
	if err != nil {
		return fmt.Errorf("abort call: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("abort call: provider returned %d", resp.StatusCode())
	}
	return nil
}
