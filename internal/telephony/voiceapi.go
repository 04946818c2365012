package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voice-campaigns/pkg/utils"
)

// VoiceAPIConfig configures VoiceAPIClient.
// APIKey must not be logged.
type VoiceAPIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// VoiceAPIClient places outbound agent calls through a hosted voice-agent API
// (JSON over HTTPS, bearer API key).
type VoiceAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewVoiceAPIClient(cfg VoiceAPIConfig) *VoiceAPIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VoiceAPIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *VoiceAPIClient) Name() string { return "voiceapi" }

// HealthCheck only validates local configuration; the provider exposes no
// unauthenticated ping.
func (c *VoiceAPIClient) HealthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("telephony: voiceapi base url not configured")
	}
	if c.apiKey == "" {
		return errors.New("telephony: voiceapi api key not configured")
	}
	return nil
}

type voiceAPICallRequest struct {
	AssistantID   string            `json:"assistantId"`
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      voiceAPICustomer  `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type voiceAPICustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type voiceAPICallResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// maxErrorBody caps how much of an error response is kept for LastError.
const maxErrorBody = 512

func (c *VoiceAPIClient) CreateOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error) {
	if err := req.Validate(); err != nil {
		return OutboundCallResult{}, err
	}
	if err := c.HealthCheck(ctx); err != nil {
		return OutboundCallResult{}, err
	}

	body := voiceAPICallRequest{
		AssistantID:   req.AgentExternalID,
		PhoneNumberID: req.PhoneNumberID,
		Customer: voiceAPICustomer{
			Number: req.CustomerNumber,
			Name:   req.CustomerName,
		},
		Metadata: map[string]string{
			"workspace_id": req.WorkspaceID,
			"campaign_id":  req.CampaignID,
			"recipient_id": req.RecipientID,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("telephony: marshal call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("telephony: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("telephony: voiceapi request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("telephony: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := utils.TruncateUTF8(string(raw), maxErrorBody)
		return OutboundCallResult{}, &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Body: msg}
	}

	var out voiceAPICallResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return OutboundCallResult{}, fmt.Errorf("telephony: decode response: %w", err)
	}
	if out.ID == "" {
		return OutboundCallResult{}, ErrEmptyCallID
	}
	return OutboundCallResult{CallID: out.ID}, nil
}
