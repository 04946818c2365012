package telephony

import (
	"context"
	"errors"
	"fmt"
)

// OutboundProvider is the provider-agnostic interface the campaign engine
// dials through.
//
// Rules:
// - No provider SDK or HTTP calls outside telephony adapters.
// - CreateOutboundCall must honor ctx cancellation; the dispatcher enforces a
//   per-call deadline through it.
type OutboundProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error)
}

// BatchTerminator is implemented by providers that can stop every call they
// placed for a campaign in one request.
type BatchTerminator interface {
	TerminateBatch(ctx context.Context, workspaceID, campaignID string) error
}

// OutboundCallRequest asks the provider to dial one customer and connect the
// configured agent.
type OutboundCallRequest struct {
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`

	// AgentExternalID is the agent identifier on the provider side.
	AgentExternalID string `json:"agent_external_id"`
	// PhoneNumberID is the caller-id resource (provider id or E.164).
	PhoneNumberID string `json:"phone_number_id"`

	// CustomerNumber is E.164.
	CustomerNumber string `json:"customer_number"`
	CustomerName   string `json:"customer_name,omitempty"`
}

func (r OutboundCallRequest) Validate() error {
	switch {
	case r.AgentExternalID == "":
		return fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	case r.PhoneNumberID == "":
		return fmt.Errorf("%w: phone number id is required", ErrInvalidRequest)
	case r.CustomerNumber == "":
		return fmt.Errorf("%w: customer number is required", ErrInvalidRequest)
	}
	return nil
}

// OutboundCallResult carries the provider call id used to correlate the
// completion callback.
type OutboundCallResult struct {
	CallID string `json:"call_id"`
}

// CallOutcome is the provider-agnostic final result of a call.
type CallOutcome string

const (
	CallOutcomeAnswered CallOutcome = "answered"
	CallOutcomeNoAnswer CallOutcome = "no_answer"
	CallOutcomeBusy     CallOutcome = "busy"
	CallOutcomeFailed   CallOutcome = "failed"
)

func (o CallOutcome) Valid() bool {
	switch o {
	case CallOutcomeAnswered, CallOutcomeNoAnswer, CallOutcomeBusy, CallOutcomeFailed:
		return true
	default:
		return false
	}
}

// CallCompletion is a normalized call-completion signal from any provider.
type CallCompletion struct {
	ProviderCallID string      `json:"call_id" binding:"required"`
	Outcome        CallOutcome `json:"outcome" binding:"required"`
	// Reason is the provider's free-form end reason, if any.
	Reason string `json:"reason,omitempty"`
}

var (
	ErrInvalidRequest = errors.New("telephony: invalid request")
	ErrEmptyCallID    = errors.New("telephony: provider returned no call id")
)

// APIError is a non-2xx response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telephony: %s api returned %d: %s", e.Provider, e.StatusCode, e.Body)
}
