package telephony

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SimulatedProvider accepts every call without dialing. It backs local runs
// and tests; Fail and Delay let tests script provider behavior per number.
type SimulatedProvider struct {
	// Fail, when set, decides whether a request is rejected.
	Fail func(req OutboundCallRequest) error
	// Delay is applied before answering; it honors ctx cancellation.
	Delay time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	mu    sync.Mutex
	calls []OutboundCallRequest
}

func NewSimulatedProvider() *SimulatedProvider { return &SimulatedProvider{} }

func (p *SimulatedProvider) Name() string { return "simulated" }

func (p *SimulatedProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *SimulatedProvider) CreateOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return OutboundCallResult{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := req.Validate(); err != nil {
		return OutboundCallResult{}, err
	}
	if p.Fail != nil {
		if err := p.Fail(req); err != nil {
			return OutboundCallResult{}, err
		}
	}
	return OutboundCallResult{CallID: "sim-" + uuid.NewString()}, nil
}

// Calls returns every request received so far.
func (p *SimulatedProvider) Calls() []OutboundCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OutboundCallRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// MaxInFlight is the highest number of concurrent CreateOutboundCall calls seen.
func (p *SimulatedProvider) MaxInFlight() int { return int(p.maxInFlight.Load()) }
