package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-campaigns/internal/telephony"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errUndialable = errors.New("phone number is not dialable E.164")

// DispatchResult is the provider-side result for one recipient.
type DispatchResult struct {
	RecipientID    string
	ExternalCallID string
	Err            error
	// Skipped is set when the call was never attempted because ctx ended first.
	Skipped  bool
	Duration time.Duration
}

// Dispatcher fans one chunk of recipients out to the provider with bounded
// concurrency. A provider error is local to its recipient and never aborts
// the chunk.
type Dispatcher struct {
	provider telephony.OutboundProvider
	metrics  *Metrics
	clock    func() time.Time
}

func NewDispatcher(provider telephony.OutboundProvider, metrics *Metrics) *Dispatcher {
	return &Dispatcher{provider: provider, metrics: metrics, clock: time.Now}
}

// InitiatedFunc is called from the dispatching goroutine as soon as the
// provider accepts a call, before the rest of the chunk has settled.
type InitiatedFunc func(r Recipient, res DispatchResult)

// Dispatch places one call per recipient, at most cfg.ConcurrencyLimit at a
// time. results[i] always belongs to rs[i]. It returns when every call has
// either finished or hit cfg.CallTimeout.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg DispatchConfig, c Campaign, rs []Recipient) []DispatchResult {
	return d.DispatchNotify(ctx, cfg, c, rs, nil)
}

// DispatchNotify is Dispatch with a per-call hook for accepted calls. The
// hook may run concurrently with itself.
func (d *Dispatcher) DispatchNotify(ctx context.Context, cfg DispatchConfig, c Campaign, rs []Recipient, onInitiated InitiatedFunc) []DispatchResult {
	results := make([]DispatchResult, len(rs))
	if len(rs) == 0 {
		return results
	}

	var limiter *rate.Limiter
	if cfg.CallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), max(1, cfg.ConcurrencyLimit))
	}

	var g errgroup.Group
	g.SetLimit(max(1, cfg.ConcurrencyLimit))
	for i, r := range rs {
		g.Go(func() error {
			res := d.dispatchOne(ctx, cfg, c, r, limiter)
			if onInitiated != nil && res.Err == nil && !res.Skipped {
				onInitiated(r, res)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cfg DispatchConfig, c Campaign, r Recipient, limiter *rate.Limiter) DispatchResult {
	res := DispatchResult{RecipientID: r.ID}

	if !isDialable(r.PhoneNumber) {
		res.Err = fmt.Errorf("%w: %q", errUndialable, r.PhoneNumber)
		d.metrics.dispatch("invalid", 0)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err, res.Skipped = err, true
		d.metrics.dispatch("skipped", 0)
		return res
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			res.Err, res.Skipped = err, true
			d.metrics.dispatch("skipped", 0)
			return res
		}
	}

	req := telephony.OutboundCallRequest{
		WorkspaceID:     c.WorkspaceID,
		CampaignID:      c.ID,
		RecipientID:     r.ID,
		AgentExternalID: c.AgentExternalID,
		PhoneNumberID:   cfg.PhoneNumberID,
		CustomerNumber:  r.PhoneNumber,
		CustomerName:    r.DisplayName(),
	}

	start := d.clock()
	callID, err := d.call(ctx, cfg.CallTimeout, req)
	res.Duration = d.clock().Sub(start)
	if err != nil {
		res.Err = err
		d.metrics.dispatch("failed", res.Duration)
		return res
	}
	res.ExternalCallID = callID
	d.metrics.dispatch("initiated", res.Duration)
	return res
}

type callReply struct {
	id  string
	err error
}

// call enforces timeout even against a provider that ignores ctx; the
// abandoned goroutine exits as soon as the provider returns.
func (d *Dispatcher) call(ctx context.Context, timeout time.Duration, req telephony.OutboundCallRequest) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callReply, 1)
	go func() {
		out, err := d.provider.CreateOutboundCall(callCtx, req)
		if err == nil && out.CallID == "" {
			err = telephony.ErrEmptyCallID
		}
		done <- callReply{id: out.CallID, err: err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-callCtx.Done():
		return "", fmt.Errorf("provider call timed out after %s: %w", timeout, callCtx.Err())
	}
}
