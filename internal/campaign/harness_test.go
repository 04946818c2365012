package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"voice-campaigns/internal/telephony"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *memAudit) LogCampaignEvent(ctx context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Action
	}
	return out
}

type harness struct {
	repo     *MemoryRepo
	provider *telephony.SimulatedProvider
	audit    *memAudit
	clock    *fakeClock
	svc      *Service
	proc     *Processor
}

// Monday 2024-01-15 10:00 UTC.
var monday10 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func testDefaults() DispatchConfig {
	return DispatchConfig{
		ConcurrencyLimit: 20,
		ChunkSize:        20,
		MaxAttempts:      3,
		CallTimeout:      2 * time.Second,
		LeaseTTL:         time.Minute,
		PhoneNumberID:    "pn-default",
	}
}

func newHarness(t *testing.T, opts ...ProcessorOption) *harness {
	t.Helper()
	h := &harness{
		repo:     NewMemoryRepo(),
		provider: telephony.NewSimulatedProvider(),
		audit:    &memAudit{},
		clock:    newFakeClock(monday10),
	}
	h.svc = NewService(h.repo, h.provider, h.audit, nil, ServiceConfig{Defaults: testDefaults(), PhoneRegion: "US"})
	h.svc.clock = h.clock.Now
	h.proc = NewProcessor(h.repo, NewDispatcher(h.provider, nil), append([]ProcessorOption{WithClock(h.clock.Now)}, opts...)...)
	return h
}

// phoneAt returns distinct valid US numbers.
func phoneAt(i int) string { return fmt.Sprintf("+1650253%04d", i) }

func (h *harness) draft(t *testing.T, ws string, n int, settings Settings) Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := h.svc.Create(ctx, ws, NewCampaign{Name: "spring outreach", AgentID: "agent-1", AgentExternalID: "asst-1", Settings: settings})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	in := make([]RecipientInput, n)
	for i := range in {
		in[i] = RecipientInput{PhoneNumber: phoneAt(i), FirstName: "R", LastName: fmt.Sprint(i)}
	}
	if n > 0 {
		rep, err := h.svc.AddRecipients(ctx, ws, c.ID, in)
		if err != nil {
			t.Fatalf("add recipients: %v", err)
		}
		if rep.Imported != n {
			t.Fatalf("expected %d imported, got %+v", n, rep)
		}
	}
	return c
}

func (h *harness) started(t *testing.T, ws string, n int, settings Settings) Campaign {
	t.Helper()
	c := h.draft(t, ws, n, settings)
	c, err := h.svc.Start(context.Background(), ws, c.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

// drain invokes the processor until it stops asking for more, advancing the
// fake clock to each requested NextProcessAt.
func (h *harness) drain(t *testing.T, campaignID string, maxInvocations int) []ChunkResponse {
	t.Helper()
	var out []ChunkResponse
	for i := 0; i < maxInvocations; i++ {
		resp, err := h.proc.ProcessNextChunk(context.Background(), campaignID)
		if err != nil {
			t.Fatalf("invocation %d: %v", i, err)
		}
		out = append(out, resp)
		if !resp.HasMore {
			return out
		}
		if resp.NextProcessAt != nil && resp.NextProcessAt.After(h.clock.Now()) {
			h.clock.Advance(resp.NextProcessAt.Sub(h.clock.Now()))
		}
	}
	t.Fatalf("still has more after %d invocations", maxInvocations)
	return out
}
