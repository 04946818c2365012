package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voice-campaigns/internal/campaign"
	"voice-campaigns/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	repo     *campaign.MemoryRepo
	provider *telephony.SimulatedProvider
	svc      *campaign.Service
	proc     *campaign.Processor
}

func newStack() *stack {
	st := &stack{repo: campaign.NewMemoryRepo(), provider: telephony.NewSimulatedProvider()}
	defaults := campaign.DispatchConfig{
		ConcurrencyLimit: 5,
		ChunkSize:        5,
		MaxAttempts:      2,
		CallTimeout:      time.Second,
		LeaseTTL:         time.Minute,
		PhoneNumberID:    "pn-1",
	}
	st.svc = campaign.NewService(st.repo, st.provider, nil, nil, campaign.ServiceConfig{Defaults: defaults, PhoneRegion: "US"})
	st.proc = campaign.NewProcessor(st.repo, campaign.NewDispatcher(st.provider, nil))
	return st
}

func (st *stack) startCampaign(t *testing.T, ws string, n int) campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := st.svc.Create(ctx, ws, campaign.NewCampaign{Name: "renewals", AgentID: "agent-1", AgentExternalID: "asst-1"})
	require.NoError(t, err)

	in := make([]campaign.RecipientInput, n)
	for i := range in {
		in[i] = campaign.RecipientInput{PhoneNumber: fmt.Sprintf("+1650253%04d", i)}
	}
	_, err = st.svc.AddRecipients(ctx, ws, c.ID, in)
	require.NoError(t, err)

	c, err = st.svc.Start(ctx, ws, c.ID)
	require.NoError(t, err)
	return c
}

// later moves the scheduler clock past any inter-chunk delay.
func later(s *Scheduler) {
	s.clock = func() time.Time { return time.Now().Add(time.Hour) }
}

func TestTick_DrivesDueCampaignsToCompletion(t *testing.T) {
	st := newStack()
	a := st.startCampaign(t, "ws-1", 12)
	b := st.startCampaign(t, "ws-2", 3)

	s, err := New(st.repo, st.proc, Config{BatchSize: 10}, nil)
	require.NoError(t, err)
	later(s)

	for i := 0; i < 10; i++ {
		rep, err := s.Tick(context.Background())
		require.NoError(t, err)
		if rep.Due == 0 {
			break
		}
	}

	for _, c := range []campaign.Campaign{a, b} {
		q, err := st.repo.GetQueue(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, campaign.QueueStatusCompleted, q.Status, "campaign %s", c.ID)

		got, err := st.svc.Get(context.Background(), c.WorkspaceID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, campaign.StatusCompleted, got.Status)
		assert.Zero(t, got.PendingCalls)
	}
	assert.Len(t, st.provider.Calls(), 15)
}

func TestTick_SkipsQueuesNotYetDue(t *testing.T) {
	st := newStack()
	st.startCampaign(t, "ws-1", 2)

	s, err := New(st.repo, st.proc, Config{}, nil)
	require.NoError(t, err)
	s.clock = func() time.Time { return time.Now().Add(-time.Hour) }

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
	assert.Empty(t, st.provider.Calls())
}

func TestTick_PausedCampaignIsNotListed(t *testing.T) {
	st := newStack()
	c := st.startCampaign(t, "ws-1", 4)
	_, err := st.svc.Pause(context.Background(), "ws-1", c.ID)
	require.NoError(t, err)

	s, err := New(st.repo, st.proc, Config{}, nil)
	require.NoError(t, err)
	later(s)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
	assert.Empty(t, st.provider.Calls())
}

type fakeProcessor struct {
	mu         sync.Mutex
	errs       map[string]error
	reconciled []string
}

func (f *fakeProcessor) ProcessNextChunk(ctx context.Context, id string) (campaign.ChunkResponse, error) {
	if err := f.errs[id]; err != nil {
		return campaign.ChunkResponse{CampaignID: id}, err
	}
	return campaign.ChunkResponse{CampaignID: id, HasMore: true, Chunk: &campaign.ChunkResult{Number: 1, Dispatched: 1}}, nil
}

func (f *fakeProcessor) ReconcileDue(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, id)
}

type fixedDue []campaign.QueueEntry

func (d fixedDue) ListDueQueues(ctx context.Context, now time.Time, limit int) ([]campaign.QueueEntry, error) {
	return d, nil
}

func TestTick_ErrorsStayLocalToTheirCampaign(t *testing.T) {
	proc := &fakeProcessor{errs: map[string]error{
		"broken":  errors.New("db down"),
		"stopped": fmt.Errorf("%w: queue is cancelled", campaign.ErrQueueStopped),
	}}
	due := fixedDue{{CampaignID: "ok-1"}, {CampaignID: "broken"}, {CampaignID: "stopped"}, {CampaignID: "ok-2"}}

	s, err := New(due, proc, Config{Parallelism: 2}, nil)
	require.NoError(t, err)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 4, Processed: 2, Errors: 1}, rep)
	assert.ElementsMatch(t, []string{"ok-1", "ok-2"}, proc.reconciled)
	assert.Equal(t, rep, s.LastTick())
}

type failingDue struct{}

func (failingDue) ListDueQueues(ctx context.Context, now time.Time, limit int) ([]campaign.QueueEntry, error) {
	return nil, errors.New("connection refused")
}

func TestTick_ListErrorIsReturned(t *testing.T) {
	s, err := New(failingDue{}, &fakeProcessor{}, Config{}, nil)
	require.NoError(t, err)
	_, err = s.Tick(context.Background())
	require.Error(t, err)
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	_, err := New(fixedDue{}, &fakeProcessor{}, Config{Spec: "every now and then"}, nil)
	require.Error(t, err)

	_, err = New(nil, &fakeProcessor{}, Config{}, nil)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := New(fixedDue{}, &fakeProcessor{}, Config{Spec: "@every 1h"}, nil)
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
