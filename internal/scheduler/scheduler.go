package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voice-campaigns/internal/campaign"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DueLister returns queue entries whose next_process_at has passed.
type DueLister interface {
	ListDueQueues(ctx context.Context, now time.Time, limit int) ([]campaign.QueueEntry, error)
}

// ChunkProcessor is the part of campaign.Processor the scheduler drives.
type ChunkProcessor interface {
	ProcessNextChunk(ctx context.Context, campaignID string) (campaign.ChunkResponse, error)
	ReconcileDue(ctx context.Context, campaignID string)
}

type Config struct {
	// Spec is a robfig/cron spec, e.g. "@every 5s".
	Spec         string
	BatchSize    int
	ChunkTimeout time.Duration
	// Parallelism bounds how many campaigns are processed at once per tick.
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = "@every 5s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 5 * time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	Due       int
	Processed int
	Completed int
	Errors    int
}

// Scheduler periodically advances every due campaign queue by one chunk.
// Overlapping ticks are skipped, so a slow chunk never stacks invocations.
type Scheduler struct {
	repo DueLister
	proc ChunkProcessor
	cfg  Config
	log  *slog.Logger

	cron  *cron.Cron
	clock func() time.Time

	rootCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	last TickReport
}

func New(repo DueLister, proc ChunkProcessor, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if repo == nil || proc == nil {
		return nil, errors.New("scheduler: repository and processor are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		repo:  repo,
		proc:  proc,
		cfg:   cfg,
		log:   log.With("component", "scheduler"),
		clock: time.Now,
		cron:  cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	s.rootCtx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(cfg.Spec, s.run); err != nil {
		return nil, fmt.Errorf("scheduler: invalid spec %q: %w", cfg.Spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler started", "spec", s.cfg.Spec, "batch_size", s.cfg.BatchSize)
	s.cron.Start()
}

// Stop prevents new ticks and waits for the running one, up to ctx. Chunks
// still running when ctx ends are cancelled; their dispatched calls are
// persisted by the processor regardless.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastTick returns the report of the most recent pass.
func (s *Scheduler) LastTick() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run() {
	if _, err := s.Tick(s.rootCtx); err != nil {
		s.log.Error("scheduler tick failed", "err", err)
	}
}

// Tick advances each due queue by one ProcessNextChunk invocation and
// reconciles counters for every campaign it touched.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	due, err := s.repo.ListDueQueues(ctx, s.clock().UTC(), s.cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("scheduler: list due queues: %w", err)
	}

	var (
		mu  sync.Mutex
		rep = TickReport{Due: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, q := range due {
		g.Go(func() error {
			resp, err := s.processOne(gctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				return nil
			}
			if resp.Chunk != nil {
				rep.Processed++
			}
			if resp.StopReason == campaign.StopCompleted {
				rep.Completed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if rep.Due > 0 {
		s.log.Info("scheduler tick",
			"due", rep.Due,
			"processed", rep.Processed,
			"completed", rep.Completed,
			"errors", rep.Errors,
		)
	}
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Scheduler) processOne(ctx context.Context, q campaign.QueueEntry) (campaign.ChunkResponse, error) {
	log := s.log.With("campaign_id", q.CampaignID, "workspace_id", q.WorkspaceID)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ChunkTimeout)
	defer cancel()

	resp, err := s.proc.ProcessNextChunk(cctx, q.CampaignID)
	switch {
	case errors.Is(err, campaign.ErrQueueStopped):
		log.Debug("queue stopped between listing and processing", "err", err)
		return resp, nil
	case err != nil:
		log.Error("chunk processing failed", "err", err)
		return resp, err
	}

	if resp.Chunk != nil {
		s.proc.ReconcileDue(context.WithoutCancel(ctx), q.CampaignID)
	}
	log.Debug("chunk invocation finished",
		"has_more", resp.HasMore,
		"pending", resp.PendingCount,
		"stop_reason", resp.StopReason,
	)
	return resp, nil
}
