package main

import (
	"context"
	"log/slog"

	"voice-campaigns/internal/audit"
	"voice-campaigns/internal/campaign"
	"voice-campaigns/internal/config"
	"voice-campaigns/internal/telephony"

	"github.com/getsentry/sentry-go"
)

// dispatchDefaults turns env configuration into the defaults campaign
// settings are merged over.
func dispatchDefaults(cfg config.Config) campaign.DispatchConfig {
	c := cfg.Campaign
	return campaign.DispatchConfig{
		ConcurrencyLimit:  c.ConcurrencyLimit,
		ChunkSize:         c.ConcurrencyLimit,
		MaxAttempts:       c.MaxAttempts,
		RetryDelayMinutes: c.RetryDelayMinutes,
		CallTimeout:       c.CallTimeout,
		InterChunkDelay:   c.InterChunkDelay,
		LeaseTTL:          c.LeaseTTL,
		CallsPerSecond:    c.CallsPerSecond,
		PhoneNumberID:     cfg.Provider.DefaultPhoneNumberID,
	}
}

func newProvider(cfg config.Config) telephony.OutboundProvider {
	if cfg.Provider.Kind == config.ProviderSimulated {
		return telephony.NewSimulatedProvider()
	}
	return telephony.NewVoiceAPIClient(telephony.VoiceAPIConfig{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	})
}

// queueFailureReporter records failed queues in the audit trail and, when
// Sentry is initialized, reports them there too.
func queueFailureReporter(a *audit.Service, log *slog.Logger) campaign.FailureHook {
	return func(ctx context.Context, q campaign.QueueEntry, err error) {
		if aerr := a.LogQueueFailure(ctx, q.WorkspaceID, q.CampaignID, err); aerr != nil {
			log.Warn("audit write failed", "campaign_id", q.CampaignID, "err", aerr)
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("campaign_id", q.CampaignID)
			scope.SetTag("workspace_id", q.WorkspaceID)
			scope.SetExtra("chunks_processed", q.ChunksProcessed)
			sentry.CaptureException(err)
		})
	}
}
