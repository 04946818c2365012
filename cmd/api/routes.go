package main

import (
	"context"
	"net/http"
	"time"

	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
	"voice-campaigns/internal/config"
	"voice-campaigns/internal/httpapi"
	"voice-campaigns/internal/rbac"
	"voice-campaigns/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	cfg       config.Config
	auth      *auth.Manager
	campaigns *campaign.Service
	processor *campaign.Processor
	health    func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := d.health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider status callbacks. Each endpoint carries its own authentication.
	hooks := telephony.StatusWebhookHandler{
		Sink:            d.campaigns,
		SharedSecret:    d.cfg.Webhooks.SharedSecret,
		TwilioAuthToken: d.cfg.Webhooks.TwilioAuthToken,
		PublicBaseURL:   d.cfg.Webhooks.PublicBaseURL,
	}
	r.POST("/webhooks/calls/status", hooks.HandleStatusEvent)
	r.POST("/webhooks/twilio/status", hooks.HandleTwilioStatus)

	h := httpapi.Handlers{Auth: d.auth, Campaigns: d.campaigns, Processor: d.processor}

	if !d.cfg.IsProduction() {
		r.POST("/dev/login", h.DevLogin)
	}

	// internal trigger for external schedulers (service token)
	internal := r.Group("/internal")
	internal.Use(auth.RequireServiceToken(d.cfg.Auth.ServiceToken))
	{
		internal.POST("/campaigns/:id/process-chunk", h.ProcessChunk)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), rbac.RequireWorkspace(), httpapi.ClientIP())
	{
		campaigns := v1.Group("/campaigns")

		read := rbac.RequirePermission(rbac.PermCampaignRead)
		write := rbac.RequirePermission(rbac.PermCampaignWrite)
		operate := rbac.RequirePermission(rbac.PermCampaignOperate)

		campaigns.POST("", write, h.CreateCampaign)
		campaigns.GET("/:id", read, h.GetCampaign)
		campaigns.DELETE("/:id", write, h.DeleteCampaign)
		campaigns.POST("/:id/recipients", write, h.ImportRecipients)
		campaigns.GET("/:id/progress", read, h.Progress)

		campaigns.POST("/:id/start", operate, h.StartCampaign)
		campaigns.POST("/:id/pause", operate, h.PauseCampaign)
		campaigns.POST("/:id/resume", operate, h.ResumeCampaign)
		campaigns.POST("/:id/terminate", operate, h.TerminateCampaign)

		campaigns.POST("/:id/queue/reinitialize", rbac.RequirePermission(rbac.PermQueueRecover), h.ReinitializeQueue)
	}
}
