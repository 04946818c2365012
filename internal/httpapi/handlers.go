package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"voice-campaigns/internal/audit"
	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
	"voice-campaigns/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Campaigns *campaign.Service
	Processor *campaign.Processor
}

// maxImportBatch caps recipients accepted by a single import request.
const maxImportBatch = 10000

// ClientIP attaches the resolved client IP for audit records.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	WorkspaceID string `json:"workspace_id" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// DevLogin issues a JWT token pair without checking credentials. It is only
// routed outside production.
func (h Handlers) DevLogin(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Campaigns ---

func (h Handlers) CreateCampaign(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	var req campaign.NewCampaign
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name, agent_id, agent_external_id required"})
		return
	}
	out, err := h.Campaigns.Create(c.Request.Context(), workspaceID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	out, err := h.Campaigns.Get(c.Request.Context(), workspaceID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) DeleteCampaign(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	if err := h.Campaigns.Delete(c.Request.Context(), workspaceID, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type importRecipientsRequest struct {
	Recipients []campaign.RecipientInput `json:"recipients" binding:"required,min=1"`
}

func (h Handlers) ImportRecipients(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req importRecipientsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "recipients required"})
		return
	}
	if len(req.Recipients) > maxImportBatch {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many recipients in one request", "max": maxImportBatch})
		return
	}
	rep, err := h.Campaigns.AddRecipients(c.Request.Context(), workspaceID, id, req.Recipients)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type lifecycleFunc func(s *campaign.Service, ctx context.Context, workspaceID, campaignID string) (campaign.Campaign, error)

func (h Handlers) StartCampaign(c *gin.Context)     { h.transition(c, (*campaign.Service).Start) }
func (h Handlers) PauseCampaign(c *gin.Context)     { h.transition(c, (*campaign.Service).Pause) }
func (h Handlers) ResumeCampaign(c *gin.Context)    { h.transition(c, (*campaign.Service).Resume) }
func (h Handlers) TerminateCampaign(c *gin.Context) { h.transition(c, (*campaign.Service).Terminate) }

func (h Handlers) transition(c *gin.Context, fn lifecycleFunc) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	out, err := fn(h.Campaigns, c.Request.Context(), workspaceID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) Progress(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	out, err := h.Campaigns.Progress(c.Request.Context(), workspaceID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ReinitializeQueue rebuilds a failed queue for an active campaign.
func (h Handlers) ReinitializeQueue(c *gin.Context) {
	workspaceID, ok := h.workspace(c)
	if !ok {
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	q, err := h.Campaigns.ReinitializeQueue(c.Request.Context(), workspaceID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("queue reinitialized", "total_chunks", q.TotalChunks)
	c.JSON(http.StatusOK, q)
}

// ProcessChunk runs one chunk invocation for an external trigger. Callers
// re-invoke while has_more is true, no earlier than next_process_at.
func (h Handlers) ProcessChunk(c *gin.Context) {
	if h.Processor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processor not configured"})
		return
	}
	id, ok := campaignID(c)
	if !ok {
		return
	}
	resp, err := h.Processor.ProcessNextChunk(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// campaignID rejects path ids that cannot name a campaign.
func campaignID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if uuid.Validate(id) != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": campaign.ErrNotFound.Error()})
		return "", false
	}
	return id, true
}

func (h Handlers) workspace(c *gin.Context) (string, bool) {
	if h.Campaigns == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaigns not configured"})
		return "", false
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", false
	}
	return workspaceID, true
}

// writeError maps campaign sentinels onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrQueueNotInitialized),
		errors.Is(err, campaign.ErrQueueStopped):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
