package telephony

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"voice-campaigns/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CompletionSink receives normalized call-completion signals. The bool is
// false when the call was unknown or already settled.
type CompletionSink interface {
	CompleteCall(ctx context.Context, c CallCompletion) (bool, error)
}

// StatusWebhookHandler converts provider status callbacks into CallCompletion
// values and hands them to the sink.
//
// No business logic here. Unknown or already-settled calls are acknowledged
// with 200 so providers stop retrying.
type StatusWebhookHandler struct {
	Sink CompletionSink

	// SharedSecret guards the generic JSON endpoint via X-Webhook-Secret.
	// Empty disables the check (local only).
	SharedSecret string

	// TwilioAuthToken enables X-Twilio-Signature validation.
	TwilioAuthToken string
	// PublicBaseURL is the externally visible origin Twilio signs against.
	PublicBaseURL string
}

const headerWebhookSecret = "X-Webhook-Secret"

// HandleStatusEvent accepts {"call_id": "...", "outcome": "...", "reason": "..."}.
func (h StatusWebhookHandler) HandleStatusEvent(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion sink not configured"})
		return
	}
	if h.SharedSecret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.SharedSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	var ev CallCompletion
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ev.Outcome = CallOutcome(strings.ToLower(string(ev.Outcome)))
	if !ev.Outcome.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown outcome"})
		return
	}
	h.complete(c, log, ev)
}

// HandleTwilioStatus accepts Twilio's form-encoded status callback.
func (h StatusWebhookHandler) HandleTwilioStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion sink not configured"})
		return
	}

	form, params, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if h.TwilioAuthToken != "" {
		fullURL := strings.TrimRight(h.PublicBaseURL, "/") + c.Request.URL.RequestURI()
		if !ValidateTwilioSignature(h.TwilioAuthToken, fullURL, params, c.GetHeader("X-Twilio-Signature")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}
	if form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing CallSid"})
		return
	}

	ev, terminal := form.ToCompletion()
	if !terminal {
		c.Status(http.StatusNoContent)
		return
	}
	h.complete(c, log, ev)
}

func (h StatusWebhookHandler) complete(c *gin.Context, log *slog.Logger, ev CallCompletion) {
	applied, err := h.Sink.CompleteCall(c.Request.Context(), ev)
	if err != nil {
		log.Error("call completion failed", "call_id", ev.ProviderCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion failed"})
		return
	}
	log.Info("call completion", "call_id", ev.ProviderCallID, "outcome", ev.Outcome, "applied", applied)
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}
