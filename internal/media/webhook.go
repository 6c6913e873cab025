package media

import (
	"net/http"

	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookHandler verifies signed LiveKit webhook posts and forwards
// participant joins/leaves to the sink. Other event kinds are acknowledged
// and dropped.
type WebhookHandler struct {
	APIKey    string
	APISecret string
	Sink      EventSink
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "media sink not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	ev, err := webhook.ReceiveWebhookEvent(c.Request, auth.NewSimpleKeyProvider(h.APIKey, h.APISecret))
	if err != nil {
		log.Warn("media webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	identity := ev.GetParticipant().GetIdentity()
	sessionID, ok := SessionFromRoom(ev.GetRoom().GetName())
	if !ok || identity == "" {
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	switch ev.GetEvent() {
	case webhook.EventParticipantJoined:
		err = h.Sink.PartyJoined(ctx, sessionID, identity)
	case webhook.EventParticipantLeft:
		err = h.Sink.PartyLeft(ctx, sessionID, identity)
	default:
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		// The media server retries on non-2xx; a stale or unknown session will
		// never succeed, so it is logged and acknowledged.
		log.Info("media webhook not applied", "event", ev.GetEvent(), "session_id", sessionID, "party_id", identity, "err", err)
	}
	c.Status(http.StatusNoContent)
}
