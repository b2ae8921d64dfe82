package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/internal/campaign"
	"github.com/Mutter0815/MassTexter/internal/dispatch"
	"github.com/Mutter0815/MassTexter/internal/webhook"
	"github.com/Mutter0815/MassTexter/pkg/logx"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxWebhookBody   = 1 << 20
	requestTimeout   = 10 * time.Second
)

type campaignAPI interface {
	CreateCampaign(ctx context.Context, req campaign.CreateCampaignReq) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (campaign.CampaignDetails, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.CampaignListItem, error)
	DeleteCampaign(ctx context.Context, id int64) error
	QueueCampaignMessages(ctx context.Context, id int64) (int, error)
	QuietHoursWarning() string
}

type queueAPI interface {
	Stats(ctx context.Context) (dispatch.Stats, error)
}

type webhookAPI interface {
	Process(ctx context.Context, env webhook.Envelope) (webhook.EventType, error)
}

type Handlers struct {
	Campaigns campaignAPI
	Queue     queueAPI
	Webhooks  webhookAPI

	// WebhookTimeout bounds callback processing; zero means requestTimeout.
	WebhookTimeout time.Duration
}

func NewHandlers(c campaignAPI, q queueAPI, w webhookAPI) *Handlers {
	return &Handlers{Campaigns: c, Queue: q, Webhooks: w}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// writeError maps the error kind to a status code. Internal errors are
// logged and hidden from the client.
func writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": apperr.Message(err)})
	case errors.Is(err, apperr.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.Message(err)})
	default:
		logx.L().Errorw(op+"_error", "rid", c.GetString(requestIDKey), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	camp, err := h.Campaigns.CreateCampaign(ctx, req)
	if err != nil {
		writeError(c, "create_campaign", err)
		return
	}
	c.JSON(http.StatusCreated, campaign.CreateCampaignResp{ID: camp.ID, Status: camp.Status})
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	out, err := h.Campaigns.ListCampaigns(ctx, limit, offset)
	if err != nil {
		writeError(c, "list_campaigns", err)
		return
	}
	if out == nil {
		out = []campaign.CampaignListItem{}
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	details, err := h.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, "get_campaign", err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handlers) DeleteCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := h.Campaigns.DeleteCampaign(ctx, id); err != nil {
		writeError(c, "delete_campaign", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) SendCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	n, err := h.Campaigns.QueueCampaignMessages(ctx, id)
	if err != nil {
		writeError(c, "send_campaign", err)
		return
	}
	c.JSON(http.StatusOK, campaign.SendCampaignResp{
		Success:     true,
		QueuedCount: n,
		Message:     fmt.Sprintf("Queued %d messages for sending", n),
		Warning:     h.Campaigns.QuietHoursWarning(),
	})
}

func (h *Handlers) QueueStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, err := h.Queue.Stats(ctx)
	if err != nil {
		writeError(c, "queue_stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) WebhookPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TelnyxWebhook answers 500 on processing errors so the carrier redelivers.
func (h *Handlers) TelnyxWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	env, err := webhook.Decode(body)
	if err != nil {
		writeError(c, "webhook_decode", err)
		return
	}

	timeout := h.WebhookTimeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	et, err := h.Webhooks.Process(ctx, env)
	if errors.Is(err, apperr.ErrValidation) {
		writeError(c, "webhook_process", err)
		return
	}
	if err != nil {
		logx.L().Errorw("webhook_process_error",
			"rid", c.GetString(requestIDKey), "event_type", et.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
