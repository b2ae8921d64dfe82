package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassTexter/docs"
	"github.com/Mutter0815/MassTexter/pkg/metrics"
)

func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
	})
	r.GET("/docs/campaign-api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
	})

	campaigns := r.Group("/campaigns")
	campaigns.POST("", h.CreateCampaign)
	campaigns.GET("", h.ListCampaigns)
	campaigns.GET("/:id", h.GetCampaign)
	campaigns.DELETE("/:id", h.DeleteCampaign)
	campaigns.POST("/:id/send", h.SendCampaign)

	r.GET("/queue/stats", h.QueueStats)

	r.GET("/webhooks/telnyx", h.WebhookPing)
	r.POST("/webhooks/telnyx", h.TelnyxWebhook)

	return r
}

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
