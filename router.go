package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/analytics"
	"github.com/inboxpulse/mail-infra/internal/auth"
	"github.com/inboxpulse/mail-infra/internal/config"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

func buildRouter(cfg *config.Config, log zerolog.Logger, st store.Store, coord *syncer.Coordinator, agg *analytics.Aggregator) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider push notifications arrive unauthenticated; the mailbox id in
	// the event is validated against the store before any work happens.
	r.POST("/webhooks/:provider", func(c *gin.Context) {
		var ev syncer.WebhookEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ev.MailboxID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing mailboxId"})
			return
		}
		if _, err := st.GetMailbox(c.Request.Context(), ev.MailboxID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
			return
		}

		// The sync can outlive the webhook request; acknowledge fast so the
		// provider does not re-deliver.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := coord.HandleWebhookEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Str("mailbox", ev.MailboxID).Msg("webhook sync failed")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	})

	api := r.Group("/api")
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize JWT verifier")
		}
		api.Use(verifier.Middleware())
	} else {
		log.Warn().Msg("JWKS_URL not set, API endpoints are unauthenticated")
	}

	api.POST("/mailboxes/:id/sync", func(c *gin.Context) {
		id := c.Param("id")
		if _, err := st.GetMailbox(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := coord.SyncMailbox(ctx, id, syncer.TriggerManual); err != nil {
				log.Warn().Err(err).Str("mailbox", id).Msg("manual sync failed")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	})

	api.DELETE("/mailboxes/:id/sync", func(c *gin.Context) {
		stopped := coord.StopMailbox(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"stopped": stopped})
	})

	api.POST("/mailboxes/:id/subscription", func(c *gin.Context) {
		var req struct {
			URL string `json:"url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		url := req.URL
		if url == "" {
			url = cfg.WebhookBaseURL
		}
		ok, err := coord.EnableWebhook(c.Request.Context(), c.Param("id"), url)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscribed": ok})
	})

	api.DELETE("/mailboxes/:id/subscription", func(c *gin.Context) {
		ok, err := coord.DisableWebhook(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unsubscribed": ok})
	})

	// Stored aggregates, one document per (date, metric).
	api.GET("/organizations/:id/analytics/:metric", func(c *gin.Context) {
		metric := c.Param("metric")
		if !validMetric(metric) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metric"})
			return
		}
		from, to, ok := dateParams(c)
		if !ok {
			return
		}
		aggs, err := st.ListAggregates(c.Request.Context(), c.Param("id"), metric, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregates": aggs})
	})

	// Live range summaries recomputed on demand, for volume growth and
	// percentile views spanning several days.
	api.GET("/organizations/:id/analytics/:metric/summary", func(c *gin.Context) {
		from, to, ok := dateParams(c)
		if !ok {
			return
		}
		fromT, err1 := time.Parse("2006-01-02", from)
		toT, err2 := time.Parse("2006-01-02", to)
		if err1 != nil || err2 != nil || toT.Before(fromT) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad date range"})
			return
		}

		orgID := c.Param("id")
		switch c.Param("metric") {
		case model.MetricVolume:
			report, err := agg.Volume(c.Request.Context(), orgID, fromT, toT)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, report)
		case model.MetricResponseTime:
			report, err := agg.ResponseTimes(c.Request.Context(), orgID, fromT, toT)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, report)
		case model.MetricContactHealth:
			report, err := agg.ContactHealthScores(c.Request.Context(), orgID, toT)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, report)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metric"})
		}
	})

	api.GET("/organizations/:id/contacts", func(c *gin.Context) {
		contacts, err := st.ListContactsByOrganization(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"contacts": contacts})
	})

	api.GET("/admin/failed-jobs", func(c *gin.Context) {
		limit := 50
		if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
			limit = v
		}
		jobs, err := st.ListFailedJobs(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed_jobs": jobs})
	})

	return r
}

func validMetric(m string) bool {
	return m == model.MetricVolume || m == model.MetricResponseTime || m == model.MetricContactHealth
}

// dateParams reads from/to query parameters, defaulting to the last 7 days.
func dateParams(c *gin.Context) (string, string, bool) {
	now := time.Now().UTC()
	from := c.DefaultQuery("from", now.AddDate(0, 0, -7).Format("2006-01-02"))
	to := c.DefaultQuery("to", now.Format("2006-01-02"))
	if _, err := time.Parse("2006-01-02", from); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad from date"})
		return "", "", false
	}
	if _, err := time.Parse("2006-01-02", to); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad to date"})
		return "", "", false
	}
	return from, to, true
}
