package v1

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/metrics"
)

const maxWebhookBody = 1 << 20

// verifyWebhook answers the platform's subscription handshake
// (hub.mode/hub.verify_token/hub.challenge as sent by Meta and WhatsApp).
func (s *APIV1Service) verifyWebhook(c echo.Context) error {
	platform := channels.Platform(c.Param("platform"))
	if !platform.IsValid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}

	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode != "subscribe" || challenge == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed verification request")
	}
	if s.Profile.WebhookVerifyToken == "" || token != s.Profile.WebhookVerifyToken {
		slog.Warn("webhook verification rejected", "platform", platform)
		return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
	}

	slog.Info("webhook verified", "platform", platform)
	return c.String(http.StatusOK, challenge)
}

// receiveWebhook authenticates, parses, and delivers one inbound
// webhook. Event types the product ignores still return 200 so the
// platform does not retry or disable the subscription.
func (s *APIV1Service) receiveWebhook(c echo.Context) error {
	platform := channels.Platform(c.Param("platform"))
	channelID := c.Param("channelId")
	if !platform.IsValid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	adapter, err := s.Registry.Get(platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no adapter for platform")
	}

	// The signature covers the exact raw bytes; read before any decoding.
	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	secret := s.webhookSecret(platform)
	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = c.Request().Header.Get("X-Signature")
	}

	if secret == "" {
		if !s.Profile.IsDev() {
			metrics.WebhooksIngested.WithLabelValues(string(platform), "rejected").Inc()
			return echo.NewHTTPError(http.StatusForbidden, "webhook secret is not configured")
		}
		channels.SignatureSkipped(platform, channelID)
	} else if !adapter.VerifyWebhook(rawBody, signature, secret) {
		metrics.WebhooksIngested.WithLabelValues(string(platform), "rejected").Inc()
		slog.Warn("webhook signature rejected", "platform", platform, "channel_id", channelID)
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	ctx := c.Request().Context()
	msg, err := adapter.IngestWebhook(ctx, rawBody, channelID)
	if err != nil {
		metrics.WebhooksIngested.WithLabelValues(string(platform), "rejected").Inc()
		slog.Error("webhook ingestion failed", "platform", platform, "channel_id", channelID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
	}
	if msg == nil {
		// Ignored event type or malformed payload: acknowledged so the
		// platform does not retry.
		metrics.WebhooksIngested.WithLabelValues(string(platform), "ignored").Inc()
		return c.JSON(http.StatusOK, map[string]any{"received": true})
	}

	if err := s.Sink.Deliver(ctx, channelID, msg); err != nil {
		slog.Error("failed to deliver inbound message", "channel_id", channelID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "delivery failed")
	}

	metrics.WebhooksIngested.WithLabelValues(string(platform), "accepted").Inc()
	return c.JSON(http.StatusOK, map[string]any{"received": true})
}
