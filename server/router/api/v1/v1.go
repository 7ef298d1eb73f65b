// Package v1 provides the HTTP API for channel, credential, and
// webhook operations.
package v1

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/omnihub/omnihub/internal/profile"
	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/plugin/refresh"
	"github.com/omnihub/omnihub/store"
)

// MessageSink receives every normalized inbound message. The inbox
// pipeline implements it in the full product; the default sink logs.
type MessageSink interface {
	Deliver(ctx context.Context, channelID string, msg *channels.MessageDTO) error
}

// LogSink logs delivered messages. Used when no inbox pipeline is wired.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, channelID string, msg *channels.MessageDTO) error {
	slog.Info("inbound message",
		"channel_id", channelID,
		"external_id", msg.ExternalID,
		"sender", msg.SenderHandle,
		"attachments", len(msg.Attachments),
	)
	return nil
}

// APIV1Service bundles the channel subsystem's HTTP handlers.
type APIV1Service struct {
	Profile   *profile.Profile
	Store     *store.Store
	CredStore *credstore.Store
	Registry  *channels.Registry
	Worker    *refresh.Worker
	Sink      MessageSink
}

// NewAPIV1Service creates the API service.
func NewAPIV1Service(p *profile.Profile, st *store.Store, cs *credstore.Store, registry *channels.Registry, worker *refresh.Worker, sink MessageSink) *APIV1Service {
	if sink == nil {
		sink = LogSink{}
	}
	return &APIV1Service{
		Profile:   p,
		Store:     st,
		CredStore: cs,
		Registry:  registry,
		Worker:    worker,
		Sink:      sink,
	}
}

// Register mounts all v1 routes on the echo instance.
func (s *APIV1Service) Register(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/channels", s.createChannel)
	g.GET("/channels/:id", s.getChannel)
	g.DELETE("/channels/:id", s.deleteChannel)
	g.GET("/tenants/:tenantId/channels", s.listChannels)

	g.POST("/channels/:id/messages", s.sendMessage)
	g.GET("/channels/:id/threads", s.listThreads)

	g.POST("/channels/:id/credentials/migrate", s.migrateCredentials)
	g.POST("/channels/:id/refresh", s.refreshChannel)
	g.POST("/tenants/:tenantId/credentials/rotate-key", s.rotateKey)
	g.GET("/tenants/:tenantId/refresh-jobs", s.listRefreshJobs)

	g.GET("/webhooks/:platform", s.verifyWebhook)
	g.POST("/webhooks/:platform/:channelId", s.receiveWebhook)
}

// httpStatusFor maps a classified adapter error to an HTTP status.
func httpStatusFor(ae *channels.AdapterError) int {
	switch ae.Type {
	case channels.ErrorValidation, channels.ErrorMessageTooLong:
		return http.StatusBadRequest
	case channels.ErrorAuthentication:
		return http.StatusUnauthorized
	case channels.ErrorPermissionDenied:
		return http.StatusForbidden
	case channels.ErrorNotFound:
		return http.StatusNotFound
	case channels.ErrorRateLimit, channels.ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case channels.ErrorNetwork, channels.ErrorAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func adapterErrorResponse(c echo.Context, ae *channels.AdapterError) error {
	return c.JSON(httpStatusFor(ae), map[string]any{
		"error":     ae.Message,
		"type":      string(ae.Type),
		"retryable": ae.Retryable,
		"details":   ae.Details,
	})
}

// webhookSecret returns the HMAC secret used to verify webhook
// signatures for the platform.
func (s *APIV1Service) webhookSecret(platform channels.Platform) string {
	switch platform {
	case channels.PlatformInstagram, channels.PlatformMessenger, channels.PlatformWhatsApp:
		return s.Profile.MetaAppSecret
	case channels.PlatformTikTok:
		return s.Profile.TikTokClientSecret
	default:
		return ""
	}
}
