package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/plugin/metrics"
	"github.com/omnihub/omnihub/store"
)

type createChannelRequest struct {
	TenantID    string                `json:"tenantId"`
	Platform    channels.Platform     `json:"platform"`
	DisplayName string                `json:"displayName"`
	Credentials *channels.Credentials `json:"credentials"`
}

type channelResponse struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenantId"`
	Platform    channels.Platform   `json:"platform"`
	DisplayName string              `json:"displayName"`
	Status      store.ChannelStatus `json:"status"`
	Identity    string              `json:"identity,omitempty"`
	CreatedTs   int64               `json:"createdTs"`
	UpdatedTs   int64               `json:"updatedTs"`
}

func toChannelResponse(ch *store.Channel) *channelResponse {
	return &channelResponse{
		ID:          ch.ID,
		TenantID:    ch.TenantID,
		Platform:    ch.Platform,
		DisplayName: ch.DisplayName,
		Status:      ch.Status,
		Identity:    ch.Identity,
		CreatedTs:   ch.CreatedTs,
		UpdatedTs:   ch.UpdatedTs,
	}
}

// createChannel validates the supplied credentials against the live
// platform, creates the channel, seals the credentials, and subscribes
// webhooks. Validation failure means no channel record is created.
func (s *APIV1Service) createChannel(c echo.Context) error {
	ctx := c.Request().Context()

	var req createChannelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenantId is required")
	}
	if !req.Platform.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid platform")
	}
	if req.Credentials == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "credentials are required")
	}
	req.Credentials.Platform = req.Platform
	if err := req.Credentials.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	adapter, err := s.Registry.Get(req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result := adapter.ValidateCredentials(ctx, req.Credentials)
	if !result.Valid {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":   result.Error,
			"details": result.Details,
		})
	}

	ch, err := s.Store.CreateChannel(ctx, &store.CreateChannelRequest{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Platform:    req.Platform,
		DisplayName: req.DisplayName,
		Identity:    channelIdentity(req.Credentials),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create channel")
	}

	if err := s.CredStore.Save(ctx, ch.ID, req.Credentials, nil); err != nil {
		// Roll back the bare channel rather than leave it credential-less.
		if delErr := s.Store.DeleteChannel(ctx, ch.ID); delErr != nil {
			slog.Error("failed to roll back channel after credential save failure", "id", ch.ID, "error", delErr)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
	}

	// Webhook subscription is best-effort: the channel works for outbound
	// sends even if the subscribe call fails.
	if ae := adapter.SubscribeWebhooks(ctx, ch.ID, req.Credentials); ae != nil {
		slog.Warn("webhook subscription failed", "channel_id", ch.ID, "platform", req.Platform, "error", ae)
	}

	ch, err = s.Store.GetChannel(ctx, ch.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reload channel")
	}
	return c.JSON(http.StatusCreated, toChannelResponse(ch))
}

func channelIdentity(creds *channels.Credentials) string {
	switch {
	case creds.Meta != nil:
		return creds.Meta.PageID
	case creds.WhatsApp != nil:
		return creds.WhatsApp.PhoneNumberID
	default:
		return ""
	}
}

func (s *APIV1Service) getChannel(c echo.Context) error {
	ch, err := s.Store.GetChannel(c.Request().Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrChannelNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get channel")
	}
	return c.JSON(http.StatusOK, toChannelResponse(ch))
}

func (s *APIV1Service) deleteChannel(c echo.Context) error {
	if err := s.Store.DeleteChannel(c.Request().Context(), c.Param("id")); err != nil {
		if err == store.ErrChannelNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete channel")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) listChannels(c echo.Context) error {
	chs, err := s.Store.ListChannelsByTenant(c.Request().Context(), c.Param("tenantId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list channels")
	}
	out := make([]*channelResponse, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChannelResponse(ch))
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": out})
}

// sendMessage delivers an outbound message through the channel's
// adapter. Authentication failures flip the stored credentials to
// invalid so later sends fail fast.
func (s *APIV1Service) sendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	channelID := c.Param("id")

	var req channels.SendMessageDTO
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ch, err := s.Store.GetChannel(ctx, channelID)
	if err != nil {
		if err == store.ErrChannelNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get channel")
	}
	adapter, err := s.Registry.Get(ch.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "no adapter for channel platform")
	}

	dec, err := s.CredStore.GetDecrypted(ctx, channelID)
	if err != nil {
		if err == credstore.ErrNoCredentials {
			return echo.NewHTTPError(http.StatusConflict, "channel has no credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load credentials")
	}
	if dec.Status == channels.CredentialInvalid {
		return echo.NewHTTPError(http.StatusConflict, "channel credentials are invalid, re-authenticate the channel")
	}

	start := time.Now()
	result, ae := adapter.SendMessage(ctx, channelID, &req, dec.Credentials)
	metrics.SendDuration.WithLabelValues(string(ch.Platform)).Observe(time.Since(start).Seconds())
	if ae != nil {
		metrics.MessagesSent.WithLabelValues(string(ch.Platform), string(ae.Type)).Inc()
		metrics.ErrorsClassified.WithLabelValues(string(ch.Platform), string(ae.Type)).Inc()
		if ae.IsAuthFailure() {
			if err := s.CredStore.MarkInvalid(ctx, channelID, ae.Message); err != nil {
				slog.Error("failed to mark credentials invalid", "channel_id", channelID, "error", err)
			}
		}
		return adapterErrorResponse(c, ae)
	}

	metrics.MessagesSent.WithLabelValues(string(ch.Platform), "success").Inc()
	return c.JSON(http.StatusOK, result)
}

func (s *APIV1Service) listThreads(c echo.Context) error {
	ctx := c.Request().Context()
	channelID := c.Param("id")

	ch, err := s.Store.GetChannel(ctx, channelID)
	if err != nil {
		if err == store.ErrChannelNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get channel")
	}
	adapter, err := s.Registry.Get(ch.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "no adapter for channel platform")
	}
	dec, err := s.CredStore.GetDecrypted(ctx, channelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "failed to load credentials")
	}

	threads, ae := adapter.ListThreads(ctx, channelID, dec.Credentials)
	if ae != nil {
		return adapterErrorResponse(c, ae)
	}
	return c.JSON(http.StatusOK, map[string]any{"threads": threads})
}

func (s *APIV1Service) migrateCredentials(c echo.Context) error {
	channelID := c.Param("id")
	if err := s.CredStore.MigrateToEncrypted(c.Request().Context(), channelID); err != nil {
		if err == credstore.ErrNoCredentials {
			return echo.NewHTTPError(http.StatusNotFound, "channel has no credentials to migrate")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"migrated": true})
}

type rotateKeyRequest struct {
	OldKey string `json:"oldKey"`
	NewKey string `json:"newKey"`
}

func (s *APIV1Service) rotateKey(c echo.Context) error {
	var req rotateKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.NewKey) < 16 {
		return echo.NewHTTPError(http.StatusBadRequest, "newKey must be at least 16 bytes")
	}

	results, err := s.CredStore.RotateKey(c.Request().Context(), c.Param("tenantId"), req.OldKey, req.NewKey)
	if err != nil {
		if err == credstore.ErrUnauthorized {
			return echo.NewHTTPError(http.StatusForbidden, "not authorized to rotate keys")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	allOK := true
	for _, r := range results {
		if !r.OK {
			allOK = false
		}
	}
	status := http.StatusOK
	if !allOK {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, map[string]any{"results": results, "allOk": allOK})
}
