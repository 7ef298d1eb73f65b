package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/store"
)

// refreshChannel enqueues an immediate credential refresh for the
// channel, bypassing the sweep schedule.
func (s *APIV1Service) refreshChannel(c echo.Context) error {
	ctx := c.Request().Context()
	channelID := c.Param("id")

	ch, err := s.Store.GetChannel(ctx, channelID)
	if err != nil {
		if err == store.ErrChannelNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "channel not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get channel")
	}

	dec, err := s.CredStore.GetDecrypted(ctx, channelID)
	if err != nil {
		if err == credstore.ErrNoCredentials {
			return echo.NewHTTPError(http.StatusConflict, "channel has no credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load credentials")
	}

	queued, err := s.Worker.EnqueueChannel(ctx, channelID, ch.TenantID, dec.Credentials)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue refresh")
	}
	return c.JSON(http.StatusAccepted, map[string]any{"queued": queued})
}

type refreshJobResponse struct {
	ID            string                 `json:"id"`
	ChannelID     string                 `json:"channelId"`
	Status        store.RefreshJobStatus `json:"status"`
	CreatedTs     int64                  `json:"createdTs"`
	LastAttemptTs int64                  `json:"lastAttemptTs,omitempty"`
	AttemptCount  int                    `json:"attemptCount"`
	LastError     string                 `json:"lastError,omitempty"`
}

func (s *APIV1Service) listRefreshJobs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := s.Store.ListRefreshJobsByTenant(c.Request().Context(), c.Param("tenantId"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list refresh jobs")
	}

	out := make([]*refreshJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, &refreshJobResponse{
			ID:            job.ID,
			ChannelID:     job.ChannelID,
			Status:        job.Status,
			CreatedTs:     job.CreatedTs,
			LastAttemptTs: job.LastAttemptTs,
			AttemptCount:  job.AttemptCount,
			LastError:     job.LastError,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": out})
}
