package v1

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/internal/profile"
	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/channels/mock"
)

type captureSink struct {
	delivered []*channels.MessageDTO
}

func (c *captureSink) Deliver(_ context.Context, _ string, msg *channels.MessageDTO) error {
	c.delivered = append(c.delivered, msg)
	return nil
}

func newWebhookTestService(mode, metaSecret string) (*APIV1Service, *captureSink, *echo.Echo) {
	sink := &captureSink{}
	registry := channels.NewRegistry()
	registry.Register(mock.NewAdapter())
	svc := NewAPIV1Service(
		&profile.Profile{Mode: mode, MetaAppSecret: metaSecret, WebhookVerifyToken: "verify-me"},
		nil, nil, registry, nil, sink,
	)
	e := echo.New()
	svc.Register(e)
	return svc, sink, e
}

func TestVerifyWebhookHandshake(t *testing.T) {
	_, _, e := newWebhookTestService("prod", "secret")

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/mock?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestVerifyWebhookHandshakeRejected(t *testing.T) {
	_, _, e := newWebhookTestService("prod", "secret")

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/mock?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func mockMessagePayload() string {
	return `{"externalId":"m1","body":"hello","senderHandle":"user-1"}`
}

func TestReceiveWebhookDevModeSkipsSignature(t *testing.T) {
	_, sink, e := newWebhookTestService("dev", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mock/ch1",
		strings.NewReader(mockMessagePayload()))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "hello", sink.delivered[0].Body)
}

func TestReceiveWebhookProdRequiresSecret(t *testing.T) {
	// The mock platform has no configured secret; prod must refuse rather
	// than silently accept unauthenticated webhooks.
	_, sink, e := newWebhookTestService("prod", "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mock/ch1",
		strings.NewReader(mockMessagePayload()))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sink.delivered)
}

func TestReceiveWebhookIgnoredEventStill200(t *testing.T) {
	_, sink, e := newWebhookTestService("dev", "")

	// No sender handle: the mock adapter treats this as an ignorable event.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mock/ch1",
		strings.NewReader(`{"body":"x"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sink.delivered)
}

func TestReceiveWebhookUnknownPlatform(t *testing.T) {
	_, _, e := newWebhookTestService("dev", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/telegram/ch1",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
