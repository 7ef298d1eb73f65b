package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/plugin/channels"
)

func TestValidateCredentialsAlwaysValid(t *testing.T) {
	a := NewAdapter()

	assert.True(t, a.ValidateCredentials(context.Background(), nil).Valid)
	assert.True(t, a.ValidateCredentials(context.Background(), &channels.Credentials{
		Platform: channels.PlatformMock,
		Mock:     &channels.MockCredentials{},
	}).Valid)
}

func TestSendMessageRecords(t *testing.T) {
	a := NewAdapter()
	creds := &channels.Credentials{
		Platform: channels.PlatformMock,
		Mock:     &channels.MockCredentials{MockToken: "m"},
	}

	result, ae := a.SendMessage(context.Background(), "ch1",
		&channels.SendMessageDTO{ThreadExternalID: "u1", Body: "hi"}, creds)
	require.Nil(t, ae)
	assert.NotEmpty(t, result.ExternalID)

	sends := a.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "hi", sends[0].Message.Body)
}
