// Package media resolves short-lived provider media references into
// durable URLs during webhook ingestion.
package media

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/omnihub/omnihub/plugin/channels"
)

// BlobSink stores downloaded media bytes and returns a durable URL.
type BlobSink interface {
	Put(ctx context.Context, id string, data []byte, mimeType string) (string, error)
}

// Config holds limits for media resolution.
type Config struct {
	MaxImageSizeMB int64
	MaxVideoSizeMB int64
	MaxAudioSizeMB int64
	MaxFileSizeMB  int64
}

// Mapper downloads transient provider media and hands it to a BlobSink.
// Provider URLs expire within minutes to hours; anything the inbox needs
// to show later has to be copied out while the credential is still warm.
type Mapper struct {
	config Config
	sink   BlobSink
	client *http.Client
}

// NewMapper creates a media mapper.
func NewMapper(config Config, sink BlobSink) *Mapper {
	if config.MaxImageSizeMB == 0 {
		config.MaxImageSizeMB = 20
	}
	if config.MaxVideoSizeMB == 0 {
		config.MaxVideoSizeMB = 50
	}
	if config.MaxAudioSizeMB == 0 {
		config.MaxAudioSizeMB = 50
	}
	if config.MaxFileSizeMB == 0 {
		config.MaxFileSizeMB = 50
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true, // media downloads don't benefit from compression
			ForceAttemptHTTP2:   true,
		},
	}

	return &Mapper{config: config, sink: sink, client: client}
}

// MapAttachments resolves each attachment's transient URL into a durable
// one. A failed download leaves the original URL in place rather than
// dropping the attachment; ingestion must not fail on media.
func (m *Mapper) MapAttachments(ctx context.Context, attachments []channels.Attachment, platform channels.Platform, creds *channels.Credentials) ([]channels.Attachment, error) {
	if len(attachments) == 0 || m.sink == nil {
		// No blob storage configured: provider URLs pass through and
		// expire with the provider's TTL.
		return attachments, nil
	}

	out := make([]channels.Attachment, 0, len(attachments))
	for _, att := range attachments {
		mapped, err := m.mapOne(ctx, att, platform, creds)
		if err != nil {
			slog.Warn("failed to resolve attachment, keeping provider url",
				"platform", platform,
				"type", att.Type,
				"error", err,
			)
			out = append(out, att)
			continue
		}
		out = append(out, mapped)
	}
	return out, nil
}

func (m *Mapper) mapOne(ctx context.Context, att channels.Attachment, platform channels.Platform, creds *channels.Credentials) (channels.Attachment, error) {
	data, mimeType, err := m.download(ctx, att.URL, creds, m.sizeLimit(att.Type))
	if err != nil {
		return att, err
	}
	if att.MimeType == "" {
		att.MimeType = mimeType
	}

	id := string(platform) + "_" + shortuuid.New()
	durable, err := m.sink.Put(ctx, id, data, att.MimeType)
	if err != nil {
		return att, errors.Wrap(err, "failed to store media")
	}
	att.URL = durable
	return att, nil
}

func (m *Mapper) download(ctx context.Context, url string, creds *channels.Credentials, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create request")
	}
	if creds != nil && creds.AccessToken() != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "media download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("media download failed: status %d", resp.StatusCode)
	}

	// Read at most one byte past the limit so oversized media is
	// rejected without buffering the whole body.
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read media body")
	}
	if int64(len(data)) > limit {
		return nil, "", errors.Errorf("media exceeds the %d MB limit", limit/(1024*1024))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func (m *Mapper) sizeLimit(t channels.AttachmentType) int64 {
	limitMB := m.config.MaxFileSizeMB
	switch t {
	case channels.AttachmentImage:
		limitMB = m.config.MaxImageSizeMB
	case channels.AttachmentVideo:
		limitMB = m.config.MaxVideoSizeMB
	case channels.AttachmentAudio:
		limitMB = m.config.MaxAudioSizeMB
	}
	return limitMB * 1024 * 1024
}

var _ channels.MediaMapper = (*Mapper)(nil)
