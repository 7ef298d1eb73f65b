package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/omnihub/omnihub/plugin/channels"
)

// ChannelStatus is the operational state of a configured channel.
type ChannelStatus string

const (
	ChannelActive   ChannelStatus = "active"
	ChannelError    ChannelStatus = "error"
	ChannelDisabled ChannelStatus = "disabled"
)

// Validation limits for channel fields.
const (
	MaxDisplayName = 255
	MaxIdentity    = 255
	MaxMetadata    = 64 * 1024
)

// ErrChannelNotFound is returned when no channel matches the given ID.
var ErrChannelNotFound = errors.New("channel not found")

// Channel is one configured connection to a messaging platform.
// Metadata holds the versioned hybrid credential structure as JSON; the
// Identity column duplicates the plaintext platform identity (page ID,
// phone number ID) so channels are queryable without decryption.
type Channel struct {
	ID          string
	TenantID    string
	Platform    channels.Platform
	DisplayName string
	Status      ChannelStatus
	Identity    string
	Metadata    []byte
	CreatedTs   int64
	UpdatedTs   int64
}

type CreateChannelRequest struct {
	ID          string
	TenantID    string
	Platform    channels.Platform
	DisplayName string
	Identity    string
	Metadata    []byte
}

func validateCreateChannelRequest(req *CreateChannelRequest) error {
	if !req.Platform.IsValid() {
		return errors.Errorf("invalid platform: %s", req.Platform)
	}
	if req.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if len(req.DisplayName) > MaxDisplayName {
		return errors.Errorf("display_name too long: max %d characters", MaxDisplayName)
	}
	if len(req.Identity) > MaxIdentity {
		return errors.Errorf("identity too long: max %d characters", MaxIdentity)
	}
	if len(req.Metadata) > MaxMetadata {
		return errors.Errorf("metadata too large: max %d bytes", MaxMetadata)
	}
	return nil
}

// CreateChannel creates a new channel record.
func (s *Store) CreateChannel(ctx context.Context, req *CreateChannelRequest) (*Channel, error) {
	if err := validateCreateChannelRequest(req); err != nil {
		slog.Warn("invalid create channel request", "error", err)
		return nil, errors.Wrap(err, "validation failed")
	}

	query := `
		INSERT INTO channel
		(id, tenant_id, platform, display_name, status, identity, metadata, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	now := time.Now().Unix()
	if _, err := s.driver.GetDB().ExecContext(ctx, query,
		req.ID,
		req.TenantID,
		string(req.Platform),
		req.DisplayName,
		string(ChannelActive),
		req.Identity,
		req.Metadata,
		now,
		now,
	); err != nil {
		slog.Error("failed to create channel", "tenant_id", req.TenantID, "platform", req.Platform, "error", err)
		return nil, errors.Wrap(err, "failed to create channel")
	}

	slog.Info("channel created", "id", req.ID, "tenant_id", req.TenantID, "platform", req.Platform)
	return s.GetChannel(ctx, req.ID)
}

const channelColumns = "id, tenant_id, platform, display_name, status, identity, metadata, created_ts, updated_ts"

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var ch Channel
	var platform, status string
	if err := row.Scan(
		&ch.ID,
		&ch.TenantID,
		&platform,
		&ch.DisplayName,
		&status,
		&ch.Identity,
		&ch.Metadata,
		&ch.CreatedTs,
		&ch.UpdatedTs,
	); err != nil {
		return nil, err
	}
	ch.Platform = channels.Platform(platform)
	ch.Status = ChannelStatus(status)
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channel WHERE id = $1`
	ch, err := scanChannel(s.driver.GetDB().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, errors.Wrap(err, "failed to get channel")
	}
	return ch, nil
}

// ListChannelsByTenant lists all channels belonging to a tenant.
func (s *Store) ListChannelsByTenant(ctx context.Context, tenantID string) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channel WHERE tenant_id = $1 ORDER BY created_ts DESC`
	rows, err := s.driver.GetDB().QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list channels")
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan channel")
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rows")
	}
	return out, nil
}

// ListTenantIDs lists the distinct tenants that own at least one channel.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.driver.GetDB().QueryContext(ctx, `SELECT DISTINCT tenant_id FROM channel`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rows")
	}
	return out, nil
}

// UpdateChannelMetadata replaces the channel's metadata blob and status.
func (s *Store) UpdateChannelMetadata(ctx context.Context, id string, metadata []byte, status ChannelStatus) error {
	if len(metadata) > MaxMetadata {
		return errors.Errorf("metadata too large: max %d bytes", MaxMetadata)
	}
	query := `
		UPDATE channel
		SET metadata = $2, status = $3, updated_ts = $4
		WHERE id = $1
	`
	result, err := s.driver.GetDB().ExecContext(ctx, query, id, metadata, string(status), time.Now().Unix())
	if err != nil {
		slog.Error("failed to update channel metadata", "id", id, "error", err)
		return errors.Wrap(err, "failed to update channel")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// SetChannelStatus updates only the operational status of a channel.
func (s *Store) SetChannelStatus(ctx context.Context, id string, status ChannelStatus) error {
	query := `UPDATE channel SET status = $2, updated_ts = $3 WHERE id = $1`
	result, err := s.driver.GetDB().ExecContext(ctx, query, id, string(status), time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "failed to set channel status")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// DeleteChannel deletes a channel by ID.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	slog.Info("deleting channel", "id", id)
	result, err := s.driver.GetDB().ExecContext(ctx, `DELETE FROM channel WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete channel")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}
