package credstore

import (
	"context"

	"github.com/pkg/errors"
)

// Action names a credential operation for authorization checks.
type Action string

const (
	ActionReadCredentials  Action = "credentials.read"
	ActionWriteCredentials Action = "credentials.write"
	ActionRotateKey        Action = "credentials.rotate_key"
)

// ErrUnauthorized is returned when the caller lacks tenant membership of
// sufficient role for the requested action.
var ErrUnauthorized = errors.New("caller is not authorized for this tenant")

// Authorizer confirms the caller's tenant role before any credential
// read or write. Implementations pull the caller identity from ctx.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID string, action Action) error
}

// AllowAll authorizes everything. Used for development mode, background
// workers acting as the system, and tests.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action) error {
	return nil
}
