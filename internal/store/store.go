package store

import (
	"context"
	"errors"

	"github.com/tcprescott/multiworldhost/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrMultiworldNotFound = errors.New("multiworld not found")
	ErrTokenExists        = errors.New("token already exists")
)

// MultiworldStore is the durable record of session metadata, keyed by
// token. Rows are soft-deleted only: once created a token is never
// removed, it is closed by setting active=false. Upsert must be durable
// before it returns.
type MultiworldStore interface {
	// Upsert writes or overwrites the record for mw.Token.
	Upsert(ctx context.Context, mw *models.Multiworld) error

	// Get returns the record for a token or ErrMultiworldNotFound.
	Get(ctx context.Context, token string) (*models.Multiworld, error)

	// List returns records ordered by creation time. With activeOnly
	// set, only rows with active=true are returned.
	List(ctx context.Context, activeOnly bool) ([]*models.Multiworld, error)

	// Deactivate marks a token inactive, bumping updated_at. It is the
	// terminal state for a closed session.
	Deactivate(ctx context.Context, token string) error

	// Lifecycle
	Start() error
	Stop() error
}
