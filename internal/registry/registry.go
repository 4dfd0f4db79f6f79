// Package registry keeps project metadata, sessions and share tokens. It
// is the authority on which session owns a project; the project store never
// consults it.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/onexay/project-vs/internal/types"
)

// DefaultShareTTL is how long a share token stays valid.
const DefaultShareTTL = 7 * 24 * time.Hour

// Registry defines the bookkeeping operations used by the API layer.
type Registry interface {
	// SaveProject inserts or replaces a project record.
	SaveProject(ctx context.Context, p types.Project) (types.Project, error)
	GetProject(ctx context.Context, id string) (types.Project, error)
	// UpdateProject merges name and description into an existing record and
	// bumps its UpdatedAt.
	UpdateProject(ctx context.Context, p types.Project) (types.Project, error)
	DeleteProject(ctx context.Context, id string) (bool, error)
	ProjectsForSession(ctx context.Context, sessionID string) ([]types.Project, error)

	// EnsureSession returns the session, creating it when it does not exist.
	EnsureSession(ctx context.Context, id string) (types.Session, bool, error)
	GetSession(ctx context.Context, id string) (types.Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)

	CreateShareToken(ctx context.Context, sessionID string) (types.ShareToken, error)
	// ResolveShareToken returns a live token; expired tokens are removed and
	// reported as missing.
	ResolveShareToken(ctx context.Context, token string) (types.ShareToken, error)
	DeleteShareToken(ctx context.Context, token string) (bool, error)

	Close() error
}

// Options tune registry behaviour shared by all backends.
type Options struct {
	ShareTTL time.Duration
}

func (o Options) shareTTL() time.Duration {
	if o.ShareTTL <= 0 {
		return DefaultShareTTL
	}
	return o.ShareTTL
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// mergeProject applies the mutable fields of update onto existing.
func mergeProject(existing, update types.Project, now time.Time) types.Project {
	if update.Name != "" {
		existing.Name = update.Name
	}
	if update.Description != "" {
		existing.Description = update.Description
	}
	existing.UpdatedAt = now
	return existing
}
