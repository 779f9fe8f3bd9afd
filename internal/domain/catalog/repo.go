package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no row matches the given id.
var ErrNotFound = errors.New("catalog: not found")

// ErrAlreadyExists is returned when a create collides with an existing id.
// Reachable because admins may supply provider ids to match the identity
// system.
var ErrAlreadyExists = errors.New("catalog: already exists")

// ProviderFilter narrows ListProviders. Nil fields are ignored.
type ProviderFilter struct {
	Active *bool
}

// ServiceFilter narrows ListServices. Nil fields are ignored.
type ServiceFilter struct {
	Active *bool
}

type ProviderRepository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	Update(ctx context.Context, p *Provider) error
	List(ctx context.Context, f ProviderFilter, limit, offset int) ([]*Provider, int, error)
}

type ServiceRepository interface {
	Create(ctx context.Context, s *Service) error
	GetByID(ctx context.Context, id uuid.UUID) (*Service, error)
	Update(ctx context.Context, s *Service) error
	List(ctx context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error)
}
