package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Catalog manages the provider and service directories. It also serves as
// the scheduling package's Directory: scheduling asks it whether a provider
// or service offering is bookable.
type Catalog struct {
	providers ProviderRepository
	services  ServiceRepository
	log       zerolog.Logger
}

func NewCatalog(providers ProviderRepository, services ServiceRepository, log zerolog.Logger) *Catalog {
	return &Catalog{providers: providers, services: services, log: log}
}

// -- Providers --

func (c *Catalog) CreateProvider(ctx context.Context, p *Provider) error {
	if err := validateProvider(p); err != nil {
		return err
	}
	// New entries start bookable; DELETE deactivates them later.
	p.Active = true
	if err := c.providers.Create(ctx, p); err != nil {
		return err
	}
	c.log.Info().Str("provider_id", p.ID.String()).Str("name", p.Name).Msg("provider created")
	return nil
}

func (c *Catalog) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return c.providers.GetByID(ctx, id)
}

func (c *Catalog) ListProviders(ctx context.Context, f ProviderFilter, limit, offset int) ([]*Provider, int, error) {
	return c.providers.List(ctx, f, limit, offset)
}

func (c *Catalog) UpdateProvider(ctx context.Context, p *Provider) error {
	if err := validateProvider(p); err != nil {
		return err
	}
	return c.providers.Update(ctx, p)
}

func (c *Catalog) DeactivateProvider(ctx context.Context, id uuid.UUID) error {
	p, err := c.providers.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	if err := c.providers.Update(ctx, p); err != nil {
		return err
	}
	c.log.Info().Str("provider_id", id.String()).Msg("provider deactivated")
	return nil
}

// -- Services --

func (c *Catalog) CreateService(ctx context.Context, s *Service) error {
	if err := validateService(s); err != nil {
		return err
	}
	s.Active = true
	if err := c.services.Create(ctx, s); err != nil {
		return err
	}
	c.log.Info().Str("service_id", s.ID.String()).Str("name", s.Name).Msg("service created")
	return nil
}

func (c *Catalog) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	return c.services.GetByID(ctx, id)
}

func (c *Catalog) ListServices(ctx context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error) {
	return c.services.List(ctx, f, limit, offset)
}

func (c *Catalog) UpdateService(ctx context.Context, s *Service) error {
	if err := validateService(s); err != nil {
		return err
	}
	return c.services.Update(ctx, s)
}

func (c *Catalog) DeactivateService(ctx context.Context, id uuid.UUID) error {
	s, err := c.services.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	s.Active = false
	if err := c.services.Update(ctx, s); err != nil {
		return err
	}
	c.log.Info().Str("service_id", id.String()).Msg("service deactivated")
	return nil
}

func validateProvider(p *Provider) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	return nil
}

func validateService(s *Service) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("duration_minutes must be positive")
	}
	return nil
}

// -- Directory lookups --

// ProviderActive reports whether the provider exists and is bookable.
// Unknown ids are not an error, they are simply not bookable.
func (c *Catalog) ProviderActive(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := c.providers.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

// ServiceActive reports whether the service offering exists and is bookable.
func (c *Catalog) ServiceActive(ctx context.Context, id uuid.UUID) (bool, error) {
	s, err := c.services.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Active, nil
}
