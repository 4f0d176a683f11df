package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var (
	ErrProviderNotFound  = apperr.New(apperr.NotFound, "provider_not_found", "provider not found")
	ErrDuplicateProvider = apperr.New(apperr.Conflict, "provider_exists", "a provider with this external id already exists")
)

// Provider is a bookable entity whose calendar is synchronized. ID is the
// providerId carried by slots.
type Provider struct {
	ID            string
	ExternalID    string
	ApplicationID *uuid.UUID
	DisplayName   string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Registry stores providers.
type Registry interface {
	ListActive(ctx context.Context) ([]Provider, error)
	Get(ctx context.Context, id string) (*Provider, error)
	GetByApplication(ctx context.Context, applicationID uuid.UUID) (*Provider, error)
	Create(ctx context.Context, p *Provider) error
	// DeleteByApplication removes providers created for an application.
	DeleteByApplication(ctx context.Context, applicationID uuid.UUID) (int, error)
}
