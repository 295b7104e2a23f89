package di

import (
	"context"
	"errors"
	"time"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/platform/config"
	"github.com/geekshop/api/internal/repositories"
	"github.com/geekshop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders services.OrderService
	Stock  services.StockService
	System services.SystemService
}

// Deps carries the collaborators the service layer needs beyond the
// repository registry.
type Deps struct {
	Providers services.ProviderResolver
	Events    services.OrderEventPublisher
	Pricing   domain.Pricing
	Build     services.BuildInfo
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// a Firestore-backed registry; tests can supply in-memory implementations.
func NewContainer(_ context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("payment provider resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Providers: deps.Providers,
		Pricing:   deps.Pricing,
		Clock:     clock,
		Events:    deps.Events,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	stockService, err := services.NewStockService(services.StockServiceDeps{
		Stock:  reg.Stock(),
		Clock:  clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
	})
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services: Services{
			Orders: orderService,
			Stock:  stockService,
			System: systemService,
		},
	}, nil
}
