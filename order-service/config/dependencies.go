package config

import (
	"context"
	"fmt"
	"log"

	"github.com/allconnect/order-system/order-service/application"
	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/order-service/handlers"
	"github.com/allconnect/order-system/order-service/infrastructure"
	"github.com/allconnect/order-system/order-service/saga"
	"github.com/allconnect/order-system/shared/breaker"
	"github.com/allconnect/order-system/shared/events"
	sharedinfra "github.com/allconnect/order-system/shared/infrastructure"
	"github.com/allconnect/order-system/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Repositories
	OrderRepository domain.OrderRepository
	SagaRepository  domain.SagaRepository
	EventStore      events.EventStore

	// Saga
	BreakerRegistry *breaker.Registry
	Orchestrator    *saga.Orchestrator
	Runner          *saga.Runner

	// Use Cases
	CreateOrder    *application.CreateOrder
	CancelOrder    *application.CancelOrder
	GetOrder       *application.GetOrder
	GetOrderStatus *application.GetOrderStatus
	GetOrderEvents *application.GetOrderEvents

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	OrderEventHandlers *handlers.OrderEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	tel, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   config.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		log.Printf("telemetry disabled: %v", err)
	} else {
		deps.Telemetry = tel
		deps.TelemetryShutdown = telemetryShutdown
	}

	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps.DB = db

	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(ctx, config.AWS.SNSTopicArn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher
	deps.EventSubscriber = sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)

	deps.OrderRepository = infrastructure.NewPostgresOrderRepository(db)
	deps.SagaRepository = infrastructure.NewPostgresSagaRepository(db)
	deps.EventStore = sharedinfra.NewPostgresEventStore(db)

	// Lifecycle events flow to SNS and into the audit stream.
	auditedPublisher := sharedinfra.NewAuditedPublisher(eventPublisher, deps.EventStore)

	deps.BreakerRegistry = breaker.NewRegistry(breaker.Config{
		WindowSize:   config.Breaker.WindowSize,
		FailureRatio: config.Breaker.FailureRatio,
		MinCalls:     config.Breaker.MinCalls,
		Interval:     config.Breaker.Interval(),
		Cooldown:     config.Breaker.Cooldown(),
	})
	deps.BreakerRegistry.OnStateChange(func(name string, from, to breaker.State) {
		log.Printf("breaker %s: %s -> %s", name, from, to)
	})

	collaborators := saga.Collaborators{
		Payment:   infrastructure.NewPaymentClient(config.Gateways.PaymentURL),
		Inventory: infrastructure.NewCatalogClient(config.Gateways.CatalogURL),
		Provider:  infrastructure.NewProviderClient(config.Gateways.ProviderURL),
		Notifier:  infrastructure.NewEventNotifier(eventPublisher),
		Invoicer:  infrastructure.NewBillingClient(config.Gateways.BillingURL),
	}

	deps.Orchestrator = saga.NewOrchestrator(
		deps.OrderRepository,
		deps.SagaRepository,
		collaborators,
		auditedPublisher,
		deps.BreakerRegistry,
		saga.GuardConfig{
			Timeout:    config.Saga.CallTimeout(),
			Attempts:   config.Saga.CallAttempts,
			RetryDelay: config.Saga.RetryDelay(),
		},
	)
	deps.Runner = saga.NewRunner(deps.Orchestrator, deps.SagaRepository, saga.RunnerConfig{
		Workers:   config.Saga.Workers,
		QueueSize: config.Saga.QueueSize,
	})

	pricing := domain.Pricing{
		TaxRateBasisPoints: config.Pricing.TaxRateBasisPoints,
		ShippingFlatFee:    config.Pricing.ShippingFlatFee,
	}

	deps.CreateOrder = application.NewCreateOrder(deps.OrderRepository, auditedPublisher, deps.Runner, pricing)
	deps.CancelOrder = application.NewCancelOrder(deps.OrderRepository, auditedPublisher, deps.Runner)
	deps.GetOrder = application.NewGetOrder(deps.OrderRepository)
	deps.GetOrderStatus = application.NewGetOrderStatus(deps.OrderRepository, deps.SagaRepository)
	deps.GetOrderEvents = application.NewGetOrderEvents(deps.OrderRepository, deps.EventStore)

	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.CreateOrder,
		deps.CancelOrder,
		deps.GetOrder,
		deps.GetOrderStatus,
		deps.GetOrderEvents,
	)
	deps.OrderEventHandlers = handlers.NewOrderEventHandlers(deps.Runner, deps.CancelOrder)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}
	return nil
}
