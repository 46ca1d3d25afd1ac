package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/allconnect/order-system/order-service/application"
	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/order-service/infrastructure"
	"github.com/allconnect/order-system/shared/events"
	sharedinfra "github.com/allconnect/order-system/shared/infrastructure"
	"github.com/allconnect/order-system/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPricing = domain.Pricing{TaxRateBasisPoints: 1900, ShippingFlatFee: 15000}

type recordingScheduler struct {
	mu            sync.Mutex
	starts        []models.ID
	compensations []models.ID
	reasons       []string
}

func (s *recordingScheduler) EnqueueStart(ctx context.Context, orderID models.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, orderID)
	return nil
}

func (s *recordingScheduler) EnqueueCompensation(ctx context.Context, orderID models.ID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensations = append(s.compensations, orderID)
	s.reasons = append(s.reasons, reason)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

type handlerFixture struct {
	orders    *infrastructure.MemoryOrderRepository
	sagas     *infrastructure.MemorySagaRepository
	store     *sharedinfra.MemoryEventStore
	scheduler *recordingScheduler
	router    chi.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	orders := infrastructure.NewMemoryOrderRepository()
	sagas := infrastructure.NewMemorySagaRepository()
	store := sharedinfra.NewMemoryEventStore()
	scheduler := &recordingScheduler{}
	publisher := sharedinfra.NewAuditedPublisher(&recordingPublisher{}, store)

	handlers := NewOrderHandlers(
		application.NewCreateOrder(orders, publisher, scheduler, testPricing),
		application.NewCancelOrder(orders, publisher, scheduler),
		application.NewGetOrder(orders),
		application.NewGetOrderStatus(orders, sagas),
		application.NewGetOrderEvents(orders, store),
	)

	router := chi.NewRouter()
	handlers.RegisterRoutes(router)

	return &handlerFixture{
		orders:    orders,
		sagas:     sagas,
		store:     store,
		scheduler: scheduler,
		router:    router,
	}
}

func (f *handlerFixture) seedOrder(t *testing.T) *domain.Order {
	t.Helper()

	order, err := domain.CreateOrder(
		models.GenerateUUID(),
		[]domain.LineItem{{
			ProductID:   models.GenerateUUID(),
			ProductType: domain.ProductTypePhysical,
			Quantity:    2,
			UnitPrice:   models.NewMoney(100000, "COP"),
		}},
		"Calle 123",
		"credit_card",
		testPricing,
	)
	require.NoError(t, err)
	order.ClearEvents()
	require.NoError(t, f.orders.Save(context.Background(), order))
	return order
}

func (f *handlerFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrderHandler(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/orders", application.CreateOrderCommand{
		CustomerID: models.GenerateUUID().String(),
		Items: []application.OrderItemCommand{{
			ProductID:   models.GenerateUUID().String(),
			ProductType: "physical",
			Quantity:    2,
			UnitPrice:   100000,
			Currency:    "COP",
		}},
		ShippingAddress: "Calle 123",
		PaymentMethod:   "credit_card",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp application.CreateOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.OrderStatusCreated), resp.Status)
	assert.Equal(t, int64(253000), resp.Total)
	assert.Len(t, f.scheduler.starts, 1)
}

func TestCreateOrderHandler_BadRequests(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/orders", application.CreateOrderCommand{
			CustomerID: models.GenerateUUID().String(),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "at least one item is required")
	})
}

func TestGetOrderHandler(t *testing.T) {
	f := newHandlerFixture(t)
	order := f.seedOrder(t)

	rec := f.do(http.MethodGet, "/orders/"+order.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view application.OrderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, order.ID.String(), view.OrderID)
	assert.Equal(t, int64(253000), view.Total)
}

func TestGetOrderHandler_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/orders/"+models.GenerateUUID().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrderStatusHandler(t *testing.T) {
	f := newHandlerFixture(t)
	order := f.seedOrder(t)

	run := domain.NewSagaRun(order.ID)
	require.NoError(t, run.BeginStep(domain.StepProcessPayment))
	require.NoError(t, f.sagas.Create(context.Background(), run))

	rec := f.do(http.MethodGet, "/orders/"+order.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view application.OrderStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Fulfillment)
	assert.Equal(t, string(domain.StepProcessPayment), view.Fulfillment.CurrentStep)
	assert.Equal(t, string(domain.SagaStatusInProgress), view.Fulfillment.Status)
}

func TestGetOrderEventsHandler(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/orders", application.CreateOrderCommand{
		CustomerID: models.GenerateUUID().String(),
		Items: []application.OrderItemCommand{{
			ProductID:   models.GenerateUUID().String(),
			ProductType: "physical",
			Quantity:    1,
			UnitPrice:   100000,
			Currency:    "COP",
		}},
		ShippingAddress: "Calle 123",
		PaymentMethod:   "credit_card",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created application.CreateOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(http.MethodGet, "/orders/"+created.OrderID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view application.OrderEventsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, created.OrderID, view.OrderID)
	require.Len(t, view.Events, 1)
	assert.Equal(t, events.OrderCreatedEvent, view.Events[0].EventType)
	assert.NotEmpty(t, view.Events[0].EventID)
}

func TestGetOrderEventsHandler_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/orders/"+models.GenerateUUID().String()+"/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrderHandler(t *testing.T) {
	f := newHandlerFixture(t)
	order := f.seedOrder(t)

	rec := f.do(http.MethodPost, "/orders/"+order.ID.String()+"/cancel", map[string]string{
		"reason": "changed my mind",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp application.CancelOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.OrderStatusCancelled), resp.Status)

	require.Len(t, f.scheduler.compensations, 1)
	assert.Equal(t, "changed my mind", f.scheduler.reasons[0])
}

func TestCancelOrderHandler_EmptyBody(t *testing.T) {
	f := newHandlerFixture(t)
	order := f.seedOrder(t)

	rec := f.do(http.MethodPost, "/orders/"+order.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.scheduler.reasons, 1)
	assert.Equal(t, "cancellation requested", f.scheduler.reasons[0])
}

func TestCancelOrderHandler_Conflicts(t *testing.T) {
	f := newHandlerFixture(t)
	order := f.seedOrder(t)

	loaded, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Complete())
	loaded.ClearEvents()
	require.NoError(t, f.orders.Save(context.Background(), loaded))

	rec := f.do(http.MethodPost, "/orders/"+order.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
