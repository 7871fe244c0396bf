// Package servicetest assembles the domain services over an in-memory
// database with fake external collaborators.
package servicetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/cache"
	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/internal/database"
	"github.com/Additional-Code/remedio/internal/database/dbtest"
	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/event"
	"github.com/Additional-Code/remedio/internal/gateway"
	"github.com/Additional-Code/remedio/internal/geocoding"
	"github.com/Additional-Code/remedio/internal/messaging"
	deliveryrepo "github.com/Additional-Code/remedio/internal/repository/delivery"
	medicationrepo "github.com/Additional-Code/remedio/internal/repository/medication"
	orderrepo "github.com/Additional-Code/remedio/internal/repository/order"
	deliveryservice "github.com/Additional-Code/remedio/internal/service/delivery"
	orderservice "github.com/Additional-Code/remedio/internal/service/order"
	paymentservice "github.com/Additional-Code/remedio/internal/service/payment"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

// Actors used across service tests.
var (
	Admin   = entity.Actor{Role: entity.RoleAdmin, ID: "admin-1"}
	Client  = entity.Actor{Role: entity.RoleClient, ID: "client-1"}
	Courier = entity.Actor{Role: entity.RoleDelivery, ID: "courier-1"}
	Other   = entity.Actor{Role: entity.RoleDelivery, ID: "courier-2"}
)

// Fixture bundles services sharing one database.
type Fixture struct {
	DB          *database.Connections
	Orders      *orderrepo.Repository
	Medications *medicationrepo.Repository
	Deliveries  *deliveryrepo.Repository
	Geocoder    *Geocoder
	Gateway     *Gateway
	Bus         *Bus
	OrderSvc    *orderservice.Service
	PaymentSvc  *paymentservice.Service
	DeliverySvc *deliveryservice.Service
}

// Option tweaks the configuration used by New.
type Option func(*config.Config)

// WithMessaging enables the recording bus and, optionally, async webhooks.
func WithMessaging(asyncWebhooks bool) Option {
	return func(cfg *config.Config) {
		cfg.Messaging.Enabled = true
		cfg.Gateway.AsyncWebhooks = asyncWebhooks
	}
}

// New builds a Fixture backed by a fresh database.
func New(t *testing.T, opts ...Option) *Fixture {
	t.Helper()

	cfg := config.Config{
		Cache:    config.Cache{DefaultTTL: time.Minute},
		Gateway:  config.Gateway{Enabled: true},
		Delivery: config.Delivery{AverageSpeedKmh: 25, DefaultETA: time.Hour, TrackingTTL: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	conns := dbtest.New(t)
	f := &Fixture{
		DB:          conns,
		Orders:      orderrepo.NewRepository(conns),
		Medications: medicationrepo.NewRepository(conns),
		Deliveries:  deliveryrepo.NewRepository(conns),
		Geocoder:    &Geocoder{},
		Gateway:     NewGateway(),
		Bus:         &Bus{},
	}
	store := NewMemoryStore()
	events := event.NewPublisher(f.Bus, cfg, logger)

	var err error
	f.OrderSvc, err = orderservice.NewService(orderservice.Params{
		DB:          conns,
		Orders:      f.Orders,
		Medications: f.Medications,
		Deliveries:  f.Deliveries,
		Cache:       store,
		Config:      cfg,
		Logger:      logger,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	f.PaymentSvc, err = paymentservice.NewService(paymentservice.Params{
		DB:           conns,
		Orders:       f.Orders,
		OrderService: f.OrderSvc,
		Gateway:      f.Gateway,
		Events:       events,
		Config:       cfg,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}
	f.DeliverySvc, err = deliveryservice.NewService(deliveryservice.Params{
		DB:           conns,
		Orders:       f.Orders,
		Deliveries:   f.Deliveries,
		OrderService: f.OrderSvc,
		Geocoder:     f.Geocoder,
		Cache:        store,
		Events:       events,
		Config:       cfg,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("delivery service: %v", err)
	}
	return f
}

// Medication inserts a catalog entry.
func (f *Fixture) Medication(t *testing.T, name, price string, stock int) *entity.Medication {
	t.Helper()
	m := &entity.Medication{Name: name, Price: decimal.RequireFromString(price), Stock: stock}
	if err := f.Medications.Create(context.Background(), m); err != nil {
		t.Fatalf("create medication %s: %v", name, err)
	}
	return m
}

// PlaceOrder checks out qty units of med for Client.
func (f *Fixture) PlaceOrder(t *testing.T, method entity.PaymentMethod, med *entity.Medication, qty int) *entity.Order {
	t.Helper()
	order, err := f.OrderSvc.Create(context.Background(), orderservice.CreateInput{
		ClientID:        Client.ID,
		Items:           []orderservice.Item{{MedicationID: med.ID, Quantity: qty}},
		ShippingAddress: "Av. Paulista, 1000, São Paulo",
		PaymentMethod:   method,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

// Advance walks order through the given statuses as Admin.
func (f *Fixture) Advance(t *testing.T, orderID int64, statuses ...entity.OrderStatus) {
	t.Helper()
	for _, status := range statuses {
		if _, err := f.OrderSvc.Transition(context.Background(), Admin, orderID, status, ""); err != nil {
			t.Fatalf("transition order %d to %s: %v", orderID, status, err)
		}
	}
}

// SetPaymentID stores a gateway payment reference on the order.
func (f *Fixture) SetPaymentID(t *testing.T, order *entity.Order, paymentID string) {
	t.Helper()
	order.PaymentID = &paymentID
	if err := f.Orders.Update(context.Background(), order, "payment_id"); err != nil {
		t.Fatalf("set payment id: %v", err)
	}
}

// Reload reads the order straight from the database.
func (f *Fixture) Reload(t *testing.T, id int64) *entity.Order {
	t.Helper()
	order, err := f.Orders.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload order %d: %v", id, err)
	}
	return order
}

// RequireCode fails the test unless err carries code.
func RequireCode(t *testing.T, err error, code errorbank.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if !errorbank.HasCode(err, code) {
		t.Fatalf("expected error code %s, got %v (code %q)", code, err, errorbank.From(err).Code())
	}
}

// Geocoder returns Coords, or Err when set.
type Geocoder struct {
	mu     sync.Mutex
	Coords *geocoding.Coordinates
	Err    error
	Calls  int
}

func (g *Geocoder) Geocode(context.Context, string) (*geocoding.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	if g.Coords == nil {
		return nil, geocoding.ErrNoMatch
	}
	c := *g.Coords
	return &c, nil
}

// Gateway is an in-memory payment gateway.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	Payments map[string]*gateway.Payment
	Charges  []gateway.ChargeRequest
}

// NewGateway returns an empty fake gateway.
func NewGateway() *Gateway {
	return &Gateway{Payments: make(map[string]*gateway.Payment)}
}

func (g *Gateway) EnsureCustomer(_ context.Context, c gateway.Customer) (string, error) {
	if c.CPFCNPJ == "" {
		return "", errorbank.BadRequest("customer cpfCnpj is required")
	}
	return "cus_" + c.CPFCNPJ, nil
}

func (g *Gateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	p := &gateway.Payment{
		ID:          fmt.Sprintf("pay_%d", g.seq),
		Status:      "PENDING",
		BillingType: string(req.BillingType),
		Value:       req.Value,
	}
	g.Payments[p.ID] = p
	g.Charges = append(g.Charges, req)
	return p, nil
}

func (g *Gateway) GetPayment(_ context.Context, id string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.Payments[id]
	if !ok {
		return nil, errorbank.NotFound("payment not found")
	}
	c := *p
	return &c, nil
}

// Bus records published messages.
type Bus struct {
	mu       sync.Mutex
	Messages []messaging.Message
}

func (b *Bus) Publish(_ context.Context, key, value []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, messaging.Message{Topic: b.Topic(), Key: key, Value: value, Headers: headers})
	return nil
}

func (b *Bus) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bus) Topic() string { return "remedio.events" }

// Types returns the event types published so far.
func (b *Bus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		out = append(out, m.Headers[event.HeaderType])
	}
	return out
}

// MemoryStore is a map-backed cache.Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
