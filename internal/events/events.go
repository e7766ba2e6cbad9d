package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cashback-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRuleSetCreated is emitted when a ruleset is stored
	EventRuleSetCreated EventType = "ruleset.created"
	// EventTransactionRecorded is emitted once a transaction finished the cashback pipeline
	EventTransactionRecorded EventType = "transaction.recorded"
	// EventCashbackAwarded is emitted when a transaction earns a cashback
	EventCashbackAwarded EventType = "cashback.awarded"
)

// Event represents an event in the system.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// RuleSetCreatedData contains data for ruleset created events.
type RuleSetCreatedData struct {
	RuleSet models.RuleSet
}

// TransactionRecordedData contains data for transaction recorded events.
type TransactionRecordedData struct {
	Transaction models.Transaction
	Awarded     bool
}

// CashbackAwardedData contains data for cashback awarded events.
type CashbackAwardedData struct {
	Cashback models.Cashback
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	async    bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewManager creates a new event manager. Handlers run on their own
// goroutines; use NewSyncManager to run them inline.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		async:    true,
		logger:   slog.Default(),
	}
}

// NewSyncManager creates an event manager that runs handlers on the
// publishing goroutine.
func NewSyncManager(enabled bool) *Manager {
	m := NewManager(enabled)
	m.async = false
	return m
}

// SetLogger sets the logger used to report handler failures.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if !enabled || len(handlers) == 0 {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, handler := range handlers {
		if !m.async {
			m.run(ctx, handler, event)
			continue
		}
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			// The request context is cancelled once the response is written.
			m.run(context.WithoutCancel(ctx), h, event)
		}(handler)
	}
}

func (m *Manager) run(ctx context.Context, h Handler, event Event) {
	if err := h(ctx, event); err != nil {
		m.logger.Warn("event handler failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err,
		)
	}
}

// PublishRuleSetCreated publishes a ruleset created event.
func (m *Manager) PublishRuleSetCreated(ctx context.Context, rs models.RuleSet) {
	m.Publish(ctx, EventRuleSetCreated, RuleSetCreatedData{RuleSet: rs})
}

// PublishTransactionRecorded publishes a transaction recorded event.
func (m *Manager) PublishTransactionRecorded(ctx context.Context, txn models.Transaction, awarded bool) {
	m.Publish(ctx, EventTransactionRecorded, TransactionRecordedData{
		Transaction: txn,
		Awarded:     awarded,
	})
}

// PublishCashbackAwarded publishes a cashback awarded event.
func (m *Manager) PublishCashbackAwarded(ctx context.Context, cb models.Cashback) {
	m.Publish(ctx, EventCashbackAwarded, CashbackAwardedData{Cashback: cb})
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
