// ABOUTME: Recording billing and metrics sinks for tests.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

// BillingCall is one recorded state change.
type BillingCall struct {
	PlanID        string
	EnvironmentID string
	SKUName       string
	OldState      string
	NewState      string
}

// MockBillingSink records billing state changes in memory.
type MockBillingSink struct {
	mu    sync.Mutex
	calls []BillingCall
	err   error
}

// NewMockBillingSink returns an empty sink.
func NewMockBillingSink() *MockBillingSink {
	return &MockBillingSink{}
}

func (m *MockBillingSink) RecordStateChange(_ context.Context, planID string, env models.Environment, oldState, newState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, BillingCall{
		PlanID:        planID,
		EnvironmentID: env.ID,
		SKUName:       env.SKUName,
		OldState:      oldState,
		NewState:      newState,
	})
	return nil
}

// SetError makes every later call fail with err.
func (m *MockBillingSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns a copy of the recorded calls.
func (m *MockBillingSink) Calls() []BillingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BillingCall(nil), m.calls...)
}

// CallsFor returns the calls recorded for one environment.
func (m *MockBillingSink) CallsFor(environmentID string) []BillingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BillingCall
	for _, c := range m.calls {
		if c.EnvironmentID == environmentID {
			out = append(out, c)
		}
	}
	return out
}

// PostedEvent is one recorded metrics event.
type PostedEvent struct {
	Namespace     string
	Name          string
	Properties    map[string]string
	CorrelationID string
	Timestamp     time.Time
}

// MockMetricsSink records posted events in memory.
type MockMetricsSink struct {
	mu     sync.Mutex
	events []PostedEvent
}

// NewMockMetricsSink returns an empty sink.
func NewMockMetricsSink() *MockMetricsSink {
	return &MockMetricsSink{}
}

func (m *MockMetricsSink) PostEvent(_ context.Context, namespace, name string, properties map[string]string, correlationID string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	m.events = append(m.events, PostedEvent{
		Namespace:     namespace,
		Name:          name,
		Properties:    props,
		CorrelationID: correlationID,
		Timestamp:     ts,
	})
}

// Events returns a copy of the recorded events.
func (m *MockMetricsSink) Events() []PostedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PostedEvent(nil), m.events...)
}
